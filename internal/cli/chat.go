package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/omochice/dmsync/internal/api"
	"github.com/omochice/dmsync/internal/chat"
	"github.com/omochice/dmsync/internal/config"
	"github.com/omochice/dmsync/internal/presence"
	"github.com/omochice/dmsync/internal/realtime"
	"github.com/omochice/dmsync/internal/transport"
	"github.com/omochice/dmsync/internal/transport/gobwas"
	"github.com/omochice/dmsync/internal/transport/ws"
	"github.com/omochice/dmsync/pkg/protocol"
)

type chatOptions struct {
	token    string
	user     string
	password string
	with     string
}

func newChatCmd(a *app) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a live conversation with another user",
		Long: "Connects to the realtime server, opens the conversation and sends every line read from stdin.\n" +
			"Commands: /retry resends undelivered messages, /read <id> marks a message read, /history reprints the conversation, /quit exits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.token, "token", "", "Access token (from dmchat login)")
	cmd.Flags().StringVar(&opts.user, "user", "", "Your username")
	cmd.Flags().StringVar(&opts.password, "password", "", "Log in with this password instead of --token")
	cmd.Flags().StringVar(&opts.with, "with", "", "Username to chat with")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("with")

	return cmd
}

func newDialer(cfg config.Config) transport.Dialer {
	if cfg.Transport == config.TransportGobwas {
		return &gobwas.Dialer{Timeout: 10 * time.Second}
	}
	return &ws.Dialer{}
}

func newEngine(a *app, token string) *chat.Engine {
	cfg := a.cfg
	return chat.New(chat.Options{
		Realtime: realtime.Options{
			Dialer:            newDialer(cfg),
			URL:               cfg.Server.WSURL,
			HeartbeatInterval: cfg.Heartbeat.Interval,
			Reconnect: realtime.ReconnectPolicy{
				Enabled:     cfg.Reconnect.Enabled,
				BaseDelay:   cfg.Reconnect.BaseDelay,
				MaxDelay:    cfg.Reconnect.MaxDelay,
				MaxAttempts: cfg.Reconnect.MaxAttempts,
			},
		},
		Backend:           api.New(cfg.Server.APIURL, token),
		HistoryPageSize:   cfg.History.PageSize,
		ReceiptBufferSize: cfg.Receipts.BufferSize,
		Logger:            a.log,
	})
}

// printer serializes output from the engine goroutine and the input loop.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, s)
}

func runChat(cmd *cobra.Command, a *app, opts chatOptions) error {
	ctx := cmd.Context()
	cfg := a.cfg

	token := opts.token
	if token == "" {
		if opts.password == "" {
			return errors.New("either --token or --password is required")
		}
		res, err := api.New(cfg.Server.APIURL, "").Login(ctx, opts.user, opts.password)
		if err != nil {
			return err
		}
		token = res.Token
	}

	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, a)
		defer stop()
	}

	s := newStyles()
	out := &printer{w: cmd.OutOrStdout()}

	engine := newEngine(a, token)
	engine.Start()
	defer engine.Stop()

	engine.OnState(func(state realtime.State) {
		out.println(renderState(state, s))
	})
	engine.OnMessage(func(m protocol.Message) {
		if m.Belongs(opts.user, opts.with) {
			out.println(renderMessage(m, opts.user, s))
			return
		}
		out.println(s.meta.Render(fmt.Sprintf("new message from %s", m.SenderID)))
	})
	engine.OnPresence(func(rec presence.Record) {
		if rec.UserID == opts.with {
			out.println(renderPresence(rec, s))
		}
	})
	engine.OnDiagnostic(func(u protocol.Unknown) {
		a.log.Warn().Str("type", u.Type).Err(u.Err).Msg("unhandled frame")
	})

	if err := engine.Login(ctx, realtime.Session{Token: token, CurrentUserID: opts.user}); err != nil {
		return err
	}
	if err := engine.OpenConversation(ctx, opts.with); err != nil {
		return err
	}
	out.println(renderConversation(opts.with, engine.Messages(), opts.user, s))

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return engine.Logout()
		case line, ok := <-lines:
			if !ok {
				return engine.Logout()
			}
			if quit := handleLine(ctx, engine, out, s, opts, strings.TrimSpace(line)); quit {
				return engine.Logout()
			}
		}
	}
}

// handleLine runs one input line and reports whether the session should end.
func handleLine(ctx context.Context, engine *chat.Engine, out *printer, s styles, opts chatOptions, line string) bool {
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/exit":
		return true
	case line == "/history":
		out.println(renderConversation(opts.with, engine.Messages(), opts.user, s))
	case line == "/retry":
		for _, m := range engine.Messages() {
			if !m.DeliveryFailed {
				continue
			}
			if _, err := engine.Retry(ctx, m.ID); err != nil {
				out.println(s.failed.Render(fmt.Sprintf("retry #%s: %v", shortID(m.ID), err)))
			}
		}
	case strings.HasPrefix(line, "/read "):
		id, ok := resolveID(engine.Messages(), strings.TrimSpace(strings.TrimPrefix(line, "/read ")))
		if !ok {
			out.println(s.failed.Render("no such message"))
			return false
		}
		if err := engine.MarkRead(ctx, id); err != nil {
			out.println(s.failed.Render(fmt.Sprintf("read #%s: %v", shortID(id), err)))
		}
	case strings.HasPrefix(line, "/"):
		out.println(s.failed.Render("unknown command " + line))
	default:
		msg, err := engine.Send(ctx, line)
		if err != nil {
			out.println(renderMessage(msg, opts.user, s))
		}
	}
	return false
}

// resolveID finds the message whose id starts with prefix.
func resolveID(msgs []protocol.Message, prefix string) (string, bool) {
	if prefix == "" {
		return "", false
	}
	prefix = strings.TrimPrefix(prefix, "#")
	for _, m := range msgs {
		if strings.HasPrefix(m.ID, prefix) {
			return m.ID, true
		}
	}
	return "", false
}

func serveMetrics(addr string, a *app) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	a.log.Info().Str("addr", addr).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
