package chat_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dmsync/internal/api"
	"github.com/omochice/dmsync/internal/chat"
	"github.com/omochice/dmsync/internal/devserver"
	"github.com/omochice/dmsync/internal/realtime"
	"github.com/omochice/dmsync/internal/transport"
	"github.com/omochice/dmsync/internal/transport/gobwas"
	"github.com/omochice/dmsync/internal/transport/ws"
)

type endToEnd struct {
	apiURL string
	wsURL  string
	dev    *devserver.Server
}

func startDevServer(t *testing.T) *endToEnd {
	t.Helper()
	dev := devserver.New(devserver.Options{Logger: zerolog.Nop()})
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dev.Stop(ctx)
	})
	return &endToEnd{
		apiURL: srv.URL + devserver.APIPrefix,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + devserver.APIPrefix + "/chat/ws",
		dev:    dev,
	}
}

func (e2e *endToEnd) engine(t *testing.T, dialer transport.Dialer, username string) *chat.Engine {
	t.Helper()
	_, err := e2e.dev.AddUser(username, "pw")
	require.NoError(t, err)

	auth, err := api.New(e2e.apiURL, "").Login(context.Background(), username, "pw")
	require.NoError(t, err)

	e := chat.New(chat.Options{
		Realtime: realtime.Options{Dialer: dialer, URL: e2e.wsURL},
		Backend:  api.New(e2e.apiURL, auth.Token),
		Logger:   zerolog.Nop(),
	})
	e.Start()
	t.Cleanup(e.Stop)

	before := e2e.dev.ClientCount()
	require.NoError(t, e.Login(context.Background(), realtime.Session{Token: auth.Token, CurrentUserID: username}))
	require.Eventually(t, func() bool { return e2e.dev.ClientCount() > before }, 2*time.Second, 10*time.Millisecond)
	return e
}

func TestEngine_EndToEnd(t *testing.T) {
	dialers := map[string]transport.Dialer{
		"nhooyr": &ws.Dialer{},
		"gobwas": &gobwas.Dialer{},
	}

	for name, dialer := range dialers {
		t.Run(name, func(t *testing.T) {
			e2e := startDevServer(t)
			alice := e2e.engine(t, dialer, "alice")
			bob := e2e.engine(t, dialer, "bob")

			require.Eventually(t, func() bool { return alice.Presence("bob").IsOnline }, 2*time.Second, 10*time.Millisecond)

			require.NoError(t, alice.OpenConversation(context.Background(), "bob"))
			require.NoError(t, bob.OpenConversation(context.Background(), "alice"))

			sent, err := alice.Send(context.Background(), "hello bob")
			require.NoError(t, err)
			assert.True(t, sent.Optimistic)

			require.Eventually(t, func() bool {
				got := alice.Messages()
				return len(got) == 1 && !got[0].Optimistic
			}, 2*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

			received := bob.Messages()[0]
			assert.Equal(t, sent.ID, received.ID)
			assert.Equal(t, "hello bob", received.Content)

			require.NoError(t, bob.MarkRead(context.Background(), received.ID))
			assert.True(t, bob.Messages()[0].IsRead)
			require.Eventually(t, func() bool { return alice.Messages()[0].IsRead }, 2*time.Second, 10*time.Millisecond)

			require.NoError(t, bob.Logout())
			require.Eventually(t, func() bool { return !alice.Presence("bob").IsOnline }, 2*time.Second, 10*time.Millisecond)
			assert.NotNil(t, alice.Presence("bob").LastSeenAt)
		})
	}
}

func TestEngine_EndToEndHistory(t *testing.T) {
	e2e := startDevServer(t)
	for _, u := range []string{"alice", "bob"} {
		_, err := e2e.dev.AddUser(u, "pw")
		require.NoError(t, err)
	}
	for _, content := range []string{"one", "two", "three"} {
		_, err := e2e.dev.Store().AddMessage("", "bob", "alice", content)
		require.NoError(t, err)
	}

	auth, err := api.New(e2e.apiURL, "").Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	e := chat.New(chat.Options{
		Realtime:        realtime.Options{Dialer: &ws.Dialer{}, URL: e2e.wsURL},
		Backend:         api.New(e2e.apiURL, auth.Token),
		HistoryPageSize: 2,
		Logger:          zerolog.Nop(),
	})
	e.Start()
	t.Cleanup(e.Stop)
	require.NoError(t, e.Login(context.Background(), realtime.Session{Token: auth.Token, CurrentUserID: "alice"}))

	require.NoError(t, e.OpenConversation(context.Background(), "bob"))

	got := e.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
}
