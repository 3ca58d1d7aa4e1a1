// Package cli implements the dmchat command line client.
package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omochice/dmsync/internal/config"
	"github.com/omochice/dmsync/internal/logging"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	log     zerolog.Logger
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), log: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:           "dmchat",
		Short:         "Terminal client for realtime direct messages",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Config file (default ./dmsync.yaml or ~/.config/dmsync/dmsync.yaml)")
	flags.String("api-url", "", "REST API base URL")
	flags.String("ws-url", "", "Realtime websocket base URL")
	flags.String("transport", "", "Websocket implementation: nhooyr or gobwas")
	flags.String("log-level", "", "Log level")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	for key, name := range map[string]string{
		"server.api_url": "api-url",
		"server.ws_url":  "ws-url",
		"transport":      "transport",
		"log.level":      "log-level",
		"metrics.addr":   "metrics-addr",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(a),
		newUsersCmd(a),
		newChatCmd(a),
	)
	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}
