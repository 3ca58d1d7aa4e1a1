package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/omochice/dmsync/internal/config"
	"github.com/omochice/dmsync/internal/devserver"
	"github.com/omochice/dmsync/internal/logging"
)

func main() {
	configFile := flag.String("config", "", "Config file")
	addr := flag.String("addr", "", "Address to listen on (overrides devserver.addr)")
	seed := flag.String("seed", "", "Comma separated usernames to register with password \"password\"")
	flag.Parse()

	cfg, err := config.Load(viper.New(), *configFile)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load config")
	}
	if *addr != "" {
		cfg.DevServer.Addr = *addr
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid log settings")
	}

	srv := devserver.New(devserver.Options{Addr: cfg.DevServer.Addr, Logger: log})
	for _, name := range strings.Split(*seed, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		if _, err := srv.Store().Register(name, name+"@example.com", "password"); err != nil {
			log.Fatal().Err(err).Str("user", name).Msg("failed to seed user")
		}
		log.Info().Str("user", name).Msg("seeded user")
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.DevServer.Addr).Msg("starting development server")
		errChan <- srv.Start()
	}()

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}

	log.Info().Msg("development server stopped")
}
