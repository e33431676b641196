// Command vaulthost is the native messaging host the browser extension
// talks to over stdin/stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/Hussein-Mazeh/credvault/internal/config"
	"github.com/Hussein-Mazeh/credvault/internal/host"
	"github.com/Hussein-Mazeh/credvault/internal/session"
)

const version = "0.2.0"

// Behavior:
//  1. Loads configuration; the browser passes the extension origin as a
//     positional argument, which is ignored.
//  2. Installs signal handlers that lock the session before exiting.
//  3. Serves framed requests until stdin closes.
func main() {
	fs := flag.NewFlagSet("vaulthost", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", os.Getenv("CREDVAULT_CONFIG"), "path to a TOML config file")
	dir := fs.String("dir", "", "vault directory (overrides config)")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaulthost: %v\n", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	logger := cfg.Logger(os.Stderr).With().Str("app", "vaulthost").Logger()

	sc, err := cfg.SessionConfig(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid session configuration")
	}
	st, closeStore, err := cfg.OpenStore()
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Dir).Msg("open vault store")
	}
	sess, err := session.New(st, sc)
	if err != nil {
		closeStore()
		logger.Fatal().Err(err).Msg("open session")
	}

	shutdown := newShutdown(sess, closeStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		shutdown()
		os.Exit(0)
	}()

	logger.Info().Str("version", version).Str("dir", cfg.Dir).Str("backend", cfg.Backend).Msg("host started")
	handler := host.NewHandler(sess, logger, version)
	if err := handler.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("serve")
		shutdown()
		os.Exit(1)
	}
	shutdown()
}

// newShutdown returns a teardown that locks the session, closes the store and
// purges guarded memory. The signal handler and the serve loop may both call
// it; only the first call runs, and later callers wait for it to finish.
func newShutdown(sess *session.Session, closeStore func() error, logger zerolog.Logger) func() {
	return sync.OnceFunc(func() {
		sess.Close()
		if err := closeStore(); err != nil {
			logger.Error().Err(err).Msg("close vault store")
		}
		memguard.Purge()
	})
}
