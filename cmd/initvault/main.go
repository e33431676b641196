// Command initvault provisions the SQLite vault database and its schema
// without creating a vault envelope.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/Hussein-Mazeh/credvault/internal/config"
	dbpkg "github.com/Hussein-Mazeh/credvault/internal/db"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	dir := flag.String("dir", "", "vault directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initvault: %v\n", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	logger := cfg.Logger(zerolog.ConsoleWriter{Out: os.Stderr})

	db, err := dbpkg.OpenVault(cfg.Dir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open vault database")
	}
	defer dbpkg.Close(db)

	if err := dbpkg.Vacuum(db); err != nil {
		logger.Fatal().Err(err).Msg("initialize vault database")
	}
	logger.Info().Str("path", db.Path()).Msg("vault database ready")
}
