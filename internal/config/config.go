// Package config loads credvault settings from a TOML file and turns them
// into the session, store and logger the commands run with.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	dbpkg "github.com/Hussein-Mazeh/credvault/internal/db"
	"github.com/Hussein-Mazeh/credvault/internal/session"
	"github.com/Hussein-Mazeh/credvault/krypto"
	"github.com/Hussein-Mazeh/credvault/store"
)

const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"

	// Never is the auto_lock value that disables the countdown.
	Never = "never"
)

// Config mirrors the TOML file layout.
type Config struct {
	Dir      string `toml:"dir"`
	Backend  string `toml:"backend"`
	AutoLock string `toml:"auto_lock"`
	Cipher   string `toml:"cipher"`
	LogLevel string `toml:"log_level"`
	// BreachCheck makes the CLI look new master passwords up by hash prefix.
	BreachCheck bool         `toml:"breach_check"`
	KDF         KDFConfig    `toml:"kdf"`
	Unlock      UnlockConfig `toml:"unlock"`
}

// KDFConfig selects the preferred scheme and its cost parameters.
type KDFConfig struct {
	Preferred         string `toml:"preferred"`
	Argon2Time        uint32 `toml:"argon2_time"`
	Argon2MemoryKB    uint32 `toml:"argon2_memory_kb"`
	Argon2Parallelism uint8  `toml:"argon2_parallelism"`
	PBKDF2Iterations  int    `toml:"pbkdf2_iterations"`
	PBKDF2Hash        string `toml:"pbkdf2_hash"`
}

// UnlockConfig throttles unlock attempts.
type UnlockConfig struct {
	PerMinute float64 `toml:"per_minute"`
	Burst     int     `toml:"burst"`
}

// Default returns the built-in settings.
func Default() Config {
	a := krypto.DefaultArgon2Params()
	p := krypto.DefaultEnhancedPBKDF2Params()
	return Config{
		Dir:      DefaultDir(),
		Backend:  BackendSQLite,
		AutoLock: "15m",
		Cipher:   string(krypto.CipherAESGCM),
		LogLevel: "info",
		KDF: KDFConfig{
			Preferred:         string(krypto.SchemeArgon2id),
			Argon2Time:        a.Time,
			Argon2MemoryKB:    a.MemoryKB,
			Argon2Parallelism: a.Parallelism,
			PBKDF2Iterations:  p.Iterations,
			PBKDF2Hash:        p.Hash,
		},
		Unlock: UnlockConfig{PerMinute: 30, Burst: 5},
	}
}

// DefaultDir is $CREDVAULT_DIR, or ~/.credvault when unset.
func DefaultDir() string {
	if dir := os.Getenv("CREDVAULT_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".credvault"
	}
	return filepath.Join(home, ".credvault")
}

// Load reads path over the defaults. An empty path yields the defaults.
// Keys missing from the file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that can be checked without touching disk.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return errors.New("dir is required")
	}
	switch c.Backend {
	case BackendSQLite, BackendFile:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := c.AutoLockDelay(); err != nil {
		return err
	}
	if _, err := krypto.ParseCipher(c.Cipher); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	chain, err := c.Chain()
	if err != nil {
		return err
	}
	for _, p := range chain {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("kdf: %w", err)
		}
	}
	if c.Unlock.PerMinute < 0 || c.Unlock.Burst < 0 {
		return errors.New("unlock throttling values must not be negative")
	}
	return nil
}

// AutoLockDelay parses auto_lock, mapping "never" to session.NeverLock.
func (c Config) AutoLockDelay() (time.Duration, error) {
	v := strings.TrimSpace(strings.ToLower(c.AutoLock))
	if v == "" {
		return session.DefaultAutoLock, nil
	}
	if v == Never {
		return session.NeverLock, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("auto_lock: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("auto_lock must be positive or %q", Never)
	}
	return d, nil
}

// Chain builds the key-derivation preference order. Argon2id falls back to
// enhanced PBKDF2; choosing enhanced PBKDF2 skips Argon2id entirely.
func (c Config) Chain() ([]krypto.KDFParams, error) {
	pbkdf := krypto.EnhancedPBKDF2(krypto.PBKDF2Params{
		Iterations: c.KDF.PBKDF2Iterations,
		Hash:       c.KDF.PBKDF2Hash,
		KeyLen:     krypto.KeyLen,
	})
	preferred, err := krypto.ParseScheme(c.KDF.Preferred)
	if err != nil {
		return nil, err
	}
	switch preferred {
	case krypto.SchemeArgon2id:
		argon := krypto.Argon2id(krypto.Argon2Params{
			Time:        c.KDF.Argon2Time,
			MemoryKB:    c.KDF.Argon2MemoryKB,
			Parallelism: c.KDF.Argon2Parallelism,
			KeyLen:      krypto.KeyLen,
		})
		return []krypto.KDFParams{argon, pbkdf}, nil
	case krypto.SchemeEnhancedPBKDF2:
		return []krypto.KDFParams{pbkdf}, nil
	default:
		return nil, fmt.Errorf("kdf %q cannot be used for new vaults", preferred)
	}
}

// Logger builds a zerolog logger at the configured level.
func (c Config) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// SessionConfig translates the file settings into a session.Config.
func (c Config) SessionConfig(logger *zerolog.Logger) (session.Config, error) {
	chain, err := c.Chain()
	if err != nil {
		return session.Config{}, err
	}
	delay, err := c.AutoLockDelay()
	if err != nil {
		return session.Config{}, err
	}
	cipher, err := krypto.ParseCipher(c.Cipher)
	if err != nil {
		return session.Config{}, err
	}

	// Zero lets the session pick its own default.
	limit := rate.Limit(c.Unlock.PerMinute / 60)
	return session.Config{
		Logger:      logger,
		Chain:       chain,
		Cipher:      cipher,
		AutoLock:    delay,
		UnlockRate:  limit,
		UnlockBurst: c.Unlock.Burst,
	}, nil
}

// OpenStore opens the configured backend under Dir. The returned close
// function releases the backend and is never nil.
func (c Config) OpenStore() (session.Store, func() error, error) {
	switch c.Backend {
	case BackendFile:
		return store.FileStore{Dir: c.Dir}, func() error { return nil }, nil
	case BackendSQLite, "":
		d, err := dbpkg.OpenVault(c.Dir)
		if err != nil {
			return nil, nil, err
		}
		return dbpkg.NewEnvelopeStore(d), func() error { return dbpkg.Close(d) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}
