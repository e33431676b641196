package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/Hussein-Mazeh/credvault/internal/config"
	"github.com/Hussein-Mazeh/credvault/internal/session"
	"github.com/Hussein-Mazeh/credvault/krypto"
)

const cliVersion = "0.2.0"

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

func main() {
	defer memguard.Purge()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Println(cliVersion)
	case "master":
		if len(os.Args) < 3 {
			printMasterUsage()
			os.Exit(1)
		}
		switch os.Args[2] {
		case "set":
			err = runMasterSet(os.Args[3:])
		case "change":
			err = runMasterChange(os.Args[3:])
		default:
			printMasterUsage()
			os.Exit(1)
		}
	case "session":
		err = runSession(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "generate":
		err = runGenerate(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		handleError(err)
	}
}

func handleError(err error) {
	if err == nil {
		return
	}

	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		memguard.Purge()
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "unexpected error: %v\n", err)
	memguard.Purge()
	os.Exit(2)
}

// vaultFlags are the flags shared by every command that touches a vault.
type vaultFlags struct {
	configPath string
	dir        string
	verbose    bool
}

func (f *vaultFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to a TOML config file")
	fs.StringVar(&f.dir, "dir", "", "vault directory (overrides config)")
	fs.BoolVar(&f.verbose, "v", false, "log to stderr at debug level")
}

func (f *vaultFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, userError{msg: err.Error()}
	}
	if f.dir != "" {
		cfg.Dir = f.dir
	}
	if f.verbose {
		cfg.LogLevel = zerolog.DebugLevel.String()
	}
	return cfg, nil
}

// environment is an open store plus the session built over it.
type environment struct {
	cfg        config.Config
	sess       *session.Session
	closeStore func() error
}

// openEnvironment loads configuration and opens the session it describes.
//
// Behavior:
//  1. Reads the config file and applies --dir.
//  2. Builds a zerolog logger on stderr; quiet unless -v or log_level asks.
//  3. Opens the configured backend and probes it through session.New.
func openEnvironment(f *vaultFlags) (*environment, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	if !f.verbose && f.configPath == "" {
		cfg.LogLevel = zerolog.WarnLevel.String()
	}
	logger := cfg.Logger(zerolog.ConsoleWriter{Out: os.Stderr})

	sc, err := cfg.SessionConfig(&logger)
	if err != nil {
		return nil, userError{msg: err.Error()}
	}
	st, closeStore, err := cfg.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("open vault store: %w", err)
	}
	sess, err := session.New(st, sc)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &environment{cfg: cfg, sess: sess, closeStore: closeStore}, nil
}

func (e *environment) close() {
	e.sess.Close()
	if err := e.closeStore(); err != nil {
		fmt.Fprintf(os.Stderr, "close vault store: %v\n", err)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func zeroBytes(b []byte) { krypto.Zeroize(b) }

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pm <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  version")
	fmt.Fprintln(os.Stderr, "  master set [--config <file>] [--dir <vault-dir>]")
	fmt.Fprintln(os.Stderr, "  master change [--config <file>] [--dir <vault-dir>]")
	fmt.Fprintln(os.Stderr, "  session [--config <file>] [--dir <vault-dir>]")
	fmt.Fprintln(os.Stderr, "  inspect [--config <file>] [--dir <vault-dir>]")
	fmt.Fprintln(os.Stderr, "  generate [--length 16] [--symbols=true]")
}

func printMasterUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pm master <set|change> [--config <file>] [--dir <vault-dir>]")
}
