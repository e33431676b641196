package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Hussein-Mazeh/credvault/auth"
	"github.com/Hussein-Mazeh/credvault/internal/config"
	"github.com/Hussein-Mazeh/credvault/internal/session"
)

// readNewMaster prompts twice and applies the interactive password policy,
// plus the breach lookup when the config enables it.
func readNewMaster(cfg config.Config, label string) ([]byte, error) {
	pw, err := promptPassword("Enter " + label + ": ")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", label, err)
	}
	confirm, err := promptPassword("Confirm " + label + ": ")
	if err != nil {
		zeroBytes(pw)
		return nil, fmt.Errorf("read confirmation password: %w", err)
	}
	defer zeroBytes(confirm)

	if !bytes.Equal(pw, confirm) {
		zeroBytes(pw)
		return nil, userError{msg: "passwords do not match"}
	}

	opts := auth.StrictValidateOptions()
	opts.UserInputs = []string{cfg.Dir}
	if err := auth.ValidateMasterPasswordAdvanced(string(pw), opts); err != nil {
		zeroBytes(pw)
		return nil, userError{msg: "password does not meet policy requirements: " + err.Error()}
	}

	if cfg.BreachCheck {
		err := auth.NewBreachChecker().RejectBreached(context.Background(), string(pw))
		switch {
		case errors.Is(err, auth.ErrBreached):
			zeroBytes(pw)
			return nil, userError{msg: err.Error()}
		case err != nil:
			fmt.Fprintf(os.Stderr, "warning: breach lookup unavailable: %v\n", err)
		}
	}
	return pw, nil
}

func runMasterSet(args []string) error {
	fs := newFlagSet("master set")
	var vf vaultFlags
	vf.register(fs)

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	env, err := openEnvironment(&vf)
	if err != nil {
		return err
	}
	defer env.close()

	if env.sess.Status().HasVault {
		return userError{msg: "a vault already exists in " + env.cfg.Dir}
	}

	pw, err := readNewMaster(env.cfg, "master password")
	if err != nil {
		return err
	}
	defer zeroBytes(pw)

	scheme, err := env.sess.Setup(context.Background(), string(pw))
	if errors.Is(err, session.ErrAlreadyInitialized) {
		return userError{msg: "a vault already exists in " + env.cfg.Dir}
	}
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}

	fmt.Printf("vault created in %s (kdf %s, %s backend)\n", env.cfg.Dir, scheme, env.cfg.Backend)
	return nil
}

func runMasterChange(args []string) error {
	fs := newFlagSet("master change")
	var vf vaultFlags
	vf.register(fs)

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	env, err := openEnvironment(&vf)
	if err != nil {
		return err
	}
	defer env.close()

	ctx := context.Background()
	current, err := promptPassword("Enter current master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	defer zeroBytes(current)

	if _, err := env.sess.Unlock(ctx, string(current)); err != nil {
		return unlockError(err)
	}

	next, err := readNewMaster(env.cfg, "new master password")
	if err != nil {
		return err
	}
	defer zeroBytes(next)

	if err := env.sess.ChangePassphrase(ctx, string(current), string(next)); err != nil {
		return fmt.Errorf("change master password: %w", err)
	}
	fmt.Printf("master password changed (kdf %s)\n", env.sess.Status().Security)
	return nil
}

func unlockError(err error) error {
	switch {
	case errors.Is(err, session.ErrNoVaultFound):
		return userError{msg: "no vault found; run pm master set first"}
	case errors.Is(err, session.ErrInvalidPassphrase):
		return userError{msg: "failed to unlock vault"}
	case errors.Is(err, session.ErrTooManyAttempts):
		return userError{msg: "too many unlock attempts; wait and try again"}
	default:
		return fmt.Errorf("unlock vault: %w", err)
	}
}
