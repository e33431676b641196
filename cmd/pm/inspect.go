package main

import (
	"context"
	"errors"
	"fmt"

	dbpkg "github.com/Hussein-Mazeh/credvault/internal/db"
	"github.com/Hussein-Mazeh/credvault/internal/passgen"
	"github.com/Hussein-Mazeh/credvault/internal/vault"
	"github.com/Hussein-Mazeh/credvault/krypto"
	"github.com/Hussein-Mazeh/credvault/store"
)

// runInspect prints envelope metadata. It never asks for the master
// password and never decrypts anything.
func runInspect(args []string) error {
	fs := newFlagSet("inspect")
	var vf vaultFlags
	vf.register(fs)

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	cfg, err := vf.load()
	if err != nil {
		return err
	}
	st, closeStore, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("open vault store: %w", err)
	}
	defer closeStore()

	ctx := context.Background()
	data, err := st.Load(ctx)
	if errors.Is(err, store.ErrNoEnvelope) {
		return userError{msg: "no vault found in " + cfg.Dir}
	}
	if err != nil {
		return fmt.Errorf("load envelope: %w", err)
	}
	env, err := vault.Parse(data)
	if err != nil {
		return userError{msg: "stored envelope is not readable: " + err.Error()}
	}

	fmt.Printf("dir:         %s (%s backend)\n", cfg.Dir, cfg.Backend)
	fmt.Printf("version:     %s\n", env.FormatVersion)
	fmt.Printf("kdf:         %s\n", env.KDF.Scheme)
	switch {
	case env.KDF.Argon2 != nil:
		a := env.KDF.Argon2
		fmt.Printf("  time=%d memory=%dKiB parallelism=%d\n", a.Time, a.MemoryKB, a.Parallelism)
	case env.KDF.PBKDF2 != nil:
		p := env.KDF.PBKDF2
		fmt.Printf("  iterations=%d hash=%s\n", p.Iterations, p.Hash)
	}
	fmt.Printf("cipher:      %s\n", env.Cipher)
	fmt.Printf("salt:        %d bytes\n", len(env.Salt))
	fmt.Printf("nonce:       %d bytes\n", len(env.Nonce))
	fmt.Printf("ciphertext:  %d bytes\n", len(env.Ciphertext))

	chain, err := cfg.Chain()
	if err == nil && len(chain) > 0 && vault.UpgradeIfNeeded(env, chain[0].Scheme) {
		fmt.Printf("upgrade:     pending (preferred %s)\n", chain[0].Scheme)
	}

	if es, ok := st.(*dbpkg.EnvelopeStore); ok {
		rows, err := es.History(ctx)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		fmt.Printf("history:     %d previous envelope(s)\n", len(rows))
		for _, row := range rows {
			scheme := krypto.Scheme("?")
			if prev, err := vault.Parse(row.Record); err == nil {
				scheme = prev.KDF.Scheme
			}
			fmt.Printf("  #%d replaced %s (%s)\n", row.ID, row.ReplacedAt, scheme)
		}
	}
	return nil
}

func runGenerate(args []string) error {
	fs := newFlagSet("generate")
	var length int
	var symbols bool
	fs.IntVar(&length, "length", passgen.DefaultLength, "password length")
	fs.BoolVar(&symbols, "symbols", true, "include symbols")

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid generate arguments"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	res, err := passgen.Generate(passgen.Options{Length: length, Symbols: symbols})
	if err != nil {
		return userError{msg: err.Error()}
	}
	fmt.Println(res.Password)
	fmt.Printf("strength: %d/4\n", res.Score)
	return nil
}
