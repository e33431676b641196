// Package passgen produces random credential passwords.
package passgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/Hussein-Mazeh/credvault/auth"
)

const (
	lower   = "abcdefghijklmnopqrstuvwxyz"
	upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
	symbols = "!@#$%^&*()-_=+[]{};:,.?"

	DefaultLength = 16
	MinLength     = 8
	MaxLength     = 128
)

// ErrLength reports a requested length outside MinLength..MaxLength.
var ErrLength = fmt.Errorf("password length must be between %d and %d", MinLength, MaxLength)

// Options selects the length and alphabet. A zero Length means DefaultLength.
type Options struct {
	Length  int
	Symbols bool
}

// Result is a generated password with its estimated strength.
type Result struct {
	Password string
	Score    int
	Entropy  float64
}

// Generate draws a password from crypto/rand that contains at least one
// character of every enabled class.
func Generate(opts Options) (Result, error) {
	length := opts.Length
	if length == 0 {
		length = DefaultLength
	}
	if length < MinLength || length > MaxLength {
		return Result{}, ErrLength
	}

	classes := []string{lower, upper, digits}
	if opts.Symbols {
		classes = append(classes, symbols)
	}
	all := ""
	for _, c := range classes {
		all += c
	}

	out := make([]byte, 0, length)
	for _, c := range classes {
		ch, err := pick(c)
		if err != nil {
			return Result{}, err
		}
		out = append(out, ch)
	}
	for len(out) < length {
		ch, err := pick(all)
		if err != nil {
			return Result{}, err
		}
		out = append(out, ch)
	}
	if err := shuffle(out); err != nil {
		return Result{}, err
	}

	pw := string(out)
	report := auth.Strength(pw)
	return Result{Password: pw, Score: report.Score, Entropy: report.Entropy}, nil
}

func pick(set string) (byte, error) {
	if set == "" {
		return 0, errors.New("empty character set")
	}
	idx, err := randInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[idx], nil
}

// shuffle is a Fisher-Yates pass so the guaranteed characters do not sit
// at fixed positions.
func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return err
		}
		b[i], b[j] = b[j], b[i]
	}
	return nil
}

func randInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generate random index: %w", err)
	}
	return int(n.Int64()), nil
}
