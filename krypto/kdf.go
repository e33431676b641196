package krypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Scheme identifies a key-derivation algorithm family.
type Scheme string

const (
	// SchemeLegacyPBKDF2 is the historical fixed-parameter scheme. Envelopes
	// written before scheme tagging existed carry no tag and imply it.
	SchemeLegacyPBKDF2 Scheme = "legacy-pbkdf2"
	// SchemeEnhancedPBKDF2 is the iterated-hash fallback with recorded cost.
	SchemeEnhancedPBKDF2 Scheme = "enhanced-pbkdf2"
	// SchemeArgon2id is the preferred memory-hard scheme.
	SchemeArgon2id Scheme = "argon2id"
)

const (
	// KeyLen is the only derived key length the vault accepts (256 bits).
	KeyLen = 32
	// SaltLengthBytes is the salt size used for new envelopes.
	SaltLengthBytes = 16

	// LegacyIterations is the fixed historical PBKDF2-SHA256 iteration count.
	LegacyIterations = 100_000

	maxArgon2MemoryKB  = 1024 * 1024
	maxArgon2Time      = 64
	maxPBKDF2Iteration = 10_000_000
	minSaltBytes       = 8
)

var (
	// ErrDerivation is matched by every DerivationError.
	ErrDerivation = errors.New("key derivation failed")

	// argon2IDKey is swapped in tests to simulate an unusable primitive.
	argon2IDKey = argon2.IDKey
)

// DerivationError reports a failure of the underlying derivation primitive.
type DerivationError struct {
	Scheme Scheme
	Err    error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("derive key (%s): %v", e.Scheme, e.Err)
}

func (e *DerivationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDerivation) match any DerivationError.
func (e *DerivationError) Is(target error) bool { return target == ErrDerivation }

// Argon2Params captures tunable parameters for Argon2id.
type Argon2Params struct {
	Time        uint32 `json:"time"`
	MemoryKB    uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"keyLen"`
}

// PBKDF2Params captures the iteration count and hash for PBKDF2.
type PBKDF2Params struct {
	Iterations int    `json:"iterations"`
	Hash       string `json:"hash"`
	KeyLen     int    `json:"keyLen"`
}

// KDFParams is a closed variant: exactly one of Argon2 or PBKDF2 is set,
// matching Scheme.
type KDFParams struct {
	Scheme Scheme
	Argon2 *Argon2Params
	PBKDF2 *PBKDF2Params
}

// DefaultArgon2Params returns sane defaults for deriving a 256-bit key.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:        3,
		MemoryKB:    64 * 1024,
		Parallelism: 1,
		KeyLen:      KeyLen,
	}
}

// DefaultEnhancedPBKDF2Params returns the iterated-hash fallback defaults.
func DefaultEnhancedPBKDF2Params() PBKDF2Params {
	return PBKDF2Params{Iterations: 600_000, Hash: "sha256", KeyLen: KeyLen}
}

// LegacyPBKDF2Params returns the fixed parameters of untagged envelopes.
func LegacyPBKDF2Params() PBKDF2Params {
	return PBKDF2Params{Iterations: LegacyIterations, Hash: "sha256", KeyLen: KeyLen}
}

// Argon2id wraps p as a KDFParams value.
func Argon2id(p Argon2Params) KDFParams {
	return KDFParams{Scheme: SchemeArgon2id, Argon2: &p}
}

// EnhancedPBKDF2 wraps p as a KDFParams value.
func EnhancedPBKDF2(p PBKDF2Params) KDFParams {
	return KDFParams{Scheme: SchemeEnhancedPBKDF2, PBKDF2: &p}
}

// LegacyPBKDF2 returns the legacy scheme with its fixed parameters.
func LegacyPBKDF2() KDFParams {
	p := LegacyPBKDF2Params()
	return KDFParams{Scheme: SchemeLegacyPBKDF2, PBKDF2: &p}
}

// DefaultChain is the preference order used when sealing a vault.
func DefaultChain() []KDFParams {
	return []KDFParams{
		Argon2id(DefaultArgon2Params()),
		EnhancedPBKDF2(DefaultEnhancedPBKDF2Params()),
	}
}

// ParseScheme maps a persisted tag to a Scheme. The empty tag is legacy.
func ParseScheme(tag string) (Scheme, error) {
	switch Scheme(tag) {
	case "", SchemeLegacyPBKDF2:
		return SchemeLegacyPBKDF2, nil
	case SchemeEnhancedPBKDF2:
		return SchemeEnhancedPBKDF2, nil
	case SchemeArgon2id:
		return SchemeArgon2id, nil
	default:
		return "", fmt.Errorf("unsupported kdf %q", tag)
	}
}

// Strength ranks schemes so callers can tell whether an upgrade is due.
func (s Scheme) Strength() int {
	switch s {
	case SchemeLegacyPBKDF2:
		return 1
	case SchemeEnhancedPBKDF2:
		return 2
	case SchemeArgon2id:
		return 3
	default:
		return 0
	}
}

// Validate checks that the variant is internally consistent and within the
// ceilings accepted from persisted envelopes: argon2id memory at most 1 GiB
// and time cost at most 64, pbkdf2 iterations at most 10 000 000. It runs
// before any allocation in DeriveKey.
func (p KDFParams) Validate() error {
	switch p.Scheme {
	case SchemeArgon2id:
		if p.Argon2 == nil || p.PBKDF2 != nil {
			return errors.New("argon2id requires argon2 parameters only")
		}
		a := p.Argon2
		if a.Time == 0 || a.Time > maxArgon2Time {
			return fmt.Errorf("argon2 time cost %d out of range", a.Time)
		}
		if a.MemoryKB == 0 || a.MemoryKB > maxArgon2MemoryKB {
			return fmt.Errorf("argon2 memory cost %d KiB out of range", a.MemoryKB)
		}
		if a.Parallelism == 0 {
			return errors.New("argon2 parallelism must be positive")
		}
		if a.KeyLen != KeyLen {
			return fmt.Errorf("argon2 key length must be %d", KeyLen)
		}
	case SchemeEnhancedPBKDF2, SchemeLegacyPBKDF2:
		if p.PBKDF2 == nil || p.Argon2 != nil {
			return fmt.Errorf("%s requires pbkdf2 parameters only", p.Scheme)
		}
		k := p.PBKDF2
		if k.Iterations <= 0 || k.Iterations > maxPBKDF2Iteration {
			return fmt.Errorf("pbkdf2 iterations %d out of range", k.Iterations)
		}
		if _, err := hashFunc(k.Hash); err != nil {
			return err
		}
		if k.KeyLen != KeyLen {
			return fmt.Errorf("pbkdf2 key length must be %d", KeyLen)
		}
		if p.Scheme == SchemeLegacyPBKDF2 && *k != LegacyPBKDF2Params() {
			return errors.New("legacy pbkdf2 parameters are fixed")
		}
	default:
		return fmt.Errorf("unsupported kdf %q", p.Scheme)
	}
	return nil
}

func hashFunc(name string) (func() hash.Hash, error) {
	switch name {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported pbkdf2 hash %q", name)
	}
}

// DeriveKey derives a 32-byte key from passphrase and salt with exactly the
// scheme and parameters in p. Identical inputs always yield identical keys.
func DeriveKey(passphrase, salt []byte, p KDFParams) (key []byte, err error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase is required")
	}
	if len(salt) < minSaltBytes {
		return nil, fmt.Errorf("salt must be at least %d bytes", minSaltBytes)
	}
	if err := p.Validate(); err != nil {
		return nil, &DerivationError{Scheme: p.Scheme, Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			zeroize(key)
			key = nil
			err = &DerivationError{Scheme: p.Scheme, Err: fmt.Errorf("primitive panic: %v", r)}
		}
	}()

	switch p.Scheme {
	case SchemeArgon2id:
		a := p.Argon2
		key = argon2IDKey(passphrase, salt, a.Time, a.MemoryKB, a.Parallelism, a.KeyLen)
	case SchemeEnhancedPBKDF2, SchemeLegacyPBKDF2:
		h, _ := hashFunc(p.PBKDF2.Hash)
		key = pbkdf2.Key(passphrase, salt, p.PBKDF2.Iterations, p.PBKDF2.KeyLen, h)
	}

	if len(key) != KeyLen {
		zeroize(key)
		return nil, &DerivationError{Scheme: p.Scheme, Err: fmt.Errorf("derived key has unexpected length %d", len(key))}
	}
	return key, nil
}

// DeriveKeyPreferred walks chain in order and returns the first key that
// derives successfully, together with the parameters that produced it.
// Only derivation failures fall through to the next entry.
func DeriveKeyPreferred(passphrase, salt []byte, chain ...KDFParams) ([]byte, KDFParams, error) {
	if len(chain) == 0 {
		chain = DefaultChain()
	}
	var lastErr error
	for _, p := range chain {
		key, err := DeriveKey(passphrase, salt, p)
		if err == nil {
			return key, p, nil
		}
		if !errors.Is(err, ErrDerivation) {
			return nil, KDFParams{}, err
		}
		lastErr = err
	}
	return nil, KDFParams{}, lastErr
}

// NewRandomSalt returns a cryptographically secure random salt of length n bytes.
func NewRandomSalt(n int) ([]byte, error) {
	if n < minSaltBytes {
		n = SaltLengthBytes
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Zeroize overwrites sensitive byte slices in place.
func Zeroize(buf []byte) { zeroize(buf) }

func zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
