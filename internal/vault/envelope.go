package vault

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Hussein-Mazeh/credvault/krypto"
)

// LegacyFormatVersion is assumed for envelopes that carry no kdf tag.
const LegacyFormatVersion = "1.0"

// ErrMalformedEnvelope reports persisted bytes that are not a usable envelope.
var ErrMalformedEnvelope = errors.New("malformed vault envelope")

// Envelope is the persisted, encrypted form of a Vault together with every
// parameter needed to decrypt it.
type Envelope struct {
	Ciphertext    []byte
	Salt          []byte
	Nonce         []byte
	KDF           krypto.KDFParams
	Cipher        krypto.Cipher
	FormatVersion string
}

type wireKDFParams struct {
	Time        uint32 `json:"time,omitempty"`
	Memory      uint32 `json:"memory,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	Iterations  int    `json:"iterations,omitempty"`
	Hash        string `json:"hash,omitempty"`
	KeyLen      int    `json:"keyLen,omitempty"`
}

// wireEnvelope is the single persisted record. Byte fields are base64.
type wireEnvelope struct {
	Encrypted []byte         `json:"encrypted"`
	Salt      []byte         `json:"salt"`
	IV        []byte         `json:"iv"`
	Nonce     []byte         `json:"nonce,omitempty"`
	Version   string         `json:"version,omitempty"`
	KDF       string         `json:"kdf,omitempty"`
	KDFParams *wireKDFParams `json:"kdfParams,omitempty"`
	Cipher    string         `json:"cipher,omitempty"`
}

// Seal encrypts v under a key derived from passphrase with a fresh salt and
// a fresh nonce. The first scheme in chain that derives successfully wins and
// is stamped into both the envelope and v.Security.
func Seal(v *Vault, passphrase []byte, c krypto.Cipher, chain ...krypto.KDFParams) (*Envelope, error) {
	salt, err := krypto.NewRandomSalt(krypto.SaltLengthBytes)
	if err != nil {
		return nil, err
	}

	key, used, err := krypto.DeriveKeyPreferred(passphrase, salt, chain...)
	if err != nil {
		return nil, err
	}
	defer krypto.Zeroize(key)

	return Serialize(v, key, salt, used, c)
}

// Serialize encrypts v with an already-derived key. The nonce is generated
// inside the cipher call so it can never be reused across writes.
func Serialize(v *Vault, key, salt []byte, kdf krypto.KDFParams, c krypto.Cipher) (*Envelope, error) {
	if v == nil {
		return nil, errors.New("vault is nil")
	}
	if c == "" {
		c = krypto.CipherAESGCM
	}

	env := &Envelope{
		Salt:          append([]byte(nil), salt...),
		KDF:           kdf,
		Cipher:        c,
		FormatVersion: FormatVersion,
	}
	if kdf.Scheme == krypto.SchemeLegacyPBKDF2 {
		env.FormatVersion = LegacyFormatVersion
	}

	v.Security = kdf.Scheme
	if v.Version == "" {
		v.Version = FormatVersion
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode vault: %w", err)
	}
	defer krypto.Zeroize(plaintext)

	nonce, ciphertext, err := krypto.Seal(c, key, plaintext, env.associatedData())
	if err != nil {
		return nil, fmt.Errorf("encrypt vault: %w", err)
	}
	env.Nonce = nonce
	env.Ciphertext = ciphertext
	return env, nil
}

// Open derives the key exactly as recorded in the envelope and decrypts it.
// There is no fallback: a wrong passphrase surfaces as ErrAuthentication.
func (e *Envelope) Open(passphrase []byte) (*Vault, error) {
	key, err := krypto.DeriveKey(passphrase, e.Salt, e.KDF)
	if err != nil {
		return nil, err
	}
	defer krypto.Zeroize(key)

	plaintext, err := krypto.Open(e.Cipher, key, e.Nonce, e.Ciphertext, e.associatedData())
	if err != nil {
		return nil, err
	}
	defer krypto.Zeroize(plaintext)

	var v Vault
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return nil, fmt.Errorf("%w: decode vault payload: %v", ErrMalformedEnvelope, err)
	}
	if v.Credentials == nil {
		v.Credentials = []Credential{}
	}
	v.Security = e.KDF.Scheme
	return &v, nil
}

func (e *Envelope) associatedData() []byte {
	if e.KDF.Scheme == krypto.SchemeLegacyPBKDF2 {
		return nil
	}
	return []byte("credvault/" + e.FormatVersion + "/" + string(e.KDF.Scheme) + "/" + string(e.Cipher))
}

// Marshal encodes the envelope as its persisted JSON record. Legacy
// envelopes are written without kdf fields, as they historically were.
func (e *Envelope) Marshal() ([]byte, error) {
	w := wireEnvelope{
		Encrypted: e.Ciphertext,
		Salt:      e.Salt,
		IV:        e.Nonce,
		Version:   e.FormatVersion,
	}
	if e.Cipher != krypto.CipherAESGCM {
		w.Cipher = string(e.Cipher)
	}

	switch e.KDF.Scheme {
	case krypto.SchemeLegacyPBKDF2:
	case krypto.SchemeEnhancedPBKDF2:
		if e.KDF.PBKDF2 == nil {
			return nil, errors.New("enhanced-pbkdf2 envelope without parameters")
		}
		w.KDF = string(e.KDF.Scheme)
		w.KDFParams = &wireKDFParams{
			Iterations: e.KDF.PBKDF2.Iterations,
			Hash:       e.KDF.PBKDF2.Hash,
			KeyLen:     e.KDF.PBKDF2.KeyLen,
		}
	case krypto.SchemeArgon2id:
		if e.KDF.Argon2 == nil {
			return nil, errors.New("argon2id envelope without parameters")
		}
		w.KDF = string(e.KDF.Scheme)
		w.KDFParams = &wireKDFParams{
			Time:        e.KDF.Argon2.Time,
			Memory:      e.KDF.Argon2.MemoryKB,
			Parallelism: e.KDF.Argon2.Parallelism,
			KeyLen:      int(e.KDF.Argon2.KeyLen),
		}
	default:
		return nil, fmt.Errorf("unsupported kdf %q", e.KDF.Scheme)
	}

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Parse decodes a persisted envelope. A record without a kdf tag is a legacy
// envelope and always uses the fixed historical parameters.
func Parse(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(w.IV) == 0 {
		w.IV = w.Nonce
	}
	if len(w.Encrypted) == 0 || len(w.Salt) == 0 || len(w.IV) == 0 {
		return nil, fmt.Errorf("%w: missing encrypted, salt or iv", ErrMalformedEnvelope)
	}

	scheme, err := krypto.ParseScheme(w.KDF)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	c, err := krypto.ParseCipher(w.Cipher)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	env := &Envelope{
		Ciphertext:    w.Encrypted,
		Salt:          w.Salt,
		Nonce:         w.IV,
		Cipher:        c,
		FormatVersion: w.Version,
	}

	switch scheme {
	case krypto.SchemeLegacyPBKDF2:
		env.KDF = krypto.LegacyPBKDF2()
		if env.FormatVersion == "" {
			env.FormatVersion = LegacyFormatVersion
		}
	case krypto.SchemeEnhancedPBKDF2:
		if w.KDFParams == nil {
			return nil, fmt.Errorf("%w: enhanced-pbkdf2 without kdfParams", ErrMalformedEnvelope)
		}
		p := krypto.PBKDF2Params{
			Iterations: w.KDFParams.Iterations,
			Hash:       w.KDFParams.Hash,
			KeyLen:     w.KDFParams.KeyLen,
		}
		if p.Hash == "" {
			p.Hash = "sha256"
		}
		if p.KeyLen == 0 {
			p.KeyLen = krypto.KeyLen
		}
		env.KDF = krypto.EnhancedPBKDF2(p)
	case krypto.SchemeArgon2id:
		if w.KDFParams == nil {
			return nil, fmt.Errorf("%w: argon2id without kdfParams", ErrMalformedEnvelope)
		}
		p := krypto.Argon2Params{
			Time:        w.KDFParams.Time,
			MemoryKB:    w.KDFParams.Memory,
			Parallelism: w.KDFParams.Parallelism,
			KeyLen:      uint32(w.KDFParams.KeyLen),
		}
		if p.KeyLen == 0 {
			p.KeyLen = krypto.KeyLen
		}
		env.KDF = krypto.Argon2id(p)
	}
	if env.FormatVersion == "" {
		env.FormatVersion = FormatVersion
	}

	if err := env.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// UpgradeIfNeeded reports whether the envelope is protected by a weaker
// scheme than preferred, or by an older format. It never rewrites anything;
// the session re-seals on its next save.
func UpgradeIfNeeded(e *Envelope, preferred krypto.Scheme) bool {
	if e == nil {
		return false
	}
	return e.KDF.Scheme.Strength() < preferred.Strength() || e.FormatVersion != FormatVersion
}
