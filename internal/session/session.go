// Package session owns the decrypted vault while it is unlocked and drives
// the locked/unlocked lifecycle, including the auto-lock countdown.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Hussein-Mazeh/credvault/auth"
	"github.com/Hussein-Mazeh/credvault/internal/vault"
	"github.com/Hussein-Mazeh/credvault/krypto"
	"github.com/Hussein-Mazeh/credvault/store"
)

// State is the lifecycle position of a Session.
type State int

const (
	// Uninitialized means no envelope has ever been stored.
	Uninitialized State = iota
	// Locked means an envelope exists but nothing is decrypted.
	Locked
	// Unlocked means the vault is held in memory.
	Unlocked
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// NeverLock disables the auto-lock countdown.
	NeverLock time.Duration = -1
	// DefaultAutoLock is used when Config.AutoLock is zero.
	DefaultAutoLock = 15 * time.Minute

	defaultUnlockBurst = 5
)

var (
	ErrAlreadyInitialized = errors.New("vault already exists")
	ErrNoVaultFound       = errors.New("no vault found")
	ErrInvalidPassphrase  = errors.New("invalid password")
	ErrVaultLocked        = errors.New("vault is locked")
	ErrPersistence        = errors.New("vault could not be persisted")
	ErrTooManyAttempts    = errors.New("too many unlock attempts")
	ErrInvalidAutoLock    = errors.New("auto-lock delay must be positive or never")
)

// Store persists the single encrypted envelope record. Load wraps
// store.ErrNoEnvelope when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Rekeyer is implemented by stores that retain replaced records. SaveRekeyed
// writes data and discards every earlier record in the same commit; the
// session uses it whenever the master password or the key derivation of the
// stored record changes, so no retained copy opens with the old secret.
type Rekeyer interface {
	SaveRekeyed(ctx context.Context, data []byte) error
}

// Config tunes a Session. Zero values select the defaults.
type Config struct {
	Logger *zerolog.Logger
	// Chain is the key-derivation preference order used on every save.
	Chain  []krypto.KDFParams
	Cipher krypto.Cipher
	// AutoLock is the delay after unlock before the session locks itself.
	// NeverLock disables it.
	AutoLock time.Duration
	// Policy is checked against new master passwords.
	Policy *auth.ValidateOptions
	// UnlockRate and UnlockBurst throttle unlock attempts.
	UnlockRate  rate.Limit
	UnlockBurst int
}

// Status is a read-only snapshot of a Session.
type Status struct {
	State           State
	HasVault        bool
	UnlockedAt      time.Time
	AutoLock        time.Duration
	CredentialCount int
	Security        krypto.Scheme
	UpgradePending  bool
}

// Session is the explicit context object every caller shares. All exported
// methods are safe for concurrent use and run one at a time.
type Session struct {
	mu sync.Mutex

	store   Store
	log     zerolog.Logger
	chain   []krypto.KDFParams
	cipher  krypto.Cipher
	policy  auth.ValidateOptions
	limiter *rate.Limiter
	now     func() time.Time

	state          State
	vault          *vault.Vault
	secret         *memguard.Enclave
	unlockedAt     time.Time
	autoLock       time.Duration
	upgradePending bool

	timer *time.Timer
	gen   uint64
}

// New builds a Session over st and probes it to decide whether a vault
// already exists.
func New(st Store, cfg Config) (*Session, error) {
	if st == nil {
		return nil, errors.New("session store is required")
	}

	s := &Session{
		store:    st,
		log:      zerolog.Nop(),
		chain:    cfg.Chain,
		cipher:   cfg.Cipher,
		policy:   auth.DefaultValidateOptions(),
		now:      time.Now,
		autoLock: cfg.AutoLock,
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "session").Logger()
	}
	if len(s.chain) == 0 {
		s.chain = krypto.DefaultChain()
	}
	if s.cipher == "" {
		s.cipher = krypto.CipherAESGCM
	}
	if cfg.Policy != nil {
		s.policy = *cfg.Policy
	}
	if s.autoLock == 0 {
		s.autoLock = DefaultAutoLock
	}
	if s.autoLock < 0 && s.autoLock != NeverLock {
		return nil, ErrInvalidAutoLock
	}

	limit, burst := cfg.UnlockRate, cfg.UnlockBurst
	if limit == 0 {
		limit = rate.Every(time.Second)
	}
	if burst <= 0 {
		burst = defaultUnlockBurst
	}
	s.limiter = rate.NewLimiter(limit, burst)

	_, err := st.Load(context.Background())
	switch {
	case err == nil:
		s.state = Locked
	case errors.Is(err, store.ErrNoEnvelope):
		s.state = Uninitialized
	default:
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.log.Debug().Stringer("state", s.state).Msg("session ready")
	return s, nil
}

// Setup creates, seals and stores an empty vault, then leaves the session
// unlocked.
//
// Behavior:
//  1. Rejects the call when an envelope already exists.
//  2. Applies the master password policy.
//  3. Seals with the preferred scheme, falling back on derivation failure.
//  4. Persists, unlocks and arms the auto-lock countdown.
func (s *Session) Setup(ctx context.Context, passphrase string) (krypto.Scheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Uninitialized {
		return "", ErrAlreadyInitialized
	}
	if _, err := s.store.Load(ctx); err == nil {
		s.state = Locked
		return "", ErrAlreadyInitialized
	} else if !errors.Is(err, store.ErrNoEnvelope) {
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := auth.ValidateMasterPasswordAdvanced(passphrase, s.policy); err != nil {
		return "", err
	}

	pw := []byte(passphrase)
	defer krypto.Zeroize(pw)

	v := vault.New(s.now())
	pending, err := s.persist(ctx, v, pw, true)
	if err != nil {
		v.Wipe()
		return "", err
	}
	s.enterUnlocked(v, pw, pending)
	s.log.Info().Str("kdf", string(v.Security)).Str("cipher", string(s.cipher)).Msg("vault created")
	return v.Security, nil
}

// Unlock decrypts the stored envelope with exactly the scheme it records.
// A wrong passphrase and a tampered envelope are both ErrInvalidPassphrase.
func (s *Session) Unlock(ctx context.Context, passphrase string) (*vault.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Uninitialized {
		return nil, ErrNoVaultFound
	}
	if !s.limiter.Allow() {
		s.log.Warn().Msg("unlock throttled")
		return nil, ErrTooManyAttempts
	}
	if passphrase == "" {
		return nil, ErrInvalidPassphrase
	}

	data, err := s.store.Load(ctx)
	if errors.Is(err, store.ErrNoEnvelope) {
		s.lockLocked("envelope missing")
		s.state = Uninitialized
		return nil, ErrNoVaultFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	env, err := vault.Parse(data)
	if err != nil {
		return nil, err
	}

	pw := []byte(passphrase)
	defer krypto.Zeroize(pw)

	v, err := env.Open(pw)
	if errors.Is(err, krypto.ErrAuthentication) {
		s.log.Warn().Stringer("state", s.state).Msg("unlock rejected")
		return nil, ErrInvalidPassphrase
	}
	if err != nil {
		return nil, err
	}

	pending := vault.UpgradeIfNeeded(env, s.preferred())
	s.lockLocked("re-unlock")
	s.enterUnlocked(v, pw, pending)
	s.log.Info().
		Str("kdf", string(env.KDF.Scheme)).
		Str("format", env.FormatVersion).
		Bool("upgrade_pending", pending).
		Int("credentials", len(v.Credentials)).
		Msg("vault unlocked")
	return v.Clone(), nil
}

// Lock discards the decrypted vault and the held passphrase. It is valid in
// every state and never fails.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockLocked("requested")
}

// Close locks the session; it is the teardown hook for process exit.
func (s *Session) Close() error {
	s.Lock()
	return nil
}

// SaveCredential creates a credential and persists the vault before
// returning it.
func (s *Session) SaveCredential(ctx context.Context, in vault.CredentialInput) (vault.Credential, error) {
	var out vault.Credential
	err := s.mutate(ctx, func(v *vault.Vault) error {
		c, err := v.Create(in, s.now())
		out = c
		return err
	})
	if err != nil {
		return vault.Credential{}, err
	}
	s.log.Info().Str("id", out.ID).Str("domain", out.Domain).Msg("credential saved")
	return out, nil
}

// UpdateCredential merges patch into the credential with the given id.
func (s *Session) UpdateCredential(ctx context.Context, id string, patch vault.CredentialPatch) (vault.Credential, error) {
	var out vault.Credential
	err := s.mutate(ctx, func(v *vault.Vault) error {
		c, err := v.Update(id, patch, s.now())
		out = c
		return err
	})
	if err != nil {
		return vault.Credential{}, err
	}
	s.log.Info().Str("id", id).Msg("credential updated")
	return out, nil
}

// DeleteCredential removes the credential with the given id.
func (s *Session) DeleteCredential(ctx context.Context, id string) error {
	err := s.mutate(ctx, func(v *vault.Vault) error {
		return v.Delete(id)
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("id", id).Msg("credential deleted")
	return nil
}

// Credentials returns autofill candidates for domain, or nothing when locked.
func (s *Session) Credentials(domain string) []vault.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unlocked {
		return []vault.Credential{}
	}
	return s.vault.FindByDomain(domain)
}

// Search returns matches for query, or nothing when locked.
func (s *Session) Search(query string) []vault.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unlocked {
		return []vault.Credential{}
	}
	return s.vault.Search(query)
}

// All returns every credential, or nothing when locked.
func (s *Session) All() []vault.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unlocked {
		return []vault.Credential{}
	}
	return s.vault.All()
}

// Status reports the current state without side effects.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:    s.state,
		HasVault: s.state != Uninitialized,
		AutoLock: s.autoLock,
	}
	if s.state == Unlocked {
		st.UnlockedAt = s.unlockedAt
		st.CredentialCount = len(s.vault.Credentials)
		st.Security = s.vault.Security
		st.UpgradePending = s.upgradePending
	}
	return st
}

// SetAutoLock changes the delay. While unlocked the countdown is rearmed
// against the original unlock time, so a delay that has already elapsed
// locks immediately. NeverLock cancels the countdown.
func (s *Session) SetAutoLock(delay time.Duration) error {
	if delay <= 0 && delay != NeverLock {
		return ErrInvalidAutoLock
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.autoLock = delay
	if s.state == Unlocked {
		s.armTimerLocked()
	}
	s.log.Info().Dur("delay", delay).Msg("auto-lock updated")
	return nil
}

// Remaining returns the time left before auto-lock. ok is false when the
// session is not unlocked or auto-lock is disabled.
func (s *Session) Remaining() (remaining time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Unlocked || s.autoLock == NeverLock {
		return 0, false
	}
	remaining = s.unlockedAt.Add(s.autoLock).Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// ChangePassphrase re-seals the vault under next with a fresh salt and the
// preferred scheme chain. current must match the passphrase used to unlock.
func (s *Session) ChangePassphrase(ctx context.Context, current, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Unlocked {
		return ErrVaultLocked
	}

	held, err := s.secret.Open()
	if err != nil {
		return fmt.Errorf("open passphrase enclave: %w", err)
	}
	match := subtle.ConstantTimeCompare(held.Bytes(), []byte(current)) == 1
	held.Destroy()
	if !match {
		return ErrInvalidPassphrase
	}
	if err := auth.ValidateMasterPasswordAdvanced(next, s.policy); err != nil {
		return err
	}

	pw := []byte(next)
	defer krypto.Zeroize(pw)

	staged := s.vault.Clone()
	pending, err := s.persist(ctx, staged, pw, true)
	if err != nil {
		staged.Wipe()
		return err
	}
	s.vault.Wipe()
	s.vault = staged
	s.secret = memguard.NewEnclave(append([]byte(nil), pw...))
	s.upgradePending = pending
	s.log.Info().Str("kdf", string(staged.Security)).Msg("master password changed")
	return nil
}

// mutate stages fn on a clone, persists the clone, and only then swaps it
// in. On any failure the held vault is left exactly as it was.
func (s *Session) mutate(ctx context.Context, fn func(v *vault.Vault) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Unlocked {
		return ErrVaultLocked
	}

	staged := s.vault.Clone()
	if err := fn(staged); err != nil {
		staged.Wipe()
		return err
	}

	held, err := s.secret.Open()
	if err != nil {
		staged.Wipe()
		return fmt.Errorf("open passphrase enclave: %w", err)
	}
	pending, err := s.persist(ctx, staged, held.Bytes(), s.upgradePending)
	held.Destroy()
	if err != nil {
		staged.Wipe()
		s.log.Error().Err(err).Msg("mutation not persisted; in-memory vault unchanged")
		return err
	}

	if s.upgradePending && !pending {
		s.log.Info().Str("kdf", string(staged.Security)).Msg("vault upgraded on write")
	}
	s.vault.Wipe()
	s.vault = staged
	s.upgradePending = pending
	return nil
}

// persist seals v with a fresh salt and nonce and writes it to the store.
// With rekey set, a Rekeyer store drops the records it retained.
// It reports whether the written envelope is still below the preferred
// scheme, which happens when the preferred primitive failed.
func (s *Session) persist(ctx context.Context, v *vault.Vault, passphrase []byte, rekey bool) (bool, error) {
	env, err := vault.Seal(v, passphrase, s.cipher, s.chain...)
	if err != nil {
		return false, err
	}
	if env.KDF.Scheme != s.preferred() {
		s.log.Warn().Str("kdf", string(env.KDF.Scheme)).Msg("preferred kdf unavailable; sealed with fallback")
	}
	data, err := env.Marshal()
	if err != nil {
		return false, err
	}
	save := s.store.Save
	if r, ok := s.store.(Rekeyer); ok && rekey {
		save = r.SaveRekeyed
	}
	if err := save(ctx, data); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return vault.UpgradeIfNeeded(env, s.preferred()), nil
}

func (s *Session) preferred() krypto.Scheme {
	return s.chain[0].Scheme
}

func (s *Session) enterUnlocked(v *vault.Vault, passphrase []byte, pending bool) {
	s.vault = v
	s.secret = memguard.NewEnclave(append([]byte(nil), passphrase...))
	s.unlockedAt = s.now()
	s.upgradePending = pending
	s.state = Unlocked
	s.armTimerLocked()
}

// armTimerLocked replaces any pending countdown with one that fires at
// unlockedAt+autoLock. Callers hold s.mu.
func (s *Session) armTimerLocked() {
	s.stopTimerLocked()
	if s.autoLock == NeverLock {
		return
	}

	wait := s.unlockedAt.Add(s.autoLock).Sub(s.now())
	if wait <= 0 {
		s.lockLocked("auto-lock")
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(wait, func() { s.expire(gen) })
}

// stopTimerLocked cancels the countdown. Bumping gen also disarms a
// callback that already fired and is waiting for s.mu.
func (s *Session) stopTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Unlocked {
		return
	}
	s.lockLocked("auto-lock")
}

func (s *Session) lockLocked(reason string) {
	s.stopTimerLocked()
	wasUnlocked := s.state == Unlocked
	if s.vault != nil {
		s.vault.Wipe()
		s.vault = nil
	}
	s.secret = nil
	s.unlockedAt = time.Time{}
	s.upgradePending = false
	if s.state == Unlocked {
		s.state = Locked
	}
	if wasUnlocked {
		s.log.Info().Str("reason", reason).Msg("vault locked")
	}
}
