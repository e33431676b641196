package vault

import (
	"time"

	"github.com/Hussein-Mazeh/credvault/krypto"
)

// FormatVersion is written into new envelopes and vault payloads.
const FormatVersion = "2.0"

// Credential is one saved secret. Timestamps are epoch milliseconds.
type Credential struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
	URL      string `json:"url,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified,omitempty"`
}

// lastTouched is the recency key used for ordering.
func (c Credential) lastTouched() int64 {
	if c.Modified != 0 {
		return c.Modified
	}
	return c.Created
}

// CredentialInput carries the caller-supplied fields of a new credential.
type CredentialInput struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	URL      string `json:"url"`
	Notes    string `json:"notes"`
}

// CredentialPatch carries the fields to change on update; nil means keep.
type CredentialPatch struct {
	Name     *string `json:"name"`
	Domain   *string `json:"domain"`
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	URL      *string `json:"url"`
	Notes    *string `json:"notes"`
}

// Vault is the decrypted payload. It only exists in memory while a session
// is unlocked.
type Vault struct {
	Credentials []Credential  `json:"credentials"`
	Created     int64         `json:"created"`
	Version     string        `json:"version"`
	Security    krypto.Scheme `json:"security,omitempty"`
}

// New returns an empty vault stamped with now.
func New(now time.Time) *Vault {
	return &Vault{
		Credentials: []Credential{},
		Created:     now.UnixMilli(),
		Version:     FormatVersion,
	}
}

// Clone returns a deep copy so a mutation can be staged without touching v.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	out := *v
	out.Credentials = make([]Credential, len(v.Credentials))
	copy(out.Credentials, v.Credentials)
	return &out
}

// Wipe drops every credential reference held by v.
func (v *Vault) Wipe() {
	if v == nil {
		return
	}
	for i := range v.Credentials {
		v.Credentials[i] = Credential{}
	}
	v.Credentials = nil
}
