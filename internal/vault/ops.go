package vault

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Hussein-Mazeh/credvault/internal/domaincheck"
)

const maxIDAttempts = 8

// Create appends a new credential with a fresh id and returns a copy of it.
func (v *Vault) Create(in CredentialInput, now time.Time) (Credential, error) {
	in = trimInput(in)
	if in.Password == "" {
		return Credential{}, &ValidationError{Field: "password", Reason: "is required"}
	}
	if in.Name == "" && in.Domain == "" && in.URL == "" {
		return Credential{}, &ValidationError{Field: "name", Reason: "or domain or url is required"}
	}

	id, err := v.newID()
	if err != nil {
		return Credential{}, err
	}

	domain := domaincheck.NormalizeDomain(in.Domain)
	if domain == "" {
		domain = domaincheck.HostFromURL(in.URL)
	}
	name := in.Name
	if name == "" {
		name = domain
	}

	ms := now.UnixMilli()
	c := Credential{
		ID:       id,
		Name:     name,
		Domain:   domain,
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
		URL:      in.URL,
		Notes:    in.Notes,
		Created:  ms,
		Modified: ms,
	}
	v.Credentials = append(v.Credentials, c)
	return c, nil
}

func (v *Vault) newID() (string, error) {
	for range maxIDAttempts {
		id := uuid.NewString()
		if v.indexOf(id) < 0 {
			return id, nil
		}
	}
	return "", &ValidationError{Field: "id", Reason: "could not be allocated"}
}

// Update merges patch into the credential with the given id. Modified always
// moves forward, even when two writes land in the same millisecond.
func (v *Vault) Update(id string, patch CredentialPatch, now time.Time) (Credential, error) {
	idx := v.indexOf(id)
	if idx < 0 {
		return Credential{}, ErrNotFound
	}
	c := v.Credentials[idx]

	if patch.Password != nil && *patch.Password == "" {
		return Credential{}, &ValidationError{Field: "password", Reason: "cannot be empty"}
	}

	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&c.Name, patch.Name)
	set(&c.Username, patch.Username)
	set(&c.Email, patch.Email)
	set(&c.URL, patch.URL)
	set(&c.Notes, patch.Notes)
	if patch.Password != nil {
		c.Password = *patch.Password
	}
	if patch.Domain != nil {
		c.Domain = domaincheck.NormalizeDomain(*patch.Domain)
	}
	if c.Domain == "" {
		c.Domain = domaincheck.HostFromURL(c.URL)
	}

	ms := now.UnixMilli()
	if ms <= c.Modified {
		ms = c.Modified + 1
	}
	if ms < c.Created {
		ms = c.Created
	}
	c.Modified = ms

	v.Credentials[idx] = c
	return c, nil
}

// Delete removes the credential with the given id.
func (v *Vault) Delete(id string) error {
	idx := v.indexOf(id)
	if idx < 0 {
		return ErrNotFound
	}
	v.Credentials = slices.Delete(v.Credentials, idx, idx+1)
	return nil
}

// Get returns the credential with the given id.
func (v *Vault) Get(id string) (Credential, error) {
	idx := v.indexOf(id)
	if idx < 0 {
		return Credential{}, ErrNotFound
	}
	return v.Credentials[idx], nil
}

// FindByDomain returns credentials whose domain equals domain, whose url
// contains it, or whose name contains it case-insensitively. The match is
// deliberately permissive: autofill suggestions favor recall.
func (v *Vault) FindByDomain(domain string) []Credential {
	domain = domaincheck.NormalizeDomain(domain)
	if domain == "" {
		return []Credential{}
	}
	out := make([]Credential, 0)
	for _, c := range v.Credentials {
		if strings.EqualFold(c.Domain, domain) ||
			(c.URL != "" && strings.Contains(strings.ToLower(c.URL), domain)) ||
			strings.Contains(strings.ToLower(c.Name), domain) {
			out = append(out, c)
		}
	}
	sortByRecency(out)
	return out
}

// Search matches query case-insensitively against name, domain, username
// and email. An empty query matches nothing.
func (v *Vault) Search(query string) []Credential {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []Credential{}
	}
	out := make([]Credential, 0)
	for _, c := range v.Credentials {
		for _, field := range []string{c.Name, c.Domain, c.Username, c.Email} {
			if strings.Contains(strings.ToLower(field), query) {
				out = append(out, c)
				break
			}
		}
	}
	sortByRecency(out)
	return out
}

// All returns every credential, most recently touched first.
func (v *Vault) All() []Credential {
	out := make([]Credential, len(v.Credentials))
	copy(out, v.Credentials)
	sortByRecency(out)
	return out
}

func (v *Vault) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(v.Credentials, func(c Credential) bool { return c.ID == id })
}

func sortByRecency(list []Credential) {
	slices.SortStableFunc(list, func(a, b Credential) int {
		ta, tb := a.lastTouched(), b.lastTouched()
		switch {
		case ta > tb:
			return -1
		case ta < tb:
			return 1
		default:
			return 0
		}
	})
}

func trimInput(in CredentialInput) CredentialInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Domain = strings.TrimSpace(in.Domain)
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.URL = strings.TrimSpace(in.URL)
	in.Notes = strings.TrimSpace(in.Notes)
	return in
}
