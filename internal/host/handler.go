// Package host exposes a Session over the message-style API used by the
// browser extension.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hussein-Mazeh/credvault/auth"
	"github.com/Hussein-Mazeh/credvault/internal/domaincheck"
	"github.com/Hussein-Mazeh/credvault/internal/passgen"
	"github.com/Hussein-Mazeh/credvault/internal/session"
	"github.com/Hussein-Mazeh/credvault/internal/vault"
	"github.com/Hussein-Mazeh/credvault/krypto"
)

// Message types.
const (
	TypeSetupVault            = "SETUP_VAULT"
	TypeUnlockVault           = "UNLOCK_VAULT"
	TypeLockVault             = "LOCK_VAULT"
	TypeGetStatus             = "GET_STATUS"
	TypeSaveCredential        = "SAVE_CREDENTIAL"
	TypeGetCredentials        = "GET_CREDENTIALS"
	TypeGetAllCredentials     = "GET_ALL_CREDENTIALS"
	TypeSearchCredentials     = "SEARCH_CREDENTIALS"
	TypeUpdateCredential      = "UPDATE_CREDENTIAL"
	TypeDeleteCredential      = "DELETE_CREDENTIAL"
	TypeGeneratePassword      = "GENERATE_PASSWORD"
	TypeUpdateAutoLock        = "UPDATE_AUTO_LOCK"
	TypeGetRemainingTime      = "GET_REMAINING_TIME"
	TypeChangeMasterPassword  = "CHANGE_MASTER_PASSWORD"
	TypeHealth                = "HEALTH"
	TypeCheckSite             = "CHECK_SITE"
	TypeCheckPasswordStrength = "CHECK_PASSWORD_STRENGTH"
)

// User-facing error strings. Locked and passphrase failures stay terse.
const (
	msgLocked          = "Vault is locked"
	msgInvalidPassword = "Invalid password"
	msgNotFound        = "Credential not found"
	msgNoVault         = "No vault found"
	msgVaultExists     = "Vault already exists"
	msgTooManyAttempts = "Too many attempts, try again later"
	msgDerivation      = "Key derivation failed"
	msgPersistence     = "Failed to save vault"
	msgInvalidRequest  = "Invalid request"
	msgUnknownType     = "Unknown message type"
	msgInternal        = "Internal error"
)

// Response is one JSON object sent back to the caller. A map keeps empty
// credential lists serialized as [] and lets each type choose its shape.
type Response map[string]any

type credentialPayload struct {
	ID       string  `json:"id"`
	Name     *string `json:"name"`
	Domain   *string `json:"domain"`
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	URL      *string `json:"url"`
	Notes    *string `json:"notes"`
}

type request struct {
	Type           string             `json:"type"`
	MasterPassword string             `json:"masterPassword"`
	NewPassword    string             `json:"newPassword"`
	Credential     *credentialPayload `json:"credential"`
	CredentialID   string             `json:"credentialId"`
	Domain         string             `json:"domain"`
	URL            string             `json:"url"`
	Query          string             `json:"query"`
	Length         int                `json:"length"`
	Symbols        *bool              `json:"symbols"`
	Delay          json.RawMessage    `json:"delay"`
	SavedDomain    string             `json:"savedDomain"`
	ExactHost      string             `json:"exactHost"`
	Password       string             `json:"password"`
	UserInputs     []string           `json:"userInputs"`
}

// Handler dispatches decoded requests to a Session.
type Handler struct {
	sess    *session.Session
	log     zerolog.Logger
	version string
}

// NewHandler wires a Handler over sess.
func NewHandler(sess *session.Session, logger zerolog.Logger, version string) *Handler {
	return &Handler{
		sess:    sess,
		log:     logger.With().Str("component", "host").Logger(),
		version: version,
	}
}

// Handle decodes one request payload and returns its response. It never
// panics on caller input and never returns secrets in errors.
func (h *Handler) Handle(ctx context.Context, payload []byte) Response {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorMessage(msgInvalidRequest)
	}
	h.log.Debug().Str("type", req.Type).Msg("request")

	switch req.Type {
	case TypeSetupVault:
		return h.setup(ctx, req)
	case TypeUnlockVault:
		return h.unlock(ctx, req)
	case TypeLockVault:
		h.sess.Lock()
		return success()
	case TypeGetStatus:
		return h.status()
	case TypeSaveCredential:
		return h.saveCredential(ctx, req)
	case TypeGetCredentials:
		domain := strings.TrimSpace(req.Domain)
		if domain == "" {
			domain = domaincheck.HostFromURL(req.URL)
		}
		if domain == "" {
			return credentials(nil)
		}
		return credentials(h.sess.Credentials(domain))
	case TypeGetAllCredentials:
		return credentials(h.sess.All())
	case TypeSearchCredentials:
		return credentials(h.sess.Search(req.Query))
	case TypeUpdateCredential:
		return h.updateCredential(ctx, req)
	case TypeDeleteCredential:
		return h.deleteCredential(ctx, req)
	case TypeGeneratePassword:
		return h.generate(req)
	case TypeUpdateAutoLock:
		return h.updateAutoLock(req)
	case TypeGetRemainingTime:
		return h.remaining()
	case TypeChangeMasterPassword:
		if err := h.sess.ChangePassphrase(ctx, req.MasterPassword, req.NewPassword); err != nil {
			return h.errorResponse(err)
		}
		return success()
	case TypeHealth:
		return Response{"success": true, "version": h.version, "state": h.sess.Status().State.String()}
	case TypeCheckSite:
		v := domaincheck.CheckURL(req.URL, req.SavedDomain, req.ExactHost)
		reasons := v.Reasons
		if reasons == nil {
			reasons = []string{}
		}
		return Response{"success": true, "ok": v.OK, "reasons": reasons, "etld1": v.ETLD1}
	case TypeCheckPasswordStrength:
		r := auth.Strength(req.Password, req.UserInputs...)
		resp := Response{"score": r.Score, "entropy": r.Entropy, "crackTime": r.CrackTime}
		if r.Truncated {
			resp["truncated"] = true
		}
		return resp
	default:
		return errorMessage(msgUnknownType)
	}
}

func (h *Handler) setup(ctx context.Context, req request) Response {
	scheme, err := h.sess.Setup(ctx, req.MasterPassword)
	if err != nil {
		return h.errorResponse(err)
	}
	return Response{"success": true, "security": string(scheme)}
}

func (h *Handler) unlock(ctx context.Context, req request) Response {
	v, err := h.sess.Unlock(ctx, req.MasterPassword)
	if err != nil {
		return h.errorResponse(err)
	}
	v.Credentials = v.All()
	return Response{"success": true, "vault": v}
}

func (h *Handler) status() Response {
	st := h.sess.Status()
	var unlockTime any
	if st.State == session.Unlocked {
		unlockTime = st.UnlockedAt.UnixMilli()
	}
	var security any
	if st.Security != "" {
		security = string(st.Security)
	}
	return Response{
		"isUnlocked":      st.State == session.Unlocked,
		"hasVault":        st.HasVault,
		"unlockTime":      unlockTime,
		"autoLockDelay":   delayValue(st.AutoLock),
		"credentialCount": st.CredentialCount,
		"securityLevel":   security,
		"upgradePending":  st.UpgradePending,
	}
}

func (h *Handler) saveCredential(ctx context.Context, req request) Response {
	if req.Credential == nil {
		return errorMessage("credential is required")
	}
	c, err := h.sess.SaveCredential(ctx, req.Credential.input())
	if err != nil {
		return h.errorResponse(err)
	}
	return Response{"success": true, "credential": c, "security": string(h.sess.Status().Security)}
}

func (h *Handler) updateCredential(ctx context.Context, req request) Response {
	if req.Credential == nil || strings.TrimSpace(req.Credential.ID) == "" {
		return errorMessage("credential id is required")
	}
	c, err := h.sess.UpdateCredential(ctx, req.Credential.ID, req.Credential.patch())
	if err != nil {
		return h.errorResponse(err)
	}
	return Response{"success": true, "credential": c}
}

func (h *Handler) deleteCredential(ctx context.Context, req request) Response {
	id := strings.TrimSpace(req.CredentialID)
	if id == "" {
		return errorMessage("credentialId is required")
	}
	if err := h.sess.DeleteCredential(ctx, id); err != nil {
		return h.errorResponse(err)
	}
	return success()
}

func (h *Handler) generate(req request) Response {
	symbols := true
	if req.Symbols != nil {
		symbols = *req.Symbols
	}
	res, err := passgen.Generate(passgen.Options{Length: req.Length, Symbols: symbols})
	if err != nil {
		return h.errorResponse(err)
	}
	return Response{"password": res.Password, "score": res.Score}
}

func (h *Handler) updateAutoLock(req request) Response {
	delay, err := parseDelay(req.Delay)
	if err != nil {
		return errorMessage(err.Error())
	}
	if err := h.sess.SetAutoLock(delay); err != nil {
		return h.errorResponse(err)
	}
	return success()
}

func (h *Handler) remaining() Response {
	st := h.sess.Status()
	left, ok := h.sess.Remaining()
	total := 0
	if st.State == session.Unlocked && st.AutoLock != session.NeverLock {
		total = int(st.AutoLock / time.Second)
	}
	if !ok {
		return Response{"remaining": nil, "remainingMinutes": 0, "remainingSeconds": 0, "totalSeconds": total}
	}
	secs := int(left / time.Second)
	return Response{
		"remaining":        left.Milliseconds(),
		"remainingMinutes": secs / 60,
		"remainingSeconds": secs % 60,
		"totalSeconds":     total,
	}
}

// maxDelayMinutes is the longest countdown a time.Duration can hold.
const maxDelayMinutes = float64(math.MaxInt64 / int64(time.Minute))

// parseDelay accepts a number of minutes or the string "never".
func parseDelay(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("delay is required")
	}
	var word string
	if err := json.Unmarshal(raw, &word); err == nil {
		if strings.EqualFold(strings.TrimSpace(word), "never") {
			return session.NeverLock, nil
		}
		return 0, errors.New(`delay must be a number of minutes or "never"`)
	}
	var minutes float64
	if err := json.Unmarshal(raw, &minutes); err != nil {
		return 0, errors.New(`delay must be a number of minutes or "never"`)
	}
	if minutes <= 0 {
		return 0, errors.New("delay must be positive")
	}
	if minutes > maxDelayMinutes {
		return 0, errors.New("delay is too large")
	}
	d := time.Duration(minutes * float64(time.Minute))
	if d <= 0 {
		return 0, errors.New("delay must be positive")
	}
	return d, nil
}

func delayValue(d time.Duration) any {
	if d == session.NeverLock {
		return "never"
	}
	return d.Minutes()
}

func (p *credentialPayload) input() vault.CredentialInput {
	return vault.CredentialInput{
		Name:     deref(p.Name),
		Domain:   deref(p.Domain),
		Username: deref(p.Username),
		Email:    deref(p.Email),
		Password: deref(p.Password),
		URL:      deref(p.URL),
		Notes:    deref(p.Notes),
	}
}

func (p *credentialPayload) patch() vault.CredentialPatch {
	return vault.CredentialPatch{
		Name:     p.Name,
		Domain:   p.Domain,
		Username: p.Username,
		Email:    p.Email,
		Password: p.Password,
		URL:      p.URL,
		Notes:    p.Notes,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func credentials(list []vault.Credential) Response {
	if list == nil {
		list = []vault.Credential{}
	}
	return Response{"credentials": list}
}

func success() Response { return Response{"success": true} }

func errorMessage(msg string) Response { return Response{"error": msg} }

// errorResponse maps an operation error to its user-facing message.
func (h *Handler) errorResponse(err error) Response {
	var (
		verr   *vault.ValidationError
		policy *auth.PolicyError
	)
	switch {
	case errors.Is(err, session.ErrVaultLocked):
		return errorMessage(msgLocked)
	case errors.Is(err, session.ErrInvalidPassphrase):
		return errorMessage(msgInvalidPassword)
	case errors.Is(err, vault.ErrNotFound):
		return errorMessage(msgNotFound)
	case errors.Is(err, session.ErrNoVaultFound):
		return errorMessage(msgNoVault)
	case errors.Is(err, session.ErrAlreadyInitialized):
		return errorMessage(msgVaultExists)
	case errors.Is(err, session.ErrTooManyAttempts):
		return errorMessage(msgTooManyAttempts)
	case errors.As(err, &verr):
		return errorMessage(verr.Error())
	case errors.As(err, &policy):
		return errorMessage(policy.Error())
	case errors.Is(err, passgen.ErrLength), errors.Is(err, session.ErrInvalidAutoLock):
		return errorMessage(err.Error())
	case errors.Is(err, krypto.ErrDerivation):
		h.log.Error().Err(err).Msg("key derivation failed")
		return errorMessage(msgDerivation)
	case errors.Is(err, session.ErrPersistence):
		h.log.Error().Err(err).Msg("persistence failed")
		return errorMessage(msgPersistence)
	default:
		h.log.Error().Err(err).Msg("request failed")
		return errorMessage(msgInternal)
	}
}
