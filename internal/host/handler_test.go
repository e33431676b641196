package host_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Hussein-Mazeh/credvault/internal/host"
	"github.com/Hussein-Mazeh/credvault/internal/session"
	"github.com/Hussein-Mazeh/credvault/krypto"
	"github.com/Hussein-Mazeh/credvault/store"
)

const master = "Secret123!"

func newHandler(t *testing.T) *host.Handler {
	t.Helper()
	sess, err := session.New(store.FileStore{Dir: t.TempDir()}, session.Config{
		Chain: []krypto.KDFParams{
			krypto.Argon2id(krypto.Argon2Params{Time: 1, MemoryKB: 1024, Parallelism: 1, KeyLen: krypto.KeyLen}),
		},
		UnlockRate: rate.Inf,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return host.NewHandler(sess, zerolog.Nop(), "test")
}

// call sends msg and decodes the response the way the extension sees it.
func call(t *testing.T, h *host.Handler, msg map[string]any) map[string]any {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	raw, err := json.Marshal(h.Handle(context.Background(), payload))
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectError(t *testing.T, resp map[string]any, want string) {
	t.Helper()
	if got, _ := resp["error"].(string); got != want {
		t.Fatalf("expected error %q, got %v", want, resp)
	}
}

func expectSuccess(t *testing.T, resp map[string]any) {
	t.Helper()
	if ok, _ := resp["success"].(bool); !ok {
		t.Fatalf("expected success, got %v", resp)
	}
}

func credentialList(t *testing.T, resp map[string]any) []any {
	t.Helper()
	list, ok := resp["credentials"].([]any)
	if !ok {
		t.Fatalf("expected credentials array, got %v", resp)
	}
	return list
}

func TestVaultLifecycleMessages(t *testing.T) {
	h := newHandler(t)

	expectError(t, call(t, h, map[string]any{"type": "UNLOCK_VAULT", "masterPassword": master}), "No vault found")

	resp := call(t, h, map[string]any{"type": "SETUP_VAULT", "masterPassword": master})
	expectSuccess(t, resp)
	if resp["security"] != "argon2id" {
		t.Fatalf("expected argon2id security, got %v", resp["security"])
	}
	expectError(t, call(t, h, map[string]any{"type": "SETUP_VAULT", "masterPassword": master}), "Vault already exists")

	status := call(t, h, map[string]any{"type": "GET_STATUS"})
	if status["isUnlocked"] != true || status["hasVault"] != true || status["securityLevel"] != "argon2id" {
		t.Fatalf("unexpected status %v", status)
	}
	if _, ok := status["unlockTime"].(float64); !ok {
		t.Fatalf("expected unlockTime while unlocked, got %v", status["unlockTime"])
	}

	expectSuccess(t, call(t, h, map[string]any{"type": "LOCK_VAULT"}))
	expectSuccess(t, call(t, h, map[string]any{"type": "LOCK_VAULT"}))

	status = call(t, h, map[string]any{"type": "GET_STATUS"})
	if status["isUnlocked"] != false || status["unlockTime"] != nil || status["credentialCount"] != float64(0) {
		t.Fatalf("unexpected locked status %v", status)
	}

	expectError(t, call(t, h, map[string]any{"type": "UNLOCK_VAULT", "masterPassword": "wrong"}), "Invalid password")
	resp = call(t, h, map[string]any{"type": "UNLOCK_VAULT", "masterPassword": master})
	expectSuccess(t, resp)
	v, ok := resp["vault"].(map[string]any)
	if !ok {
		t.Fatalf("expected vault object, got %v", resp)
	}
	if list, ok := v["credentials"].([]any); !ok || len(list) != 0 {
		t.Fatalf("expected empty credential array, got %v", v["credentials"])
	}
}

func TestCredentialMessages(t *testing.T) {
	h := newHandler(t)
	expectSuccess(t, call(t, h, map[string]any{"type": "SETUP_VAULT", "masterPassword": master}))

	resp := call(t, h, map[string]any{
		"type": "SAVE_CREDENTIAL",
		"credential": map[string]any{
			"name":     "Gmail",
			"url":      "https://mail.google.com/inbox",
			"username": "a@b.com",
			"password": "x",
		},
	})
	expectSuccess(t, resp)
	saved := resp["credential"].(map[string]any)
	id := saved["id"].(string)
	if saved["domain"] != "mail.google.com" {
		t.Fatalf("expected domain from url, got %v", saved["domain"])
	}

	expectError(t, call(t, h, map[string]any{
		"type":       "SAVE_CREDENTIAL",
		"credential": map[string]any{"name": "No password"},
	}), "password is required")

	if got := credentialList(t, call(t, h, map[string]any{"type": "GET_CREDENTIALS", "domain": "mail.google.com"})); len(got) != 1 {
		t.Fatalf("expected 1 match by domain, got %d", len(got))
	}
	if got := credentialList(t, call(t, h, map[string]any{"type": "GET_CREDENTIALS", "url": "https://mail.google.com/x"})); len(got) != 1 {
		t.Fatalf("expected 1 match by url, got %d", len(got))
	}
	if got := credentialList(t, call(t, h, map[string]any{"type": "SEARCH_CREDENTIALS", "query": "GMAIL"})); len(got) != 1 {
		t.Fatalf("expected 1 search hit, got %d", len(got))
	}
	if got := credentialList(t, call(t, h, map[string]any{"type": "SEARCH_CREDENTIALS", "query": ""})); len(got) != 0 {
		t.Fatalf("expected empty query to match nothing, got %d", len(got))
	}

	resp = call(t, h, map[string]any{
		"type":       "UPDATE_CREDENTIAL",
		"credential": map[string]any{"id": id, "password": "y"},
	})
	expectSuccess(t, resp)
	if updated := resp["credential"].(map[string]any); updated["password"] != "y" || updated["username"] != "a@b.com" {
		t.Fatalf("unexpected update result %v", updated)
	}
	expectError(t, call(t, h, map[string]any{
		"type":       "UPDATE_CREDENTIAL",
		"credential": map[string]any{"id": "missing", "password": "y"},
	}), "Credential not found")

	expectSuccess(t, call(t, h, map[string]any{"type": "DELETE_CREDENTIAL", "credentialId": id}))
	expectError(t, call(t, h, map[string]any{"type": "DELETE_CREDENTIAL", "credentialId": id}), "Credential not found")
	if got := credentialList(t, call(t, h, map[string]any{"type": "GET_ALL_CREDENTIALS"})); len(got) != 0 {
		t.Fatalf("expected empty vault, got %d", len(got))
	}

	call(t, h, map[string]any{"type": "LOCK_VAULT"})
	if got := credentialList(t, call(t, h, map[string]any{"type": "GET_ALL_CREDENTIALS"})); len(got) != 0 {
		t.Fatalf("expected empty list while locked, got %d", len(got))
	}
	expectError(t, call(t, h, map[string]any{
		"type":       "SAVE_CREDENTIAL",
		"credential": map[string]any{"name": "x", "password": "y"},
	}), "Vault is locked")
}

func TestAutoLockMessages(t *testing.T) {
	h := newHandler(t)
	expectSuccess(t, call(t, h, map[string]any{"type": "SETUP_VAULT", "masterPassword": master}))

	resp := call(t, h, map[string]any{"type": "GET_REMAINING_TIME"})
	if resp["totalSeconds"] != float64(15*60) {
		t.Fatalf("expected default 15 minute total, got %v", resp)
	}
	if rem, ok := resp["remaining"].(float64); !ok || rem <= 0 || rem > float64(15*time.Minute/time.Millisecond) {
		t.Fatalf("unexpected remaining %v", resp["remaining"])
	}

	expectSuccess(t, call(t, h, map[string]any{"type": "UPDATE_AUTO_LOCK", "delay": 5}))
	resp = call(t, h, map[string]any{"type": "GET_REMAINING_TIME"})
	if resp["totalSeconds"] != float64(300) || resp["remainingMinutes"] != float64(4) {
		t.Fatalf("unexpected remaining after update %v", resp)
	}
	if status := call(t, h, map[string]any{"type": "GET_STATUS"}); status["autoLockDelay"] != float64(5) {
		t.Fatalf("expected autoLockDelay 5, got %v", status["autoLockDelay"])
	}

	expectSuccess(t, call(t, h, map[string]any{"type": "UPDATE_AUTO_LOCK", "delay": "never"}))
	resp = call(t, h, map[string]any{"type": "GET_REMAINING_TIME"})
	if resp["remaining"] != nil || resp["totalSeconds"] != float64(0) {
		t.Fatalf("expected no countdown, got %v", resp)
	}
	if status := call(t, h, map[string]any{"type": "GET_STATUS"}); status["autoLockDelay"] != "never" {
		t.Fatalf("expected never, got %v", status["autoLockDelay"])
	}

	for _, bad := range []any{nil, 0, -3, "soon", true} {
		resp := call(t, h, map[string]any{"type": "UPDATE_AUTO_LOCK", "delay": bad})
		if _, ok := resp["error"]; !ok {
			t.Fatalf("delay %v: expected an error, got %v", bad, resp)
		}
	}
	expectError(t, call(t, h, map[string]any{"type": "UPDATE_AUTO_LOCK", "delay": 1e12}), "delay is too large")
	expectError(t, call(t, h, map[string]any{"type": "UPDATE_AUTO_LOCK", "delay": 1e-15}), "delay must be positive")
	expectSuccess(t, call(t, h, map[string]any{"type": "UPDATE_AUTO_LOCK", "delay": 100000000}))
	if status := call(t, h, map[string]any{"type": "GET_STATUS"}); status["autoLockDelay"] != float64(100000000) {
		t.Fatalf("expected a century-scale delay to be kept, got %v", status["autoLockDelay"])
	}
}

func TestUtilityMessages(t *testing.T) {
	h := newHandler(t)

	resp := call(t, h, map[string]any{"type": "GENERATE_PASSWORD", "length": 24, "symbols": false})
	pw, _ := resp["password"].(string)
	if len(pw) != 24 {
		t.Fatalf("expected 24 char password, got %v", resp)
	}
	resp = call(t, h, map[string]any{"type": "GENERATE_PASSWORD"})
	if pw, _ := resp["password"].(string); len(pw) != 16 {
		t.Fatalf("expected default length, got %v", resp)
	}
	if _, ok := call(t, h, map[string]any{"type": "GENERATE_PASSWORD", "length": 4})["error"]; !ok {
		t.Fatalf("expected an error for a short length")
	}

	resp = call(t, h, map[string]any{"type": "HEALTH"})
	if resp["version"] != "test" || resp["state"] != "uninitialized" {
		t.Fatalf("unexpected health %v", resp)
	}

	resp = call(t, h, map[string]any{"type": "CHECK_SITE", "url": "https://accounts.google.com/login", "savedDomain": "google.com"})
	if resp["ok"] != true {
		t.Fatalf("expected matching site to pass, got %v", resp)
	}
	resp = call(t, h, map[string]any{"type": "CHECK_SITE", "url": "http://google.com.evil.io", "savedDomain": "google.com"})
	if resp["ok"] != false || len(resp["reasons"].([]any)) == 0 {
		t.Fatalf("expected mismatch reasons, got %v", resp)
	}

	resp = call(t, h, map[string]any{"type": "CHECK_PASSWORD_STRENGTH", "password": "password"})
	if score, _ := resp["score"].(float64); score > 1 {
		t.Fatalf("expected a weak score, got %v", resp)
	}

	start := time.Now()
	resp = call(t, h, map[string]any{"type": "CHECK_PASSWORD_STRENGTH", "password": strings.Repeat("aB3!xQ9#", 2000)})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("strength check on a long password took %v", elapsed)
	}
	if resp["truncated"] != true {
		t.Fatalf("expected truncated flag, got %v", resp)
	}

	expectError(t, call(t, h, map[string]any{"type": "NOPE"}), "Unknown message type")
	raw, _ := json.Marshal(h.Handle(context.Background(), []byte("{not json")))
	if string(raw) != `{"error":"Invalid request"}` {
		t.Fatalf("unexpected response to bad json: %s", raw)
	}
}

func TestChangeMasterPasswordMessage(t *testing.T) {
	h := newHandler(t)
	expectSuccess(t, call(t, h, map[string]any{"type": "SETUP_VAULT", "masterPassword": master}))
	expectError(t, call(t, h, map[string]any{"type": "CHANGE_MASTER_PASSWORD", "masterPassword": "Nope1234!", "newPassword": "Other456$"}), "Invalid password")
	expectSuccess(t, call(t, h, map[string]any{"type": "CHANGE_MASTER_PASSWORD", "masterPassword": master, "newPassword": "Other456$"}))
	call(t, h, map[string]any{"type": "LOCK_VAULT"})
	expectSuccess(t, call(t, h, map[string]any{"type": "UNLOCK_VAULT", "masterPassword": "Other456$"}))
}
