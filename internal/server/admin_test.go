package server

import (
	"context"
	"net/http"
	"strings"
	"testing"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/app"
)

func TestAdminRequiresAdminKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	for _, bearer := range []string{"", "wrong-key", s.apiKey} {
		resp := s.do(t, http.MethodGet, "/admin/v1/providers", bearer, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("bearer %q: status = %d, want 401", bearer, resp.StatusCode)
		}
	}
}

func TestAdminListProviders(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	resp := s.do(t, http.MethodGet, "/admin/v1/providers", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string][]string
	decodeBody(t, resp, &got)
	if len(got["providers"]) != 1 || got["providers"][0] != "kiro" {
		t.Errorf("providers = %v", got["providers"])
	}
}

func TestAdminCredentialLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	resp := s.do(t, http.MethodPost, "/admin/v1/credentials/kiro/", testAdminKey, map[string]any{
		"name":          "backup",
		"refresh_token": "rt-1",
		"auth_method":   "social",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created gateway.Credential
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Name != "backup" {
		t.Fatalf("created = %+v", created)
	}

	resp = s.do(t, http.MethodGet, "/admin/v1/credentials/kiro/", testAdminKey, nil)
	var listed []*gateway.Credential
	decodeBody(t, resp, &listed)
	if len(listed) != 2 {
		t.Fatalf("listed = %d, want 2", len(listed))
	}

	resp = s.do(t, http.MethodPost, "/admin/v1/credentials/kiro/"+created.ID+"/activate", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}
	var activated gateway.Credential
	decodeBody(t, resp, &activated)
	if !activated.Active {
		t.Error("credential not active after activate")
	}

	resp = s.do(t, http.MethodPut, "/admin/v1/credentials/kiro/"+created.ID, testAdminKey,
		map[string]any{"region": "eu-west-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	var updated gateway.Credential
	decodeBody(t, resp, &updated)
	if updated.Region != "eu-west-1" {
		t.Errorf("region = %q", updated.Region)
	}

	resp = s.do(t, http.MethodDelete, "/admin/v1/credentials/kiro/"+created.ID, testAdminKey, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = s.do(t, http.MethodGet, "/admin/v1/credentials/kiro/"+created.ID, testAdminKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminCredentialValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	resp := s.do(t, http.MethodPost, "/admin/v1/credentials/kiro/", testAdminKey,
		map[string]any{"refresh_token": "rt"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/admin/v1/credentials/kiro/", testAdminKey,
		map[string]any{"name": "no-tokens"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing tokens: status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminCredentialErrorBucket(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.pool.IncrementError(ctx, s.cred.ID, "auth failed"); err != nil {
			t.Fatal(err)
		}
	}

	resp := s.do(t, http.MethodGet, "/admin/v1/credentials/kiro/errors", testAdminKey, nil)
	var quarantined []*gateway.Credential
	decodeBody(t, resp, &quarantined)
	if len(quarantined) != 1 || quarantined[0].ID != s.cred.ID {
		t.Fatalf("quarantined = %+v", quarantined)
	}

	resp = s.do(t, http.MethodPost, "/admin/v1/credentials/kiro/errors/"+s.cred.ID+"/restore", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d", resp.StatusCode)
	}
	var restored gateway.Credential
	decodeBody(t, resp, &restored)
	if restored.ErrorCount != 0 {
		t.Errorf("error count = %d after restore", restored.ErrorCount)
	}

	// Deleting from the error bucket requires the credential to be quarantined.
	resp = s.do(t, http.MethodDelete, "/admin/v1/credentials/kiro/errors/"+s.cred.ID, testAdminKey, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("delete restored: status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminKeyLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	resp := s.do(t, http.MethodPost, "/admin/v1/keys/", testAdminKey, map[string]any{
		"name":        "ci",
		"daily_limit": 100,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created createKeyResponse
	decodeBody(t, resp, &created)
	if !strings.HasPrefix(created.Plaintext, gateway.APIKeyPrefix) {
		t.Fatalf("plaintext = %q", created.Plaintext)
	}
	if created.Key.DailyLimit != 100 {
		t.Errorf("daily limit = %d", created.Key.DailyLimit)
	}

	// The fresh key authenticates immediately.
	if resp := s.do(t, http.MethodPost, "/v1/kiro/chat", created.Plaintext, chatBody(false)); resp.StatusCode != http.StatusOK {
		t.Fatalf("chat with new key: status = %d", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPut, "/admin/v1/keys/"+created.Key.ID, testAdminKey,
		map[string]any{"monthly_limit": 5000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	var updated gateway.APIKey
	decodeBody(t, resp, &updated)
	if updated.MonthlyLimit != 5000 || updated.DailyLimit != 100 {
		t.Errorf("limits = %d/%d", updated.DailyLimit, updated.MonthlyLimit)
	}

	resp = s.do(t, http.MethodGet, "/admin/v1/keys/"+created.Key.ID+"/limits", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("limits status = %d", resp.StatusCode)
	}
	var limits app.KeyLimits
	decodeBody(t, resp, &limits)
	if limits.Usage == nil || limits.Usage.TotalRequests != 1 {
		t.Errorf("usage = %+v, want 1 total request", limits.Usage)
	}

	resp = s.do(t, http.MethodDelete, "/admin/v1/keys/"+created.Key.ID, testAdminKey, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = s.do(t, http.MethodPost, "/v1/kiro/chat", created.Plaintext, chatBody(false))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("chat with deleted key: status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminToggleKeyDisablesAuth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	resp := s.do(t, http.MethodPost, "/admin/v1/keys/"+s.keyID+"/toggle", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d", resp.StatusCode)
	}
	var toggled gateway.APIKey
	decodeBody(t, resp, &toggled)
	if toggled.Active {
		t.Fatal("key still active after toggle")
	}

	resp = s.do(t, http.MethodPost, "/v1/kiro/chat", s.apiKey, chatBody(false))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("chat with disabled key: status = %d, want 403", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/admin/v1/keys/"+s.keyID+"/toggle", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-toggle status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/v1/kiro/chat", s.apiKey, chatBody(false)); resp.StatusCode != http.StatusOK {
		t.Fatalf("chat after re-enable: status = %d", resp.StatusCode)
	}
}

func TestAdminListKeys(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	resp := s.do(t, http.MethodGet, "/admin/v1/keys/", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var keys []*gateway.APIKey
	decodeBody(t, resp, &keys)
	if len(keys) != 1 || keys[0].ID != s.keyID {
		t.Fatalf("keys = %+v", keys)
	}
}
