package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/testutil"
)

// tokenServer serves the refresh-token grant with a fixed response.
func tokenServer(t *testing.T, accessToken string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if grant := r.FormValue("grant_type"); grant != "refresh_token" {
			t.Errorf("grant_type = %q", grant)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600,"refresh_token":"rotated-refresh"}`, accessToken)
	}))
}

func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp.Unix())))
	return header + "." + payload + ".sig"
}

func TestExpired(t *testing.T) {
	t.Parallel()

	r := NewRefresher(testutil.NewFakeStore(), nil, "client")
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name string
		cred gateway.Credential
		want bool
	}{
		{"empty token", gateway.Credential{}, true},
		{"opaque no expiry", gateway.Credential{AccessToken: "opaque"}, false},
		{"stored expiry future", gateway.Credential{AccessToken: "opaque", ExpiresAt: &future}, false},
		{"stored expiry past", gateway.Credential{AccessToken: "opaque", ExpiresAt: &past}, true},
		{"jwt expiry past wins", gateway.Credential{AccessToken: unsignedJWT(t, past), ExpiresAt: &future}, true},
		{"jwt expiry future", gateway.Credential{AccessToken: unsignedJWT(t, future)}, false},
		{"jwt inside skew window", gateway.Credential{AccessToken: unsignedJWT(t, time.Now().Add(10 * time.Second))}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Expired(&tc.cred); got != tc.want {
				t.Errorf("Expired = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	t.Parallel()

	srv := tokenServer(t, "fresh-access", http.StatusOK)
	defer srv.Close()

	store := testutil.NewFakeStore()
	r := NewRefresher(store, map[string]string{"": srv.URL}, "client")

	c := &gateway.Credential{ID: "c1", Provider: "kiro", RefreshToken: "old-refresh"}
	if err := store.AddCredential(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	tok, err := r.Refresh(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "fresh-access" {
		t.Errorf("token = %q", tok)
	}
	if c.AccessToken != "fresh-access" || c.RefreshToken != "rotated-refresh" {
		t.Errorf("snapshot not updated: %+v", c)
	}

	stored, err := store.GetCredential(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "fresh-access" {
		t.Errorf("persisted access token = %q", stored.AccessToken)
	}
	if stored.RefreshToken != "rotated-refresh" {
		t.Errorf("persisted refresh token = %q", stored.RefreshToken)
	}
	if stored.ExpiresAt == nil || time.Until(*stored.ExpiresAt) < 30*time.Minute {
		t.Errorf("persisted expiry = %v", stored.ExpiresAt)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	r := NewRefresher(testutil.NewFakeStore(), map[string]string{"": "http://unused"}, "client")
	if _, err := r.Refresh(context.Background(), &gateway.Credential{ID: "c1"}); err == nil {
		t.Fatal("expected error for missing refresh token")
	}
}

func TestRefreshEndpointSelectionByAuthMethod(t *testing.T) {
	t.Parallel()

	social := tokenServer(t, "social-access", http.StatusOK)
	defer social.Close()

	store := testutil.NewFakeStore()
	r := NewRefresher(store, map[string]string{"social": social.URL}, "client")

	c := &gateway.Credential{ID: "c1", AuthMethod: "social", RefreshToken: "rt"}
	if err := store.AddCredential(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	tok, err := r.Refresh(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "social-access" {
		t.Errorf("token = %q", tok)
	}

	// An unmapped auth method with no default endpoint is an error.
	other := &gateway.Credential{ID: "c2", AuthMethod: "idc", RefreshToken: "rt"}
	if _, err := r.Refresh(context.Background(), other); err == nil {
		t.Fatal("expected error for unmapped auth method")
	}
}

func TestFreshTokenRefreshesExpired(t *testing.T) {
	t.Parallel()

	srv := tokenServer(t, "renewed", http.StatusOK)
	defer srv.Close()

	store := testutil.NewFakeStore()
	pool := NewPool("kiro", store, NewRefresher(store, map[string]string{"": srv.URL}, "client"))

	past := time.Now().Add(-time.Minute)
	c := &gateway.Credential{Name: "stale", AccessToken: "stale", ExpiresAt: &past, RefreshToken: "rt"}
	if err := pool.Add(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	tok, err := pool.FreshToken(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "renewed" {
		t.Errorf("token = %q", tok)
	}
}

func TestFreshTokenRefreshFailureCountsError(t *testing.T) {
	t.Parallel()

	srv := tokenServer(t, "", http.StatusBadRequest)
	defer srv.Close()

	store := testutil.NewFakeStore()
	pool := NewPool("kiro", store, NewRefresher(store, map[string]string{"": srv.URL}, "client"))

	past := time.Now().Add(-time.Minute)
	c := &gateway.Credential{Name: "dead", AccessToken: "stale", ExpiresAt: &past, RefreshToken: "rt"}
	if err := pool.Add(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	_, err := pool.FreshToken(context.Background(), c.ID)
	if !errors.Is(err, gateway.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	after, err := pool.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.ErrorCount != 1 {
		t.Errorf("error count = %d", after.ErrorCount)
	}
}

func TestRestoreFromErrorRefreshesExpired(t *testing.T) {
	t.Parallel()

	srv := tokenServer(t, "restored", http.StatusOK)
	defer srv.Close()

	store := testutil.NewFakeStore()
	pool := NewPool("kiro", store, NewRefresher(store, map[string]string{"": srv.URL}, "client"))

	past := time.Now().Add(-time.Minute)
	c := &gateway.Credential{Name: "quarantined", AccessToken: "stale", ExpiresAt: &past, RefreshToken: "rt"}
	if err := pool.Add(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < QuarantineThreshold; i++ {
		if _, err := pool.IncrementError(context.Background(), c.ID, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	if err := pool.RestoreFromError(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}
	if store.IsQuarantined(c.ID) {
		t.Fatal("still quarantined after restore")
	}
	after, err := pool.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.AccessToken != "restored" {
		t.Errorf("access token = %q", after.AccessToken)
	}
	if after.ErrorCount != 0 {
		t.Errorf("error count = %d", after.ErrorCount)
	}
}
