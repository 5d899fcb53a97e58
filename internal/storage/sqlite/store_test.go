package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCredential(id, provider, name string) *gateway.Credential {
	now := time.Now().UTC().Truncate(time.Second)
	return &gateway.Credential{
		ID:           id,
		Provider:     provider,
		Name:         name,
		AccessToken:  "at-" + id,
		RefreshToken: "rt-" + id,
		AuthMethod:   "social",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCredentialRoundtrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	c := testCredential("c1", "kiro", "main")
	c.Region = "eu-west-1"
	if err := s.AddCredential(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCredential(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "main" || got.AccessToken != "at-c1" || got.Region != "eu-west-1" {
		t.Errorf("got = %+v", got)
	}

	byName, err := s.GetCredentialByName(ctx, "kiro", "main")
	if err != nil {
		t.Fatal(err)
	}
	if byName.ID != "c1" {
		t.Errorf("byName.ID = %q", byName.ID)
	}

	if _, err := s.GetCredential(ctx, "nope"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing credential: err = %v", err)
	}
}

func TestSetActiveCredentialClearsPeers(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	a := testCredential("a", "kiro", "first")
	a.Active = true
	b := testCredential("b", "kiro", "second")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	other := testCredential("o", "warp", "unrelated")
	other.Active = true
	for _, c := range []*gateway.Credential{a, b, other} {
		if err := s.AddCredential(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.SetActiveCredential(ctx, "kiro", "b"); err != nil {
		t.Fatal(err)
	}

	creds, err := s.ListCredentials(ctx, "kiro", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 2 || creds[0].ID != "a" || creds[1].ID != "b" {
		t.Fatalf("creds = %+v", creds)
	}
	if creds[0].Active || !creds[1].Active {
		t.Errorf("active flags = %v/%v", creds[0].Active, creds[1].Active)
	}

	// The other provider's active flag is untouched.
	o, err := s.GetCredential(ctx, "o")
	if err != nil {
		t.Fatal(err)
	}
	if !o.Active {
		t.Error("other provider's credential lost its active flag")
	}
}

func TestCredentialErrorsAndQuarantine(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	if err := s.AddCredential(ctx, testCredential("c1", "kiro", "main")); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementCredentialError(ctx, "c1", "boom")
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("count = %d, want %d", n, i)
		}
	}
	if err := s.SetCredentialQuarantined(ctx, "c1", true); err != nil {
		t.Fatal(err)
	}

	selectable, err := s.ListCredentials(ctx, "kiro", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(selectable) != 0 {
		t.Errorf("quarantined credential still selectable: %+v", selectable)
	}
	quarantined, err := s.ListQuarantined(ctx, "kiro")
	if err != nil {
		t.Fatal(err)
	}
	if len(quarantined) != 1 || quarantined[0].LastError != "boom" {
		t.Fatalf("quarantined = %+v", quarantined)
	}

	if err := s.ResetCredentialError(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCredential(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorCount != 0 || got.LastError != "" {
		t.Errorf("after reset: %+v", got)
	}
	selectable, err = s.ListCredentials(ctx, "kiro", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(selectable) != 1 {
		t.Error("reset did not lift quarantine")
	}
}

func TestUpdateCredentialToken(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	if err := s.AddCredential(ctx, testCredential("c1", "kiro", "main")); err != nil {
		t.Fatal(err)
	}
	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := s.UpdateCredentialToken(ctx, "c1", "fresh", &exp); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCredential(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "fresh" {
		t.Errorf("token = %q", got.AccessToken)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expires = %v, want %v", got.ExpiresAt, exp)
	}

	if err := s.UpdateCredentialToken(ctx, "nope", "x", nil); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing credential: err = %v", err)
	}
}

func TestAPIKeyRoundtrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	key := &gateway.APIKey{
		ID:         "k1",
		Name:       "ci",
		KeyHash:    "hash-1",
		KeyPrefix:  "pyl_abcd",
		Active:     true,
		DailyLimit: 100,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	byHash, err := s.GetKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	if byHash.ID != "k1" || byHash.DailyLimit != 100 {
		t.Errorf("byHash = %+v", byHash)
	}

	key.Active = false
	key.MonthlyCostLimit = 12.5
	if err := s.UpdateKey(ctx, key); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetKey(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || got.MonthlyCostLimit != 12.5 {
		t.Errorf("after update: %+v", got)
	}

	if err := s.TouchKeyUsed(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetKey(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not set")
	}

	if err := s.DeleteKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetKey(ctx, "k1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("deleted key: err = %v", err)
	}
}

func TestUsageTotalsWindows(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	records := []gateway.UsageRecord{
		{ID: "u1", KeyID: "k1", Provider: "kiro", CostUSD: 0.5, CreatedAt: now},
		{ID: "u2", KeyID: "k1", Provider: "kiro", CostUSD: 0.25, CreatedAt: monthStart.AddDate(0, 0, -1)},
		{ID: "u3", KeyID: "other", Provider: "kiro", CostUSD: 9, CreatedAt: now},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	u, err := s.UsageTotals(ctx, "k1", dayStart, monthStart)
	if err != nil {
		t.Fatal(err)
	}
	if u.TotalRequests != 2 || u.DailyRequests != 1 || u.MonthlyRequests != 1 {
		t.Errorf("requests = %d/%d/%d", u.DailyRequests, u.MonthlyRequests, u.TotalRequests)
	}
	if u.TotalCost != 0.75 || u.DailyCost != 0.5 {
		t.Errorf("cost = %v daily, %v total", u.DailyCost, u.TotalCost)
	}
}

func TestPruneUsage(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []gateway.UsageRecord{
		{ID: "old", KeyID: "k1", Provider: "kiro", CreatedAt: now.AddDate(0, 0, -120)},
		{ID: "recent", KeyID: "k1", Provider: "kiro", CreatedAt: now},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneUsage(ctx, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	u, err := s.UsageTotals(ctx, "k1", now, now)
	if err != nil {
		t.Fatal(err)
	}
	if u.TotalRequests != 1 {
		t.Errorf("remaining = %d, want 1", u.TotalRequests)
	}
}
