package app

import (
	"context"
	"strings"
	"testing"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/quota"
	"github.com/pylonlabs/pylon/internal/testutil"
)

func newKeyManager(t *testing.T) (*KeyManager, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	return NewKeyManager(store, quota.New(store)), store
}

func TestCreateKey(t *testing.T) {
	t.Parallel()
	km, store := newKeyManager(t)

	plaintext, key, err := km.CreateKey(context.Background(), CreateKeyOpts{
		Name:       "ci-bot",
		DailyLimit: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, gateway.APIKeyPrefix) {
		t.Errorf("plaintext = %q, want %s prefix", plaintext, gateway.APIKeyPrefix)
	}
	if key.KeyPrefix != plaintext[:12] {
		t.Errorf("prefix = %q", key.KeyPrefix)
	}
	if key.KeyHash != gateway.HashKey(plaintext) {
		t.Error("stored hash does not match plaintext")
	}
	if !key.Active {
		t.Error("new key not active")
	}
	if key.DailyLimit != 100 {
		t.Errorf("daily limit = %d", key.DailyLimit)
	}

	stored, err := store.GetKeyByHash(context.Background(), key.KeyHash)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != key.ID {
		t.Error("key not persisted")
	}
}

func TestCreateKeyUnique(t *testing.T) {
	t.Parallel()
	km, _ := newKeyManager(t)

	p1, _, err := km.CreateKey(context.Background(), CreateKeyOpts{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	p2, _, err := km.CreateKey(context.Background(), CreateKeyOpts{Name: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Error("generated identical keys")
	}
}

func TestLimitsReportsUsage(t *testing.T) {
	t.Parallel()
	km, _ := newKeyManager(t)

	_, key, err := km.CreateKey(context.Background(), CreateKeyOpts{Name: "a", MonthlyLimit: 50})
	if err != nil {
		t.Fatal(err)
	}
	km.quota.Record(key.ID, 0.25)

	limits, err := km.Limits(context.Background(), key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if limits.Key.MonthlyLimit != 50 {
		t.Errorf("monthly limit = %d", limits.Key.MonthlyLimit)
	}
	if limits.Usage.TotalRequests != 1 || limits.Usage.TotalCost != 0.25 {
		t.Errorf("usage = %+v", limits.Usage)
	}
}

func TestDeleteKeyForgetsCounters(t *testing.T) {
	t.Parallel()
	km, _ := newKeyManager(t)

	_, key, err := km.CreateKey(context.Background(), CreateKeyOpts{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	km.quota.Record(key.ID, 1.0)

	if err := km.DeleteKey(context.Background(), key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := km.GetKey(context.Background(), key.ID); err == nil {
		t.Error("key still present after delete")
	}

	// Counters reseed from the (empty) store once forgotten.
	u, err := km.quota.Usage(context.Background(), key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u.TotalRequests != 0 {
		t.Errorf("total requests = %d after delete", u.TotalRequests)
	}
}
