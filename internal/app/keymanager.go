// Package app implements application-level services for the Pylon gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/quota"
	"github.com/pylonlabs/pylon/internal/storage"
)

// KeyManager handles API key lifecycle and limit reporting.
type KeyManager struct {
	store storage.APIKeyStore
	quota *quota.Engine
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore, quota *quota.Engine) *KeyManager {
	return &KeyManager{store: store, quota: quota}
}

// CreateKeyOpts holds all fields for API key creation. Zero-valued limits
// are unlimited.
type CreateKeyOpts struct {
	Name             string
	DailyLimit       int64
	MonthlyLimit     int64
	TotalLimit       int64
	ConcurrentLimit  int64
	DailyCostLimit   float64
	MonthlyCostLimit float64
	TotalCostLimit   float64
	ExpiresInDays    int
}

// CreateKey generates a new API key with the given options, stores its hash,
// and returns the plaintext (shown once) along with the persisted record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := gateway.HashKey(plaintext)
	prefix := plaintext
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}

	key := &gateway.APIKey{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Name:             opts.Name,
		KeyHash:          hash,
		KeyPrefix:        prefix,
		Active:           true,
		DailyLimit:       opts.DailyLimit,
		MonthlyLimit:     opts.MonthlyLimit,
		TotalLimit:       opts.TotalLimit,
		ConcurrentLimit:  opts.ConcurrentLimit,
		DailyCostLimit:   opts.DailyCostLimit,
		MonthlyCostLimit: opts.MonthlyCostLimit,
		TotalCostLimit:   opts.TotalCostLimit,
		ExpiresInDays:    opts.ExpiresInDays,
		CreatedAt:        time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// GetKey returns an API key by id.
func (km *KeyManager) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	return km.store.GetKey(ctx, id)
}

// ListKeys returns all API keys.
func (km *KeyManager) ListKeys(ctx context.Context) ([]*gateway.APIKey, error) {
	return km.store.ListKeys(ctx)
}

// UpdateKey persists mutable key fields.
func (km *KeyManager) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	return km.store.UpdateKey(ctx, key)
}

// DeleteKey removes the API key with the given ID and drops its live
// counters.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	if err := km.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	if km.quota != nil {
		km.quota.Forget(id)
	}
	return nil
}

// KeyLimits pairs a key's configured limits with its live usage counters.
type KeyLimits struct {
	Key   *gateway.APIKey   `json:"key"`
	Usage *gateway.KeyUsage `json:"usage"`
}

// Limits returns the key's limits and live usage.
func (km *KeyManager) Limits(ctx context.Context, id string) (*KeyLimits, error) {
	key, err := km.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	usage, err := km.quota.Usage(ctx, id)
	if err != nil {
		return nil, err
	}
	return &KeyLimits{Key: key, Usage: usage}, nil
}
