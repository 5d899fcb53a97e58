// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
)

// CredentialStore manages upstream credential persistence. Mutating
// operations are atomic; the sqlite implementation serializes them on a
// single writer connection.
type CredentialStore interface {
	AddCredential(ctx context.Context, c *gateway.Credential) error
	GetCredential(ctx context.Context, id string) (*gateway.Credential, error)
	GetCredentialByName(ctx context.Context, provider, name string) (*gateway.Credential, error)
	// ListCredentials returns credentials for a provider in creation order.
	// Quarantined credentials are excluded unless includeQuarantined is set.
	ListCredentials(ctx context.Context, provider string, includeQuarantined bool) ([]*gateway.Credential, error)
	ListQuarantined(ctx context.Context, provider string) ([]*gateway.Credential, error)
	UpdateCredential(ctx context.Context, c *gateway.Credential) error
	DeleteCredential(ctx context.Context, id string) error
	// SetActiveCredential marks id active and clears the flag on every other
	// credential of the same provider in one transaction.
	SetActiveCredential(ctx context.Context, provider, id string) error
	// IncrementCredentialError bumps the error counter and records the
	// reason, returning the new count.
	IncrementCredentialError(ctx context.Context, id, reason string) (int, error)
	ResetCredentialError(ctx context.Context, id string) error
	SetCredentialQuarantined(ctx context.Context, id string, quarantined bool) error
	// UpdateCredentialToken rotates the access token in place.
	UpdateCredentialToken(ctx context.Context, id, accessToken string, expiresAt *time.Time) error
	IncrementCredentialUse(ctx context.Context, id string) error
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	// UsageTotals aggregates persisted usage for a key: total counters plus
	// the daily and monthly windows starting at the given UTC instants.
	// Used to reseed quota counters after a restart.
	UsageTotals(ctx context.Context, keyID string, dayStart, monthStart time.Time) (*gateway.KeyUsage, error)
	// PruneUsage deletes usage records created before the cutoff, returning
	// the number removed.
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	CredentialStore
	APIKeyStore
	UsageStore
	Close() error
}
