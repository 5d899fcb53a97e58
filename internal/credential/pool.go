// Package credential manages per-provider upstream credentials: selection,
// token refresh, error accounting, and quarantine.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/storage"
)

// QuarantineThreshold is the error count at which a credential stops being
// selectable until explicitly rehabilitated.
const QuarantineThreshold = 3

// Pool is the credential collection for one provider. All mutations go
// through the store so concurrent requests observe atomic state.
type Pool struct {
	provider  string
	store     storage.CredentialStore
	refresher *Refresher
}

// NewPool creates a pool over the given provider's credentials.
func NewPool(provider string, store storage.CredentialStore, refresher *Refresher) *Pool {
	return &Pool{provider: provider, store: store, refresher: refresher}
}

// Provider returns the provider tag this pool serves.
func (p *Pool) Provider() string { return p.provider }

// Add inserts a credential, minting an id when absent.
func (p *Pool) Add(ctx context.Context, c *gateway.Credential) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	c.Provider = p.provider
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return p.store.AddCredential(ctx, c)
}

// List returns the pool's selectable credentials in creation order.
func (p *Pool) List(ctx context.Context) ([]*gateway.Credential, error) {
	return p.store.ListCredentials(ctx, p.provider, false)
}

// Get returns a credential by id.
func (p *Pool) Get(ctx context.Context, id string) (*gateway.Credential, error) {
	return p.store.GetCredential(ctx, id)
}

// GetByName returns a credential by display name.
func (p *Pool) GetByName(ctx context.Context, name string) (*gateway.Credential, error) {
	return p.store.GetCredentialByName(ctx, p.provider, name)
}

// Update persists mutable credential fields.
func (p *Pool) Update(ctx context.Context, c *gateway.Credential) error {
	return p.store.UpdateCredential(ctx, c)
}

// Delete removes a credential.
func (p *Pool) Delete(ctx context.Context, id string) error {
	return p.store.DeleteCredential(ctx, id)
}

// SetActive marks id as the pool's single active credential.
func (p *Pool) SetActive(ctx context.Context, id string) error {
	return p.store.SetActiveCredential(ctx, p.provider, id)
}

// GetActive returns the credential callers should use: the one marked
// active, or the first in creation order when none is marked.
func (p *Pool) GetActive(ctx context.Context) (*gateway.Credential, error) {
	creds, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: provider %s has no credentials", gateway.ErrNoCredential, p.provider)
	}
	for _, c := range creds {
		if c.Active {
			return c, nil
		}
	}
	return creds[0], nil
}

// GetRandomActive returns a uniformly random selectable credential.
func (p *Pool) GetRandomActive(ctx context.Context) (*gateway.Credential, error) {
	creds, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: provider %s has no credentials", gateway.ErrNoCredential, p.provider)
	}
	return creds[rand.IntN(len(creds))], nil
}

// IncrementError bumps a credential's error count and quarantines it once
// the count crosses the threshold. Returns the new count.
func (p *Pool) IncrementError(ctx context.Context, id, reason string) (int, error) {
	count, err := p.store.IncrementCredentialError(ctx, id, reason)
	if err != nil {
		return 0, err
	}
	if count >= QuarantineThreshold {
		if err := p.store.SetCredentialQuarantined(ctx, id, true); err != nil {
			return count, err
		}
		slog.Warn("credential quarantined",
			"provider", p.provider, "credential_id", id, "error_count", count, "reason", reason)
	}
	return count, nil
}

// ResetError clears a credential's error state and lifts quarantine.
func (p *Pool) ResetError(ctx context.Context, id string) error {
	return p.store.ResetCredentialError(ctx, id)
}

// UpdateToken rotates a credential's access token in place.
func (p *Pool) UpdateToken(ctx context.Context, id, accessToken string, expiresAt *time.Time) error {
	return p.store.UpdateCredentialToken(ctx, id, accessToken, expiresAt)
}

// Errors lists the quarantined credentials (the error bucket).
func (p *Pool) Errors(ctx context.Context) ([]*gateway.Credential, error) {
	return p.store.ListQuarantined(ctx, p.provider)
}

// DeleteError removes a quarantined credential permanently.
func (p *Pool) DeleteError(ctx context.Context, id string) error {
	c, err := p.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if !isQuarantined(ctx, p, c) {
		return fmt.Errorf("%w: credential %s is not quarantined", gateway.ErrBadRequest, id)
	}
	return p.store.DeleteCredential(ctx, id)
}

// RestoreFromError rehabilitates a quarantined credential: the token is
// validated (refreshing when expired) and the error state cleared.
func (p *Pool) RestoreFromError(ctx context.Context, id string) error {
	c, err := p.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if p.refresher != nil && p.refresher.Expired(c) {
		if _, err := p.refresher.Refresh(ctx, c); err != nil {
			return fmt.Errorf("restore credential %s: %w", id, err)
		}
	}
	return p.store.ResetCredentialError(ctx, id)
}

// FreshToken returns a currently valid access token for the credential,
// refreshing through the pool when the stored token is missing or expired.
// All token access funnels through here; engines never cache tokens beyond
// one call.
func (p *Pool) FreshToken(ctx context.Context, id string) (string, error) {
	c, err := p.store.GetCredential(ctx, id)
	if err != nil {
		return "", err
	}
	if p.refresher == nil || !p.refresher.Expired(c) {
		return c.AccessToken, nil
	}
	token, err := p.refresher.Refresh(ctx, c)
	if err != nil {
		if _, incErr := p.IncrementError(ctx, id, "token refresh failed: "+err.Error()); incErr != nil {
			slog.Error("recording refresh failure", "credential_id", id, "err", incErr)
		}
		return "", fmt.Errorf("%w: %v", gateway.ErrAuthFailed, err)
	}
	return token, nil
}

// Lease selects the active credential and records the use. The returned
// credential is a snapshot; tokens must still be fetched via FreshToken.
func (p *Pool) Lease(ctx context.Context) (*gateway.Credential, error) {
	c, err := p.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.store.IncrementCredentialUse(ctx, c.ID); err != nil {
		slog.Warn("recording credential use", "credential_id", c.ID, "err", err)
	}
	return c, nil
}

func isQuarantined(ctx context.Context, p *Pool, c *gateway.Credential) bool {
	quarantined, err := p.store.ListQuarantined(ctx, p.provider)
	if err != nil {
		return false
	}
	for _, q := range quarantined {
		if q.ID == c.ID {
			return true
		}
	}
	return false
}
