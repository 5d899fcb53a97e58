package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/storage"
)

// Bootstrap seeds the database from the config file on first run.
// Existing credentials and keys are left untouched.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	now := time.Now().UTC()

	for _, c := range cfg.Credentials {
		if c.Provider == "" || c.Name == "" {
			continue
		}
		existing, _ := store.GetCredentialByName(ctx, c.Provider, c.Name)
		if existing != nil {
			continue
		}
		cred := &gateway.Credential{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Provider:     c.Provider,
			Name:         c.Name,
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
			AuthMethod:   c.AuthMethod,
			Region:       c.Region,
			ProfileID:    c.ProfileID,
			Active:       c.Active,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.AddCredential(ctx, cred); err != nil {
			return err
		}
		slog.Info("bootstrapped credential", "provider", c.Provider, "name", c.Name)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)
		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		key := &gateway.APIKey{
			ID:               uuid.Must(uuid.NewV7()).String(),
			Name:             k.Name,
			KeyHash:          hash,
			KeyPrefix:        prefix,
			Active:           true,
			DailyLimit:       orDefault(k.DailyLimit, cfg.Quota.DailyLimit),
			MonthlyLimit:     orDefault(k.MonthlyLimit, cfg.Quota.MonthlyLimit),
			TotalLimit:       orDefault(k.TotalLimit, cfg.Quota.TotalLimit),
			ConcurrentLimit:  orDefault(k.ConcurrentLimit, cfg.Quota.ConcurrentLimit),
			DailyCostLimit:   orDefault(k.DailyCostLimit, cfg.Quota.DailyCostLimit),
			MonthlyCostLimit: orDefault(k.MonthlyCostLimit, 0),
			TotalCostLimit:   orDefault(k.TotalCostLimit, 0),
			ExpiresInDays:    k.ExpiresInDays,
			CreatedAt:        now,
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}

	return nil
}

func orDefault[T int64 | float64](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
