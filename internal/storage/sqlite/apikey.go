package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
)

const apiKeyCols = `id, name, key_hash, key_prefix, active, daily_limit, monthly_limit,
	total_limit, concurrent_limit, daily_cost_limit, monthly_cost_limit, total_cost_limit,
	expires_in_days, created_at, last_used_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, active, daily_limit,
		 monthly_limit, total_limit, concurrent_limit, daily_cost_limit,
		 monthly_cost_limit, total_cost_limit, expires_in_days, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, boolToInt(key.Active),
		key.DailyLimit, key.MonthlyLimit, key.TotalLimit, key.ConcurrentLimit,
		key.DailyCostLimit, key.MonthlyCostLimit, key.TotalCostLimit,
		key.ExpiresInDays, key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns all API keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates an existing API key's name, active flag, and limits.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, active=?, daily_limit=?, monthly_limit=?,
		 total_limit=?, concurrent_limit=?, daily_cost_limit=?, monthly_cost_limit=?,
		 total_cost_limit=?, expires_in_days=? WHERE id=?`,
		key.Name, boolToInt(key.Active), key.DailyLimit, key.MonthlyLimit,
		key.TotalLimit, key.ConcurrentLimit, key.DailyCostLimit, key.MonthlyCostLimit,
		key.TotalCostLimit, key.ExpiresInDays, key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`, nowStr(), id)
	return err
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var active int
	var createdAt, lastUsedAt sql.NullString

	err := sc.Scan(
		&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &active, &k.DailyLimit,
		&k.MonthlyLimit, &k.TotalLimit, &k.ConcurrentLimit, &k.DailyCostLimit,
		&k.MonthlyCostLimit, &k.TotalCostLimit, &k.ExpiresInDays, &createdAt, &lastUsedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Active = active != 0
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
