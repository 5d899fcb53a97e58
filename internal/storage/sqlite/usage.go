package sqlite

import (
	"context"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
)

// InsertUsage inserts a batch of usage records in one transaction.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_records (id, key_id, provider, model, credential_id,
		 input_tokens, output_tokens, cost_usd, latency_ms, status_code, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.KeyID, r.Provider, r.Model, r.CredentialID,
			r.InputTokens, r.OutputTokens, r.CostUSD, r.LatencyMs,
			r.StatusCode, r.RequestID, r.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UsageTotals aggregates persisted usage for a key over the total, daily,
// and monthly windows. Window starts are UTC instants.
func (s *Store) UsageTotals(ctx context.Context, keyID string, dayStart, monthStart time.Time) (*gateway.KeyUsage, error) {
	var u gateway.KeyUsage
	err := s.read.QueryRowContext(ctx,
		`SELECT
		   COUNT(*),
		   COALESCE(SUM(cost_usd), 0),
		   COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN created_at >= ? THEN cost_usd ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN created_at >= ? THEN cost_usd ELSE 0 END), 0)
		 FROM usage_records WHERE key_id = ?`,
		dayStart.UTC().Format(time.RFC3339), dayStart.UTC().Format(time.RFC3339),
		monthStart.UTC().Format(time.RFC3339), monthStart.UTC().Format(time.RFC3339),
		keyID,
	).Scan(&u.TotalRequests, &u.TotalCost, &u.DailyRequests, &u.DailyCost,
		&u.MonthlyRequests, &u.MonthlyCost)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PruneUsage deletes usage records created before the cutoff.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_records WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
