package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
)

// AddCredential inserts a new credential.
func (s *Store) AddCredential(ctx context.Context, c *gateway.Credential) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credentials (id, provider, name, access_token, refresh_token, expires_at,
		 auth_method, region, profile_id, error_count, last_error, active, quarantined,
		 use_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		c.ID, c.Provider, c.Name, c.AccessToken, c.RefreshToken, timeToStr(c.ExpiresAt),
		c.AuthMethod, c.Region, c.ProfileID, c.ErrorCount, c.LastError, boolToInt(c.Active),
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const credentialCols = `id, provider, name, access_token, refresh_token, expires_at,
	auth_method, region, profile_id, error_count, last_error, active, quarantined,
	use_count, created_at, updated_at`

// GetCredential retrieves a credential by id.
func (s *Store) GetCredential(ctx context.Context, id string) (*gateway.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// GetCredentialByName retrieves a credential by provider and display name.
func (s *Store) GetCredentialByName(ctx context.Context, provider, name string) (*gateway.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE provider = ? AND name = ?`,
		provider, name)
	return scanCredential(row)
}

// ListCredentials returns credentials for a provider in creation order.
func (s *Store) ListCredentials(ctx context.Context, provider string, includeQuarantined bool) ([]*gateway.Credential, error) {
	q := `SELECT ` + credentialCols + ` FROM credentials WHERE provider = ?`
	if !includeQuarantined {
		q += ` AND quarantined = 0`
	}
	q += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.read.QueryContext(ctx, q, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCredentials(rows)
}

// ListQuarantined returns quarantined credentials for a provider.
func (s *Store) ListQuarantined(ctx context.Context, provider string) ([]*gateway.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+credentialCols+` FROM credentials
		 WHERE provider = ? AND quarantined = 1 ORDER BY created_at ASC, id ASC`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCredentials(rows)
}

// UpdateCredential updates mutable credential fields.
func (s *Store) UpdateCredential(ctx context.Context, c *gateway.Credential) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET name=?, access_token=?, refresh_token=?, expires_at=?,
		 auth_method=?, region=?, profile_id=?, updated_at=? WHERE id=?`,
		c.Name, c.AccessToken, c.RefreshToken, timeToStr(c.ExpiresAt),
		c.AuthMethod, c.Region, c.ProfileID, nowStr(), c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// SetActiveCredential marks id active and clears the flag on all other
// credentials of the provider inside one transaction.
func (s *Store) SetActiveCredential(ctx context.Context, provider, id string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET active=0, updated_at=? WHERE provider=? AND active=1`,
		nowStr(), provider); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE credentials SET active=1, updated_at=? WHERE id=? AND provider=?`,
		nowStr(), id, provider)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "credential"); err != nil {
		return err
	}
	return tx.Commit()
}

// IncrementCredentialError bumps the error counter and records the reason.
func (s *Store) IncrementCredentialError(ctx context.Context, id, reason string) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET error_count=error_count+1, last_error=?, updated_at=? WHERE id=?`,
		reason, nowStr(), id)
	if err != nil {
		return 0, err
	}
	if err := checkRowsAffected(result, "credential"); err != nil {
		return 0, err
	}
	var count int
	err = s.read.QueryRowContext(ctx, `SELECT error_count FROM credentials WHERE id=?`, id).Scan(&count)
	return count, notFoundErr(err)
}

// ResetCredentialError clears the error counter and last error reason.
func (s *Store) ResetCredentialError(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET error_count=0, last_error='', quarantined=0, updated_at=? WHERE id=?`,
		nowStr(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// SetCredentialQuarantined moves a credential in or out of the error bucket.
func (s *Store) SetCredentialQuarantined(ctx context.Context, id string, quarantined bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET quarantined=?, active = CASE WHEN ? THEN 0 ELSE active END,
		 updated_at=? WHERE id=?`,
		boolToInt(quarantined), boolToInt(quarantined), nowStr(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// UpdateCredentialToken rotates the access token in place.
func (s *Store) UpdateCredentialToken(ctx context.Context, id, accessToken string, expiresAt *time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET access_token=?, expires_at=?, updated_at=? WHERE id=?`,
		accessToken, timeToStr(expiresAt), nowStr(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// IncrementCredentialUse bumps the use counter.
func (s *Store) IncrementCredentialUse(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET use_count=use_count+1, updated_at=? WHERE id=?`,
		nowStr(), id)
	return err
}

func collectCredentials(rows *sql.Rows) ([]*gateway.Credential, error) {
	var out []*gateway.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCredential(sc scanner) (*gateway.Credential, error) {
	var c gateway.Credential
	var expiresAt, createdAt, updatedAt sql.NullString
	var active, quarantined int

	err := sc.Scan(
		&c.ID, &c.Provider, &c.Name, &c.AccessToken, &c.RefreshToken, &expiresAt,
		&c.AuthMethod, &c.Region, &c.ProfileID, &c.ErrorCount, &c.LastError,
		&active, &quarantined, &c.UseCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	c.Active = active != 0
	c.ExpiresAt = parseTime(expiresAt)
	if t := parseTime(createdAt); t != nil {
		c.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		c.UpdatedAt = *t
	}
	return &c, nil
}

// helpers shared across store files

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nowStr() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
