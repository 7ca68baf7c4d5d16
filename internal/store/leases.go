package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"studio-jobcore/internal/models"
)

// TryAcquireLease records holderID as the owner of (scopeID, kind). It
// returns nil without error when another holder's lease has not expired.
// It never waits.
func (s *Store) TryAcquireLease(ctx context.Context, scopeID, kind, holderID string, ttl time.Duration) (*models.WorkflowLease, error) {
	var l models.WorkflowLease
	err := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_leases (scope_id, kind, holder_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, NOW(), NOW() + make_interval(secs => $4))
		ON CONFLICT (scope_id, kind) DO UPDATE
		SET holder_id = EXCLUDED.holder_id, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE workflow_leases.expires_at < NOW()
		RETURNING scope_id, kind, holder_id, acquired_at, expires_at
	`, scopeID, kind, holderID, seconds(ttl)).Scan(&l.ScopeID, &l.Kind, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire workflow lease: %w", err)
	}
	return &l, nil
}

// RenewLease moves the expiry of an unexpired lease held by holderID to
// now+ttl. It reports false when holderID no longer owns it.
func (s *Store) RenewLease(ctx context.Context, scopeID, kind, holderID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_leases
		SET expires_at = NOW() + make_interval(secs => $4)
		WHERE scope_id = $1 AND kind = $2 AND holder_id = $3 AND expires_at >= NOW()
	`, scopeID, kind, holderID, seconds(ttl))
	if err != nil {
		return false, fmt.Errorf("renew workflow lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease drops the lease if holderID still owns it.
func (s *Store) ReleaseLease(ctx context.Context, scopeID, kind, holderID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_leases WHERE scope_id = $1 AND kind = $2 AND holder_id = $3
	`, scopeID, kind, holderID)
	if err != nil {
		return fmt.Errorf("release workflow lease: %w", err)
	}
	return nil
}
