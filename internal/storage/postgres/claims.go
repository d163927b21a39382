package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/steveyegge/claims/internal/storage/sqlq"
	"github.com/steveyegge/claims/internal/types"
)

// execer is satisfied by *pgxpool.Pool and pgx.Tx
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertClaim(ctx context.Context, db execer, c *types.Claim) error {
	args, err := sqlq.ClaimArgs(dialect, c)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, sqlq.UpsertClaim(dialect), args...); err != nil {
		return fmt.Errorf("failed to save claim %s: %w", c.ID, classify(err))
	}
	return nil
}

// SaveClaim inserts or replaces a claim row
func (s *PostgresStorage) SaveClaim(ctx context.Context, c *types.Claim) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return upsertClaim(ctx, s.pool, c)
}

// UpdateClaim replaces an existing claim row
func (s *PostgresStorage) UpdateClaim(ctx context.Context, c *types.Claim) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists int
	err = tx.QueryRow(ctx, "SELECT 1 FROM claims WHERE id = $1 FOR UPDATE", c.ID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: claim %s", types.ErrNotFound, c.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to check claim: %w", classify(err))
	}
	if err := upsertClaim(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit claim update: %w", classify(err))
	}
	return nil
}

// DeleteClaim purges a claim row. The event log is kept.
func (s *PostgresStorage) DeleteClaim(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM claims WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete claim: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: claim %s", types.ErrNotFound, id)
	}
	return nil
}

// GetClaim returns a claim by id, or nil
func (s *PostgresStorage) GetClaim(ctx context.Context, id string) (*types.Claim, error) {
	query, args := sqlq.Claims(dialect).Where("id = ?", id).Build()
	return s.queryOne(ctx, query, args...)
}

// FindByIssue returns the active claim on an issue, or nil
func (s *PostgresStorage) FindByIssue(ctx context.Context, issueID, repository string) (*types.Claim, error) {
	query, args := sqlq.FindByIssue(dialect, issueID, repository)
	return s.queryOne(ctx, query, args...)
}

// FindByClaimant returns every claim currently held by a claimant
func (s *PostgresStorage) FindByClaimant(ctx context.Context, claimantID string) ([]*types.Claim, error) {
	query, args := sqlq.FindByClaimant(dialect, claimantID)
	return s.queryClaims(ctx, query, args...)
}

// FindStealable returns stealable claims open to agentType ("" = any)
func (s *PostgresStorage) FindStealable(ctx context.Context, agentType types.ClaimantType) ([]*types.Claim, error) {
	query, args := sqlq.FindStealable(dialect, agentType)
	return s.queryClaims(ctx, query, args...)
}

// FindContested returns claims with an open contest
func (s *PostgresStorage) FindContested(ctx context.Context) ([]*types.Claim, error) {
	query, args := sqlq.FindContested(dialect)
	return s.queryClaims(ctx, query, args...)
}

// FindStale returns active claims idle since before staleSince
func (s *PostgresStorage) FindStale(ctx context.Context, staleSince time.Time) ([]*types.Claim, error) {
	query, args := sqlq.FindStale(dialect, staleSince)
	return s.queryClaims(ctx, query, args...)
}

// FindPendingHandoffs returns claims waiting for a handoff decision
func (s *PostgresStorage) FindPendingHandoffs(ctx context.Context) ([]*types.Claim, error) {
	query, args := sqlq.FindByStatus(dialect, types.StatusPendingHandoff)
	return s.queryClaims(ctx, query, args...)
}

// QueryClaims filters, sorts and paginates the view
func (s *PostgresStorage) QueryClaims(ctx context.Context, q types.ClaimQuery) ([]*types.Claim, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	query, args := sqlq.QueryClaims(dialect, q)
	return s.queryClaims(ctx, query, args...)
}

// ListClaims returns every claim in the view
func (s *PostgresStorage) ListClaims(ctx context.Context) ([]*types.Claim, error) {
	query, args := sqlq.ListClaims(dialect)
	return s.queryClaims(ctx, query, args...)
}

// GetStatistics aggregates the view with SQL
func (s *PostgresStorage) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	stats := types.NewStatistics()
	q := sqlq.Statistics(dialect)

	if err := s.groupCounts(ctx, q.ByStatus, func(k string, n int) { stats.ByStatus[types.ClaimStatus(k)] = n }); err != nil {
		return nil, err
	}
	if err := s.groupCounts(ctx, q.ByClaimantType, func(k string, n int) { stats.ByClaimantType[types.ClaimantType(k)] = n }); err != nil {
		return nil, err
	}
	if err := s.groupCounts(ctx, q.ByRepository, func(k string, n int) { stats.ByRepository[k] = n }); err != nil {
		return nil, err
	}

	if err := s.pool.QueryRow(ctx, q.Totals).Scan(&stats.Total, &stats.AverageProgress); err != nil {
		return nil, fmt.Errorf("failed to get totals: %w", classify(err))
	}

	var completed int
	var avgNanos float64
	if err := s.pool.QueryRow(ctx, q.Completed, string(types.StatusCompleted)).Scan(&completed, &avgNanos); err != nil {
		return nil, fmt.Errorf("failed to get completion stats: %w", classify(err))
	}
	stats.AverageDuration = time.Duration(avgNanos)

	since := time.Now().Add(-24 * time.Hour)
	if err := s.pool.QueryRow(ctx, q.Recent, string(types.StatusCompleted), dialect.Time(since)).Scan(&stats.CompletedLast24h); err != nil {
		return nil, fmt.Errorf("failed to count recent completions: %w", classify(err))
	}
	return stats, nil
}

func (s *PostgresStorage) groupCounts(ctx context.Context, query string, set func(key string, n int)) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query statistics: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan statistics: %w", err)
		}
		set(key, n)
	}
	return rows.Err()
}

func (s *PostgresStorage) queryOne(ctx context.Context, query string, args ...any) (*types.Claim, error) {
	claims, err := s.queryClaims(ctx, query, args...)
	if err != nil || len(claims) == 0 {
		return nil, err
	}
	return claims[0], nil
}

func (s *PostgresStorage) queryClaims(ctx context.Context, query string, args ...any) ([]*types.Claim, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", classify(err))
	}
	defer rows.Close()

	out := []*types.Claim{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		c, err := sqlq.DecodeClaim(data)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claims: %w", classify(err))
	}
	return out, nil
}
