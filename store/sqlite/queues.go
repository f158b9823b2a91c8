package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/welfare-ledger/jobs"
	"github.com/warp/welfare-ledger/ledger"
)

// =============================================================================
// RECEIPT STORE - scrape queue
// =============================================================================

// ListUnscraped returns non-deleted consumptions with a receipt and no
// purchase data, oldest first. maxAttempts 0 means no cap.
func (s *Store) ListUnscraped(ctx context.Context, limit, maxAttempts int) ([]ledger.Consumption, error) {
	query := `SELECT ` + consumptionColumns + ` FROM consumptions
		WHERE receipt_id IS NOT NULL AND purchase_data IS NULL AND deleted_at IS NULL`
	var args []any
	if maxAttempts > 0 {
		query += ` AND scrape_attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryConsumptions(ctx, s.db, query, args...)
}

func (s *Store) SavePurchaseData(ctx context.Context, id ledger.ConsumptionID, data ledger.PurchaseData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := marshalPurchase(&data)
	if err != nil {
		return err
	}
	return s.updateConsumption(ctx, id, `UPDATE consumptions SET purchase_data = ?, last_scrape_error = NULL WHERE id = ?`, raw, id)
}

func (s *Store) RecordScrapeFailure(ctx context.Context, id ledger.ConsumptionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateConsumption(ctx, id, `
		UPDATE consumptions SET scrape_attempts = scrape_attempts + 1, last_scrape_error = ?
		WHERE id = ?
	`, reason, id)
}

// =============================================================================
// VALIDATION STORE - review queue and catalog
// =============================================================================

// ListUnreviewed returns non-deleted consumptions without reviewed_at, oldest
// first. withData restricts the queue to consumptions already scraped.
func (s *Store) ListUnreviewed(ctx context.Context, limit int, withData bool) ([]ledger.Consumption, error) {
	query := `SELECT ` + consumptionColumns + ` FROM consumptions
		WHERE reviewed_at IS NULL AND deleted_at IS NULL`
	if withData {
		query += ` AND purchase_data IS NOT NULL`
	}
	query += ` ORDER BY id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryConsumptions(ctx, s.db, query, args...)
}

func (s *Store) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	return queryProducts(ctx, s.db, `SELECT id, name, valid, created_at FROM products ORDER BY id`)
}

func (s *Store) MarkReviewed(ctx context.Context, id ledger.ConsumptionID, invalid decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateConsumption(ctx, id, `
		UPDATE consumptions SET invalid_value = ?, reviewed_at = ? WHERE id = ?
	`, invalid.String(), formatTime(at), id)
}

func (s *Store) updateConsumption(ctx context.Context, id ledger.ConsumptionID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update consumption %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update consumption %d: %w", id, err)
	}
	if n == 0 {
		return ledger.ErrConsumptionNotFound
	}
	return nil
}

// =============================================================================
// JOB RUNS
// =============================================================================

// SaveJobRun upserts a run record.
func (s *Store) SaveJobRun(ctx context.Context, run jobs.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job, status, processed, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		run.ID, run.Job, run.Status, run.Processed, run.Failed,
		nullString(run.Error), formatTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

// ListJobRuns returns runs newest first. An empty job lists all jobs.
func (s *Store) ListJobRuns(ctx context.Context, job string, limit int) ([]jobs.JobRun, error) {
	query := `SELECT id, job, status, processed, failed, error, started_at, completed_at FROM job_runs`
	var args []any
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	var out []jobs.JobRun
	for rows.Next() {
		var (
			r         jobs.JobRun
			errMsg    sql.NullString
			started   string
			completed sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &r.Processed, &r.Failed, &errMsg, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		r.Error = errMsg.String
		r.StartedAt = parseTime(started)
		r.CompletedAt = timePtr(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}
