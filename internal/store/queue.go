package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Mutation statuses. Completed records are deleted rather than kept, so
// StatusCompleted never appears in a scan; it exists for the status CHECK
// and for summaries.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Mutation is one queued offline write awaiting replay.
type Mutation struct {
	ID             int64
	Action         string
	Payload        []byte
	Status         string
	RetryCount     int
	Priority       int
	IdempotencyKey string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InsertMutation appends a pending mutation and returns its id.
// Ids are AUTOINCREMENT, so they are locally unique and monotonic.
func (s *Store) InsertMutation(ctx context.Context, m Mutation) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_mutations
		(action, payload, status, retry_count, priority, idempotency_key, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, '', ?, ?)
	`,
		m.Action,
		m.Payload,
		StatusPending,
		m.Priority,
		m.IdempotencyKey,
		m.CreatedAt.UnixMilli(),
		m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert mutation %s: %w", m.Action, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert mutation %s: last insert id: %w", m.Action, err)
	}
	return id, nil
}

// SelectReplayable returns every mutation eligible for the next drain pass:
// pending records plus failed records still under the retry ceiling, ordered
// by (priority ASC, created_at ASC, id ASC). Lower priority drains first;
// ties break by insertion order.
func (s *Store) SelectReplayable(ctx context.Context, retryCeiling int) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, payload, status, retry_count, priority, idempotency_key, last_error, created_at, updated_at
		FROM queued_mutations
		WHERE status = ? OR (status = ? AND retry_count <= ?)
		ORDER BY priority ASC, created_at ASC, id ASC
	`, StatusPending, StatusFailed, retryCeiling)
	if err != nil {
		return nil, fmt.Errorf("select replayable mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// GetMutation reads one mutation by id. Returns (nil, nil) when absent.
func (s *Store) GetMutation(ctx context.Context, id int64) (*Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, payload, status, retry_count, priority, idempotency_key, last_error, created_at, updated_at
		FROM queued_mutations
		WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get mutation %d: %w", id, err)
	}
	defer rows.Close()

	muts, err := scanMutations(rows)
	if err != nil {
		return nil, err
	}
	if len(muts) == 0 {
		return nil, nil
	}
	return &muts[0], nil
}

// UpdateMutationStatus moves a mutation to the given status.
func (s *Store) UpdateMutationStatus(ctx context.Context, id int64, status string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queued_mutations SET status = ?, updated_at = ? WHERE id = ?
	`, status, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update mutation %d status: %w", id, err)
	}
	return nil
}

// FailMutation marks a mutation failed, records the cause, and increments
// its retry count. Returns the new retry count so the caller can apply the
// retry ceiling.
func (s *Store) FailMutation(ctx context.Context, id int64, cause string, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fail mutation %d: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		UPDATE queued_mutations
		SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, StatusFailed, cause, now.UnixMilli(), id)
	if err != nil {
		return 0, fmt.Errorf("fail mutation %d: %w", id, err)
	}

	var retryCount int
	err = tx.QueryRowContext(ctx, `
		SELECT retry_count FROM queued_mutations WHERE id = ?
	`, id).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted concurrently - nothing left to count
		return 0, tx.Commit()
	}
	if err != nil {
		return 0, fmt.Errorf("fail mutation %d: read retry count: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("fail mutation %d: commit: %w", id, err)
	}
	return retryCount, nil
}

// DeleteMutation removes a mutation.
// Idempotent: deleting an absent record is a no-op.
func (s *Store) DeleteMutation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mutation %d: %w", id, err)
	}
	return nil
}

// ResetProcessingBefore returns any processing mutation last touched before
// the cutoff back to pending. A record stuck in processing means a previous
// pass's host context was torn down mid-replay; the next pass must treat it
// as pending again or it is stuck forever.
func (s *Store) ResetProcessingBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_mutations
		SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, StatusPending, now.UnixMilli(), StatusProcessing, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reset stuck mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stuck mutations: rows affected: %w", err)
	}
	return n, nil
}

func scanMutations(rows *sql.Rows) ([]Mutation, error) {
	var muts []Mutation
	for rows.Next() {
		var (
			m         Mutation
			createdAt int64
			updatedAt int64
		)
		err := rows.Scan(
			&m.ID,
			&m.Action,
			&m.Payload,
			&m.Status,
			&m.RetryCount,
			&m.Priority,
			&m.IdempotencyKey,
			&m.LastError,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		m.UpdatedAt = time.UnixMilli(updatedAt)
		muts = append(muts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan mutations: %w", err)
	}
	return muts, nil
}
