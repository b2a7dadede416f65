// Package audit implements the durable file audit store. It is the single
// source of truth for which file is processing for a given queue name, so
// every status transition goes through a conditional write; the store never
// reads then blindly writes.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/vaxbatch/internal/model"
)

const (
	processingConstraint = "uniq_file_audit_processing"
	uniqueViolation      = "23505"
)

// Store wraps all SQL used against the file_audit table.
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewStore constructs a Store. Records are retained for ttlDays via the
// expires_at attribute; the application itself never deletes them.
func NewStore(pool *pgxpool.Pool, ttlDays int) *Store {
	return &Store{pool: pool, ttl: time.Duration(ttlDays) * 24 * time.Hour}
}

// CreateRecord writes an audit record. An existing record with the same
// message id is overwritten, which revives a terminally failed record when a
// corrected file is resubmitted under the same key. It fails with
// ErrQueueBusy if the record is written as Processing while another file
// already holds the Processing slot for the same queue name: entry creation
// itself is the tie-break that closes the admission race.
func (s *Store) CreateRecord(ctx context.Context, rec *model.FileAuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ExpiresAt = rec.CreatedAt.Add(s.ttl)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO file_audit (message_id, filename, queue_name, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (message_id) DO UPDATE
		SET status = EXCLUDED.status,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			record_count = NULL,
			records_succeeded = NULL,
			records_failed = NULL,
			error_details = NULL
	`, rec.MessageID, rec.Filename, rec.QueueName, rec.Status, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == processingConstraint {
				return model.ErrQueueBusy
			}
			return model.ErrDuplicateKey
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// PromoteToProcessing moves a Queued record to Processing. It fails with
// ErrRecordNotFound if the record is absent or no longer Queued, and with
// ErrQueueBusy if another file for the same queue name is already Processing.
func (s *Store) PromoteToProcessing(ctx context.Context, messageID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE file_audit SET status=$1 WHERE message_id=$2 AND status=$3
	`, model.StatusProcessing, messageID, model.StatusQueued)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == processingConstraint {
			return model.ErrQueueBusy
		}
		return fmt.Errorf("promote audit record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRecordNotFound
	}
	return nil
}

// Patch is a partial update of an audit record. Nil fields are left as-is.
type Patch struct {
	Status           *model.FileStatus
	RecordCount      *int
	RecordsSucceeded *int
	RecordsFailed    *int
	ErrorDetails     *string
}

// UpdateRecord applies a patch to an existing record, failing with
// ErrRecordNotFound if the message id is absent.
func (s *Store) UpdateRecord(ctx context.Context, messageID string, patch Patch) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE file_audit
		SET status = COALESCE($1, status),
			record_count = COALESCE($2, record_count),
			records_succeeded = COALESCE($3, records_succeeded),
			records_failed = COALESCE($4, records_failed),
			error_details = COALESCE($5, error_details)
		WHERE message_id=$6
	`, patch.Status, patch.RecordCount, patch.RecordsSucceeded, patch.RecordsFailed, patch.ErrorDetails, messageID)
	if err != nil {
		return fmt.Errorf("update audit record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRecordNotFound
	}
	return nil
}

// Get returns the record for a message id.
func (s *Store) Get(ctx context.Context, messageID string) (*model.FileAuditRecord, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE message_id=$1`, messageID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRecordNotFound
		}
		return nil, fmt.Errorf("select audit record: %w", err)
	}
	return rec, nil
}

// QueryByQueueStatus returns all records for a queue name in the given
// status, oldest first.
func (s *Store) QueryByQueueStatus(ctx context.Context, queueName string, status model.FileStatus) ([]*model.FileAuditRecord, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE queue_name=$1 AND status=$2 ORDER BY created_at ASC
	`, queueName, status)
	if err != nil {
		return nil, fmt.Errorf("query by queue status: %w", err)
	}
	defer rows.Close()

	var out []*model.FileAuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// NextQueued returns the oldest Queued record for a queue name, or nil if
// none is waiting.
func (s *Store) NextQueued(ctx context.Context, queueName string) (*model.FileAuditRecord, error) {
	recs, err := s.QueryByQueueStatus(ctx, queueName, model.StatusQueued)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// IsDuplicateFilename reports whether any record that did not terminally
// fail already references this filename. Failed and rejected records do not
// count, so a corrected resubmission of the same filename is admitted.
func (s *Store) IsDuplicateFilename(ctx context.Context, filename string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM file_audit
			WHERE filename=$1 AND status <> $2 AND status NOT LIKE 'Not processed - %'
		)
	`, filename, model.StatusFailed).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate filename: %w", err)
	}
	return exists, nil
}

const selectColumns = `
	SELECT message_id, filename, queue_name, status, created_at, expires_at,
		record_count, records_succeeded, records_failed, error_details
	FROM file_audit`

func scanRecord(row pgx.Row) (*model.FileAuditRecord, error) {
	var rec model.FileAuditRecord
	if err := row.Scan(
		&rec.MessageID, &rec.Filename, &rec.QueueName, &rec.Status,
		&rec.CreatedAt, &rec.ExpiresAt,
		&rec.RecordCount, &rec.RecordsSucceeded, &rec.RecordsFailed, &rec.ErrorDetails,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
