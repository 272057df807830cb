package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inboxrelay/internal/inbox/models"
	"inboxrelay/pkg/platform/sentinel"
)

// PostgresStore persists requests in PostgreSQL, one row per (subject, request_id).
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTimeout bounds every store call. Zero disables the bound.
func WithTimeout(timeout time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.timeout = timeout
	}
}

// NewPostgres constructs a PostgreSQL-backed store gateway.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{pool: pool}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

const requestColumns = `subject, request_id, requester, event_date, created_at, deadline, viewed`

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// SaveRequest inserts or replaces a request.
func (s *PostgresStore) SaveRequest(ctx context.Context, req models.ApprovalRequest) error {
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var eventDate *time.Time
	if !req.EventDate.IsZero() {
		eventDate = &req.EventDate
	}
	query := `
		INSERT INTO approval_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject, request_id) DO UPDATE SET
			requester  = EXCLUDED.requester,
			event_date = EXCLUDED.event_date,
			created_at = EXCLUDED.created_at,
			deadline   = EXCLUDED.deadline,
			viewed     = EXCLUDED.viewed
	`
	_, err := s.pool.Exec(ctx, query,
		req.Subject, req.RequestID, req.Requester, eventDate, req.CreatedAt, req.Deadline, req.Viewed)
	if err != nil {
		return fmt.Errorf("save approval request: %w", err)
	}
	return nil
}

// FindRequest returns sentinel.ErrNotFound when the key is absent.
func (s *PostgresStore) FindRequest(ctx context.Context, key models.Key) (models.ApprovalRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE subject = $1 AND request_id = $2`,
		key.Subject, key.RequestID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ApprovalRequest{}, sentinel.ErrNotFound
		}
		return models.ApprovalRequest{}, fmt.Errorf("find approval request: %w", err)
	}
	return req, nil
}

// ListRequests scans one subject's partition, oldest first.
func (s *PostgresStore) ListRequests(ctx context.Context, subject string) ([]models.ApprovalRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE subject = $1 ORDER BY created_at, request_id`,
		subject)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	return collectRequests(rows)
}

// DeleteRequest removes a request. Deleting an absent key is not an error.
func (s *PostgresStore) DeleteRequest(ctx context.Context, key models.Key) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`DELETE FROM approval_requests WHERE subject = $1 AND request_id = $2`,
		key.Subject, key.RequestID)
	if err != nil {
		return fmt.Errorf("delete approval request: %w", err)
	}
	return nil
}

// ListExpired returns every request whose deadline is strictly before now.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]models.ApprovalRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE deadline < $1 ORDER BY created_at, subject, request_id`,
		now)
	if err != nil {
		return nil, fmt.Errorf("list expired approval requests: %w", err)
	}
	return collectRequests(rows)
}

// MarkViewed sets the viewed flag and returns the updated request.
func (s *PostgresStore) MarkViewed(ctx context.Context, key models.Key) (models.ApprovalRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`UPDATE approval_requests SET viewed = TRUE WHERE subject = $1 AND request_id = $2 RETURNING `+requestColumns,
		key.Subject, key.RequestID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ApprovalRequest{}, sentinel.ErrNotFound
		}
		return models.ApprovalRequest{}, fmt.Errorf("mark approval request viewed: %w", err)
	}
	return req, nil
}

// SaveVerification inserts or replaces a verification request.
func (s *PostgresStore) SaveVerification(ctx context.Context, v models.VerificationRequest) error {
	if err := v.Key().Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_requests (subject, request_id, viewed)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject, request_id) DO UPDATE SET viewed = EXCLUDED.viewed
	`, v.Subject, v.RequestID, v.Viewed)
	if err != nil {
		return fmt.Errorf("save verification request: %w", err)
	}
	return nil
}

// ListVerifications scans one subject's verification partition.
func (s *PostgresStore) ListVerifications(ctx context.Context, subject string) ([]models.VerificationRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT subject, request_id, viewed FROM verification_requests WHERE subject = $1 ORDER BY request_id`,
		subject)
	if err != nil {
		return nil, fmt.Errorf("list verification requests: %w", err)
	}
	defer rows.Close()

	var out []models.VerificationRequest
	for rows.Next() {
		var v models.VerificationRequest
		if err := rows.Scan(&v.Subject, &v.RequestID, &v.Viewed); err != nil {
			return nil, fmt.Errorf("scan verification request: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list verification requests: %w", err)
	}
	return out, nil
}

// SaveInboxEntry records a legacy inbox pointer.
func (s *PostgresStore) SaveInboxEntry(ctx context.Context, entry models.InboxEntry) error {
	key := models.Key{Subject: entry.Subject, RequestID: entry.RequestID}
	if err := key.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO inbox (subject, request_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		entry.Subject, entry.RequestID)
	if err != nil {
		return fmt.Errorf("save inbox entry: %w", err)
	}
	return nil
}

// ListInboxEntries returns the legacy inbox pointers for a subject.
func (s *PostgresStore) ListInboxEntries(ctx context.Context, subject string) ([]models.InboxEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT subject, request_id FROM inbox WHERE subject = $1 ORDER BY request_id`, subject)
	if err != nil {
		return nil, fmt.Errorf("list inbox entries: %w", err)
	}
	defer rows.Close()

	var out []models.InboxEntry
	for rows.Next() {
		var e models.InboxEntry
		if err := rows.Scan(&e.Subject, &e.RequestID); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list inbox entries: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (models.ApprovalRequest, error) {
	var (
		req       models.ApprovalRequest
		eventDate *time.Time
	)
	if err := row.Scan(&req.Subject, &req.RequestID, &req.Requester, &eventDate,
		&req.CreatedAt, &req.Deadline, &req.Viewed); err != nil {
		return models.ApprovalRequest{}, err
	}
	if eventDate != nil {
		req.EventDate = *eventDate
	}
	return req, nil
}

func collectRequests(rows pgx.Rows) ([]models.ApprovalRequest, error) {
	defer rows.Close()
	var out []models.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read approval requests: %w", err)
	}
	return out, nil
}
