// Package postgres archives terminal execution records.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/easy-grid/internal/domain"
)

// DefaultOpTimeout bounds each database operation when the caller's
// context carries no deadline.
const DefaultOpTimeout = 5 * time.Second

// ArchivedResult is one terminal record as read back from the archive.
type ArchivedResult struct {
	ExecutionID  string    `json:"execution_id"`
	Attempt      int       `json:"attempt"`
	Requester    string    `json:"requester"`
	Name         string    `json:"name"`
	Priority     string    `json:"priority"`
	Tags         []string  `json:"tags,omitempty"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Result       []byte    `json:"result,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store implements the orchestrator's persistence sink on PostgreSQL.
type Store struct {
	db        *sql.DB
	requester func(rec domain.ExecutionRecord) string
	opTimeout time.Duration
}

// New creates a store over the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db, opTimeout: DefaultOpTimeout}
}

// WithIdentityResolver overrides how the requester column is derived from
// a record. The default uses the requester session id.
func (s *Store) WithIdentityResolver(fn func(rec domain.ExecutionRecord) string) *Store {
	s.requester = fn
	return s
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// AppendResult archives one terminal record. Re-archiving the same
// (execution_id, attempt) is a no-op, so crash-replays stay idempotent.
func (s *Store) AppendResult(ctx context.Context, rec domain.ExecutionRecord) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	requester := rec.RequesterSessionID.String()
	if s.requester != nil {
		requester = s.requester(rec)
	}

	var errorKind, errorMessage sql.NullString
	if rec.Error != nil {
		errorKind = sql.NullString{String: string(rec.Error.Kind), Valid: true}
		errorMessage = sql.NullString{String: rec.Error.Message, Valid: true}
	}
	var result []byte
	if len(rec.Result) > 0 {
		result = rec.Result
	}

	var startedAt sql.NullTime
	if !rec.StartedAt.IsZero() {
		startedAt = sql.NullTime{Time: rec.StartedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, queryInsertResult,
		rec.ID,
		rec.Attempt,
		requester,
		rec.Name,
		string(rec.Priority),
		pq.Array(rec.Tags),
		string(rec.Status),
		errorKind,
		errorMessage,
		result,
		startedAt,
		rec.EndedAt,
		rec.CreatedAt,
	)
	return err
}

// ListResults returns archived results newest first, optionally filtered
// by test name.
func (s *Store) ListResults(ctx context.Context, name string, limit, offset int) ([]ArchivedResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rows *sql.Rows
	var err error
	if name != "" {
		rows, err = s.db.QueryContext(ctx, queryListResultsByName, name, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, queryListResults, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ArchivedResult
	for rows.Next() {
		var r ArchivedResult
		var tags pq.StringArray
		var errorKind, errorMessage sql.NullString
		var startedAt sql.NullTime

		err := rows.Scan(
			&r.ExecutionID,
			&r.Attempt,
			&r.Requester,
			&r.Name,
			&r.Priority,
			&tags,
			&r.Status,
			&errorKind,
			&errorMessage,
			&r.Result,
			&startedAt,
			&r.EndedAt,
			&r.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		r.Tags = []string(tags)
		r.ErrorKind = errorKind.String
		r.ErrorMessage = errorMessage.String
		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteBefore removes archived results that ended before cutoff and
// reports how many rows went away.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryDeleteBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping verifies database connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}
