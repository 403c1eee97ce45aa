package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/threadstream/internal/storage"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// Run is one agent invocation answering a single user message.
type Run struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	MessageID   string     `json:"message_id"`
	Status      RunStatus  `json:"status"`
	ReplyID     *string    `json:"reply_id,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RunStore provides CRUD operations on the runs table.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, thread_id, message_id, status, reply_id, error, started_at, completed_at, updated_at, created_at`

// Create inserts a queued run for messageID. If a run already exists for the
// message it is returned with existing=true.
func (s *RunStore) Create(ctx context.Context, threadID, messageID string) (*Run, bool, error) {
	if existing, err := s.GetByMessageID(ctx, messageID); err == nil {
		return existing, true, nil
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		MessageID: messageID,
		Status:    RunStatusQueued,
		UpdatedAt: now,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, message_id, status, updated_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.MessageID, string(run.Status), formatTime(now), formatTime(now),
	)
	if storage.IsUniqueViolation(err) {
		existing, getErr := s.GetByMessageID(ctx, messageID)
		if getErr == nil {
			return existing, true, nil
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	return run, false, nil
}

// GetByID retrieves a run by its ID.
func (s *RunStore) GetByID(ctx context.Context, id string) (*Run, error) {
	return s.scanOne(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
}

// GetByMessageID retrieves the run answering messageID.
func (s *RunStore) GetByMessageID(ctx context.Context, messageID string) (*Run, error) {
	return s.scanOne(ctx, `SELECT `+runColumns+` FROM runs WHERE message_id = ?`, messageID)
}

// ListByStatus retrieves all runs with the given status.
func (s *RunStore) ListByStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateStatus updates a run's status and optional fields.
func (s *RunStore) UpdateStatus(ctx context.Context, id string, status RunStatus, replyID *string, errMsg *string) error {
	now := formatTime(time.Now().UTC())

	var completedAt *string
	var startedAt *string
	if status == RunStatusRunning {
		startedAt = &now
	}
	if status == RunStatusDone || status == RunStatusFailed {
		completedAt = &now
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, reply_id = COALESCE(?, reply_id), error = COALESCE(?, error),
		 started_at = COALESCE(?, started_at), completed_at = COALESCE(?, completed_at), updated_at = ?
		 WHERE id = ?`,
		string(status), replyID, errMsg, startedAt, completedAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *RunStore) scanOne(ctx context.Context, query string, args ...any) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var status string
	var replyID, errMsg sql.NullString
	var startedAt, completedAt, updatedAt, createdAt *string

	err := s.Scan(&r.ID, &r.ThreadID, &r.MessageID, &status, &replyID, &errMsg,
		&startedAt, &completedAt, &updatedAt, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if replyID.Valid {
		v := replyID.String
		r.ReplyID = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		r.Error = &v
	}

	r.Status = RunStatus(status)
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTime(completedAt)
	if t := parseTime(updatedAt); t != nil {
		r.UpdatedAt = *t
	}
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func repeatPlaceholders(n int) string {
	return strings.Repeat(", ?", n)
}
