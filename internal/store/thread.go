package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/threadstream/internal/storage"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInactive is returned when a thread no longer accepts user input.
	ErrInactive = errors.New("thread is not active")
)

// ThreadStatus represents the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadStatusNew        ThreadStatus = "NEW"
	ThreadStatusInProgress ThreadStatus = "IN_PROGRESS"
	ThreadStatusSuccess    ThreadStatus = "SUCCESS"
	ThreadStatusFailed     ThreadStatus = "FAILED"
	ThreadStatusArchived   ThreadStatus = "ARCHIVED"
)

// Active reports whether the status accepts user input.
func (s ThreadStatus) Active() bool {
	return s == ThreadStatusNew || s == ThreadStatusInProgress
}

// Archived reports whether the status implies the archived flag. SUCCESS is
// archived on completion and waits for rotation to become ARCHIVED.
func (s ThreadStatus) Archived() bool {
	return s == ThreadStatusSuccess || s == ThreadStatusArchived
}

// Valid reports whether s is a known status.
func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadStatusNew, ThreadStatusInProgress, ThreadStatusSuccess, ThreadStatusFailed, ThreadStatusArchived:
		return true
	}
	return false
}

// Thread is one conversation scoped to a flow. The archived flag is derived
// from Status and is never stored independently of it.
type Thread struct {
	ID         string       `json:"id"`
	FlowID     string       `json:"flow_id"`
	Status     ThreadStatus `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ArchivedAt *time.Time   `json:"archived_at,omitempty"`
	ClosedAt   *time.Time   `json:"closed_at,omitempty"`
}

// Archived reports the derived archived flag.
func (t *Thread) Archived() bool {
	return t.Status.Archived()
}

// ThreadStore provides operations on the threads table.
type ThreadStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewThreadStore creates a new ThreadStore.
func NewThreadStore(db *sql.DB) *ThreadStore {
	return &ThreadStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying database connection.
func (s *ThreadStore) DB() *sql.DB {
	return s.db
}

const threadColumns = `id, flow_id, status, started_at, updated_at, archived_at, closed_at`

// Create inserts a NEW thread for flowID. A second active thread for the
// same flow fails with a unique constraint violation.
func (s *ThreadStore) Create(ctx context.Context, flowID string) (*Thread, error) {
	return insertThread(ctx, s.db, newThread(flowID, s.now()))
}

// Insert stores a fully populated thread as-is.
func (s *ThreadStore) Insert(ctx context.Context, t *Thread) error {
	_, err := insertThread(ctx, s.db, t)
	return err
}

// GetByID retrieves a thread by its ID.
func (s *ThreadStore) GetByID(ctx context.Context, id string) (*Thread, error) {
	return scanOneThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
}

// FindActive returns the most recently started active, non-archived thread for flowID.
func (s *ThreadStore) FindActive(ctx context.Context, flowID string) (*Thread, error) {
	return findActive(ctx, s.db, flowID)
}

// ListByFlow returns all threads of a flow, newest first.
func (s *ThreadStore) ListByFlow(ctx context.Context, flowID string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE flow_id = ? ORDER BY started_at DESC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("list threads by flow: %w", err)
	}
	defer rows.Close()
	return collectThreads(rows)
}

// ListStale returns threads in any of statuses whose updated_at is before cutoff.
func (s *ThreadStore) ListStale(ctx context.Context, cutoff time.Time, statuses ...ThreadStatus) ([]*Thread, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + threadColumns + ` FROM threads WHERE updated_at < ? AND status IN (?` + repeatPlaceholders(len(statuses)-1) + `) ORDER BY updated_at ASC`
	args := []any{formatTime(cutoff)}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale threads: %w", err)
	}
	defer rows.Close()
	return collectThreads(rows)
}

// Transition replaces the lifecycle fields of from with those of to, provided
// the stored row still matches from's status and updated_at. It reports
// whether the row was updated.
func (s *ThreadStore) Transition(ctx context.Context, from, to *Thread) (bool, error) {
	return transition(ctx, s.db, from, to)
}

// Rotate applies the archival transition from → archived and inserts
// successor in one transaction. If the transition lost a race it returns
// (nil, false, nil). If another active thread already exists for the flow
// that thread is returned as the successor.
func (s *ThreadStore) Rotate(ctx context.Context, from, archived, successor *Thread) (*Thread, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := transition(ctx, tx, from, archived)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	next, err := insertThread(ctx, tx, successor)
	if storage.IsUniqueViolation(err) {
		next, err = findActive(ctx, tx, successor.FlowID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("create successor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit rotate: %w", err)
	}
	return next, true, nil
}

// AcceptUserMessage moves an active thread to IN_PROGRESS and appends msg in
// one transaction. The status flip is a single conditional update so two
// concurrent first messages cannot both transition the thread.
func (s *ThreadStore) AcceptUserMessage(ctx context.Context, threadID string, msg *Message) (*Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin accept message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ?
		 WHERE id = ? AND archived = 0 AND status IN (?, ?)`,
		string(ThreadStatusInProgress), formatTime(now), threadID,
		string(ThreadStatusNew), string(ThreadStatusInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("start thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := scanOneThread(tx.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, threadID)); err != nil {
			return nil, err
		}
		return nil, ErrInactive
	}

	msg.ThreadID = threadID
	if err := insertMessage(ctx, tx, msg, now); err != nil {
		return nil, err
	}

	t, err := scanOneThread(tx.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, threadID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accept message: %w", err)
	}
	return t, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newThread(flowID string, now time.Time) *Thread {
	return &Thread{
		ID:        uuid.New().String(),
		FlowID:    flowID,
		Status:    ThreadStatusNew,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// NewThread returns an unsaved NEW thread for flowID.
func NewThread(flowID string, now time.Time) *Thread {
	return newThread(flowID, now.UTC())
}

func insertThread(ctx context.Context, q querier, t *Thread) (*Thread, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO threads (id, flow_id, status, archived, started_at, updated_at, archived_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FlowID, string(t.Status), boolInt(t.Archived()),
		formatTime(t.StartedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.ArchivedAt), formatTimePtr(t.ClosedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

func findActive(ctx context.Context, q querier, flowID string) (*Thread, error) {
	return scanOneThread(q.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads
		 WHERE flow_id = ? AND archived = 0 AND status IN (?, ?)
		 ORDER BY started_at DESC LIMIT 1`,
		flowID, string(ThreadStatusNew), string(ThreadStatusInProgress)))
}

func transition(ctx context.Context, q querier, from, to *Thread) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE threads SET status = ?, archived = ?, updated_at = ?, archived_at = ?, closed_at = ?
		 WHERE id = ? AND status = ? AND updated_at = ?`,
		string(to.Status), boolInt(to.Archived()), formatTime(to.UpdatedAt),
		formatTimePtr(to.ArchivedAt), formatTimePtr(to.ClosedAt),
		from.ID, string(from.Status), formatTime(from.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("update thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update thread: %w", err)
	}
	return n == 1, nil
}

func collectThreads(rows *sql.Rows) ([]*Thread, error) {
	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func scanOneThread(row *sql.Row) (*Thread, error) {
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (*Thread, error) {
	var t Thread
	var status string
	var startedAt, updatedAt string
	var archivedAt, closedAt *string

	if err := s.Scan(&t.ID, &t.FlowID, &status, &startedAt, &updatedAt, &archivedAt, &closedAt); err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}

	t.Status = ThreadStatus(status)
	if v := parseTime(&startedAt); v != nil {
		t.StartedAt = *v
	}
	if v := parseTime(&updatedAt); v != nil {
		t.UpdatedAt = *v
	}
	t.ArchivedAt = parseTime(archivedAt)
	t.ClosedAt = parseTime(closedAt)
	return &t, nil
}
