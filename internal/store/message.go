package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// Message is an immutable, append-only record belonging to a thread.
// Seq orders messages strictly by creation within a thread.
type Message struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	ThreadID  string          `json:"thread_id"`
	Role      MessageRole     `json:"role"`
	Format    string          `json:"format"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessageStore provides operations on the messages table.
type MessageStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Append inserts msg and touches the owning thread's updated_at.
func (s *MessageStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	res, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, formatTime(now), msg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := insertMessage(ctx, tx, msg, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append message: %w", err)
	}
	return msg, nil
}

// GetByID retrieves a message by its ID.
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, thread_id, role, format, content, created_at FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// List returns up to limit messages of a thread older than before (a seq
// cursor, 0 for the newest page) in ascending order, and whether older
// messages remain.
func (s *MessageStore) List(ctx context.Context, threadID string, before int64, limit int) ([]*Message, bool, error) {
	query := `SELECT seq, id, thread_id, role, format, content, created_at FROM messages WHERE thread_id = ?`
	args := []any{threadID}
	if before > 0 {
		query += ` AND seq < ?`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	more := len(msgs) > limit
	if more {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, more, nil
}

func insertMessage(ctx context.Context, q querier, msg *Message, now time.Time) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if len(msg.Content) == 0 {
		msg.Content = json.RawMessage(`{}`)
	}
	msg.CreatedAt = now
	res, err := q.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, format, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Format, string(msg.Content), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.Seq = seq
	return nil
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var role, content, createdAt string
	if err := s.Scan(&m.Seq, &m.ID, &m.ThreadID, &role, &m.Format, &content, &createdAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = MessageRole(role)
	m.Content = json.RawMessage(content)
	if t := parseTime(&createdAt); t != nil {
		m.CreatedAt = *t
	}
	return &m, nil
}
