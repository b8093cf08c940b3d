package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/fsrag/internal/domain"
)

// SessionRepository handles chat session persistence
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create creates a new session
func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	var collectionID any
	if session.CollectionID > 0 {
		collectionID = session.CollectionID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, principal_id, collection_id, title, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session.ID, session.PrincipalID, collectionID, session.Title, millis(now), millis(now))

	return err
}

// Get retrieves a session by ID. It returns nil, nil when no row exists.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	session := &domain.Session{ID: id}
	var collectionID sql.NullInt64
	var createdAt, updatedAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT principal_id, collection_id, title, created_at_ms, updated_at_ms
		FROM chat_sessions WHERE id = ?
	`, id).Scan(&session.PrincipalID, &collectionID, &session.Title, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session.CollectionID = collectionID.Int64
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}

// Touch updates a session's updated_at timestamp
func (r *SessionRepository) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at_ms = ? WHERE id = ?`, millis(time.Now()), id)
	return err
}

// CreateMessage creates a new message
func (r *SessionRepository) CreateMessage(ctx context.Context, message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	var citationsJSON any
	if len(message.Citations) > 0 {
		b, err := json.Marshal(message.Citations)
		if err != nil {
			return err
		}
		citationsJSON = string(b)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, citations, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, message.ID, message.SessionID, message.Role, message.Content, citationsJSON, millis(message.CreatedAt))

	return err
}

// RecentMessages returns the last limit messages of a session in
// chronological order.
func (r *SessionRepository) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, citations, created_at_ms FROM (
			SELECT id, session_id, role, content, citations, created_at_ms, rowid AS seq
			FROM chat_messages WHERE session_id = ?
			ORDER BY created_at_ms DESC, seq DESC LIMIT ?
		) ORDER BY created_at_ms ASC, seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		message := &domain.Message{}
		var citationsJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(&message.ID, &message.SessionID, &message.Role,
			&message.Content, &citationsJSON, &createdAt); err != nil {
			return nil, err
		}

		if citationsJSON.Valid && citationsJSON.String != "" {
			json.Unmarshal([]byte(citationsJSON.String), &message.Citations)
		}
		message.CreatedAt = fromMillis(createdAt)
		messages = append(messages, message)
	}

	return messages, rows.Err()
}
