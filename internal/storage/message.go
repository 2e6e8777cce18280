package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("message not found")

// Message status values.
const (
	MessageStreaming = "streaming"
	MessageComplete  = "complete"
	MessageFailed    = "failed"
)

// Message is a persisted assistant output record. A placeholder row is
// created when a request is submitted and filled in as the worker streams.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Status         string    `json:"status"`
	SessionID      string    `json:"session_id,omitempty"`
	FailReason     string    `json:"fail_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreatePlaceholderMessage inserts an empty streaming message row and
// returns its id.
func (db *DB) CreatePlaceholderMessage(conversationID string) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	_, err := db.Exec(
		"INSERT INTO messages (id, conversation_id, content, status, created_at, updated_at) VALUES (?, ?, '', ?, ?, ?)",
		id, conversationID, MessageStreaming, now, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateMessageContent writes the latest accumulated text for a message.
// When isFinal is set the message is marked complete. A non-empty
// sessionID is recorded the first time it is seen.
func (db *DB) UpdateMessageContent(id, text string, isFinal bool, sessionID string) error {
	status := MessageStreaming
	if isFinal {
		status = MessageComplete
	}

	var sessionPtr *string
	if sessionID != "" {
		sessionPtr = &sessionID
	}

	res, err := db.Exec(
		"UPDATE messages SET content = ?, status = ?, session_id = COALESCE(?, session_id), updated_at = ? WHERE id = ?",
		text, status, sessionPtr, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// MarkMessageFailed marks a message as failed with a human-readable reason.
func (db *DB) MarkMessageFailed(id, reason string) error {
	res, err := db.Exec(
		"UPDATE messages SET status = ?, fail_reason = ?, updated_at = ? WHERE id = ?",
		MessageFailed, reason, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// GetMessage returns a message by id.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(
		"SELECT id, conversation_id, content, status, session_id, fail_reason, created_at, updated_at FROM messages WHERE id = ?",
		id,
	)

	var m Message
	var sessionID, failReason sql.NullString
	err := row.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Status, &sessionID, &failReason, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	m.SessionID = sessionID.String
	m.FailReason = failReason.String
	return &m, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}
