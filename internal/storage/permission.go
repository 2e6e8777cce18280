package storage

import (
	"database/sql"
	"time"
)

// Permission status values.
const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

// AllToolsSentinel is the tool name recording a session-wide grant
// covering every tool for the conversation.
const AllToolsSentinel = "*"

// Permission is a durable tool permission decision for a conversation.
type Permission struct {
	ConversationID string     `json:"conversation_id"`
	ToolName       string     `json:"tool_name"`
	Status         string     `json:"status"`
	GrantedBy      string     `json:"granted_by"`
	GrantedAt      time.Time  `json:"granted_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// UpsertPermission records a permission decision, replacing any previous
// decision for the same (conversation, tool) pair.
func (db *DB) UpsertPermission(conversationID, toolName, status, grantedBy string, expiresAt *time.Time) error {
	_, err := db.Exec(`
		INSERT INTO permissions (conversation_id, tool_name, status, granted_by, granted_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, tool_name)
		DO UPDATE SET status = excluded.status, granted_by = excluded.granted_by,
			granted_at = excluded.granted_at, expires_at = excluded.expires_at`,
		conversationID, toolName, status, grantedBy, time.Now(), expiresAt,
	)
	return err
}

// IsToolPermitted reports whether a non-expired granted permission exists
// for the exact tool or the session-wide sentinel. Expired grants behave
// as absent without requiring deletion.
func (db *DB) IsToolPermitted(conversationID, toolName string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(1) FROM permissions
		WHERE conversation_id = ? AND tool_name IN (?, ?)
		AND status = ?
		AND (expires_at IS NULL OR expires_at > ?)`,
		conversationID, toolName, AllToolsSentinel, PermissionGranted, time.Now(),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GrantedTools returns the tool names with a live grant for the conversation.
func (db *DB) GrantedTools(conversationID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT tool_name FROM permissions
		WHERE conversation_id = ? AND status = ?
		AND (expires_at IS NULL OR expires_at > ?)`,
		conversationID, PermissionGranted, time.Now(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// GetPermission returns a permission row, or nil if absent.
func (db *DB) GetPermission(conversationID, toolName string) (*Permission, error) {
	row := db.QueryRow(`
		SELECT conversation_id, tool_name, status, granted_by, granted_at, expires_at
		FROM permissions WHERE conversation_id = ? AND tool_name = ?`,
		conversationID, toolName,
	)

	var p Permission
	var expires sql.NullTime
	err := row.Scan(&p.ConversationID, &p.ToolName, &p.Status, &p.GrantedBy, &p.GrantedAt, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		p.ExpiresAt = &expires.Time
	}
	return &p, nil
}

// PurgeExpiredPermissions deletes permission rows past their expiry.
// Correctness never depends on this, reads already filter expired rows.
func (db *DB) PurgeExpiredPermissions() (int64, error) {
	res, err := db.Exec("DELETE FROM permissions WHERE expires_at IS NOT NULL AND expires_at <= ?", time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
