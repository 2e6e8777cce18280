package storage

import (
	"database/sql"
	"errors"
	"time"
)

// ErrPromptNotFound is returned when a prompt id does not exist.
var ErrPromptNotFound = errors.New("prompt not found")

// PromptRecord is the pollable row for an interactive prompt. It is the
// fallback delivery channel: clients that miss the broadcast can fetch
// pending prompts over HTTP. Rows are marked terminal, never deleted by
// the prompt layer (the maintenance sweep purges old terminal rows).
type PromptRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	ProjectID      string     `json:"project_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	Type           string     `json:"type"`
	Options        string     `json:"options"` // JSON-encoded option list
	Context        string     `json:"context"` // JSON-encoded prompt context
	Status         string     `json:"status"`
	Stage          int        `json:"escalation_stage"`
	CreatedAt      time.Time  `json:"created_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
}

// SavePrompt inserts or replaces a prompt row.
func (db *DB) SavePrompt(p *PromptRecord) error {
	_, err := db.Exec(`
		INSERT INTO prompts (id, conversation_id, project_id, session_id, type, options, context, status, escalation_stage, created_at, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			escalation_stage = excluded.escalation_stage,
			responded_at = excluded.responded_at`,
		p.ID, p.ConversationID, nullable(p.ProjectID), nullable(p.SessionID),
		p.Type, p.Options, p.Context, p.Status, p.Stage, p.CreatedAt, p.RespondedAt,
	)
	return err
}

// UpdatePromptState persists a status/stage change for a prompt.
func (db *DB) UpdatePromptState(id, status string, stage int, respondedAt *time.Time) error {
	res, err := db.Exec(
		"UPDATE prompts SET status = ?, escalation_stage = ?, responded_at = ? WHERE id = ?",
		status, stage, respondedAt, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPromptNotFound
	}
	return nil
}

// PendingPrompts returns pending prompt rows for a conversation,
// oldest first.
func (db *DB) PendingPrompts(conversationID string) ([]*PromptRecord, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, project_id, session_id, type, options, context, status, escalation_stage, created_at, responded_at
		FROM prompts WHERE conversation_id = ? AND status = 'pending'
		ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*PromptRecord
	for rows.Next() {
		r, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PurgeTerminalPromptsBefore deletes answered/timed-out prompt rows older
// than cutoff. Pending rows are never touched.
func (db *DB) PurgeTerminalPromptsBefore(cutoff time.Time) (int64, error) {
	res, err := db.Exec(
		"DELETE FROM prompts WHERE status != 'pending' AND created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanPrompt(rows *sql.Rows) (*PromptRecord, error) {
	var r PromptRecord
	var projectID, sessionID sql.NullString
	var respondedAt sql.NullTime
	err := rows.Scan(&r.ID, &r.ConversationID, &projectID, &sessionID, &r.Type,
		&r.Options, &r.Context, &r.Status, &r.Stage, &r.CreatedAt, &respondedAt)
	if err != nil {
		return nil, err
	}
	r.ProjectID = projectID.String
	r.SessionID = sessionID.String
	if respondedAt.Valid {
		r.RespondedAt = &respondedAt.Time
	}
	return &r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
