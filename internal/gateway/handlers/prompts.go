package handlers

import (
	"net/http"

	"conduit/internal/storage"
)

// PromptArchive is the pollable prompt source.
type PromptArchive interface {
	PendingPrompts(conversationID string) ([]*storage.PromptRecord, error)
}

// PendingPromptsResponse wraps the pending prompt list.
type PendingPromptsResponse struct {
	Prompts []*storage.PromptRecord `json:"prompts"`
}

// PendingPromptsHandler returns the polling endpoint for prompts. It is
// the fallback delivery channel for clients that were not connected
// when the broadcast went out.
func PendingPromptsHandler(archive PromptArchive) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := r.URL.Query().Get("conversation_id")
		if conversationID == "" {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "conversation_id is required")
			return
		}

		records, err := archive.PendingPrompts(conversationID)
		if err != nil {
			SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to load prompts")
			return
		}
		if records == nil {
			records = []*storage.PromptRecord{}
		}

		SendJSON(w, http.StatusOK, PendingPromptsResponse{Prompts: records})
	}
}
