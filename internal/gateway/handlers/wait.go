package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"conduit/internal/relay"
)

// TerminalWaiter blocks until a request reaches a terminal status.
type TerminalWaiter interface {
	WaitTerminal(ctx context.Context, requestID string) (relay.Status, error)
}

// WaitResponse reports the terminal status of a request.
type WaitResponse struct {
	RequestID string       `json:"request_id"`
	Status    relay.Status `json:"status"`
}

// WaitHandler returns a long-poll endpoint that blocks until the
// request terminates or the wait budget runs out.
func WaitHandler(waiter TerminalWaiter, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := mux.Vars(r)["id"]
		if requestID == "" {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "request id is required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		status, err := waiter.WaitTerminal(ctx, requestID)
		switch {
		case errors.Is(err, relay.ErrNotFound):
			SendError(w, http.StatusNotFound, ErrCodeNotFound, "unknown request id")
			return
		case errors.Is(err, context.DeadlineExceeded):
			SendError(w, http.StatusGatewayTimeout, ErrCodeGatewayTimeout, "request still running")
			return
		case err != nil:
			SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}

		SendJSON(w, http.StatusOK, WaitResponse{RequestID: requestID, Status: status})
	}
}
