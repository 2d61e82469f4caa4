package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
)

// errorBody is the error half of the response envelope. Every error
// response carries the request id so clients can quote it back.
type errorBody struct {
	Message    string         `json:"message"`
	RequestID  string         `json:"requestId"`
	StatusCode int            `json:"statusCode"`
	Issues     []apperr.Issue `json:"issues,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeResult(w http.ResponseWriter, status int, result any) {
	s.writeJSON(w, status, envelope{Success: true, Result: result})
}

// writeError maps the error to its status code and envelope. Internal
// errors are redacted in production; the request id still correlates
// the response with the server log.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", "error", err)
		if s.production {
			msg = "internal server error"
		}
	}
	s.writeJSON(w, status, envelope{Success: false, Error: &errorBody{
		Message:    msg,
		RequestID:  observability.RequestID(ctx),
		StatusCode: status,
		Issues:     apperr.IssuesOf(err),
	}})
}
