// Package httpx holds the JSON response helpers shared by all handlers.
package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/taskmesh/backend/internal/protocol"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders a protocol error with its mapped status. Internal
// errors are logged and masked.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := protocol.KindOf(err)
	if kind == protocol.KindInternal {
		logger.Error("request failed", "error", err)
		WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	WriteJSON(w, protocol.HTTPStatus(kind), errorBody{Error: err.Error(), Kind: string(kind)})
}

// DecodeJSON decodes the request body into v, rejecting unknown garbage.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return protocol.E(protocol.KindInvalidInput, "invalid JSON body")
	}
	return nil
}
