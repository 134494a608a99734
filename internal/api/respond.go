package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/KafClaw/fleetgate/internal/gateway"
)

const maxBodyBytes = 4 << 20

type errorBody struct {
	Error string             `json:"error"`
	Class gateway.ErrorClass `json:"class,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("API: encode response failed", "error", err)
	}
}

// statusFor maps an error class to its HTTP status.
func statusFor(class gateway.ErrorClass) int {
	switch class {
	case gateway.ClassNotFound:
		return http.StatusNotFound
	case gateway.ClassInvalid, gateway.ClassUnsupported:
		return http.StatusBadRequest
	case gateway.ClassNotInitialized:
		return http.StatusServiceUnavailable
	case gateway.ClassUnavailable, gateway.ClassTransport:
		return http.StatusBadGateway
	case gateway.ClassTimeout:
		return http.StatusGatewayTimeout
	case gateway.ClassCanceled:
		return http.StatusRequestTimeout
	case gateway.ClassProtocol:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	class := gateway.Classify(err)
	status := statusFor(class)
	if status == http.StatusInternalServerError {
		slog.Error("API: internal error", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Class: class})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...), Class: gateway.ClassInvalid})
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			badRequest(w, "request body is required")
		} else {
			badRequest(w, "invalid JSON: %v", err)
		}
		return false
	}
	return true
}

// writeSSE writes one server-sent event and flushes it.
func writeSSE(w io.Writer, f http.Flusher, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	f.Flush()
	return nil
}
