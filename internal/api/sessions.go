package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/gateway"
)

type deleteResponse struct {
	SessionID    string                `json:"session_id"`
	Remote       gateway.RemoteOutcome `json:"remote"`
	RemoteError  string                `json:"remote_error,omitempty"`
	LocalDeleted bool                  `json:"local_deleted"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.router.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.router.ListSessions(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.router.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess.Info(),
		"messages": sess.GetHistory(0),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.router.DeleteSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := deleteResponse{SessionID: id, Remote: res.Remote, LocalDeleted: res.LocalDeleted}
	if res.RemoteErr != nil {
		out.RemoteError = res.RemoteErr.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var msg adapter.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	id := chi.URLParam(r, "id")

	if stream, _ := strconv.ParseBool(r.URL.Query().Get("stream")); stream {
		s.streamMessage(w, r, id, msg)
		return
	}
	reply, err := s.router.SendMessage(r.Context(), id, msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// streamMessage relays partial replies as server-sent events: "chunk" events
// carry text, then one "done" event carries the full reply or one "error"
// event carries the failure.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request, id string, msg adapter.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	// Validate before committing to a 200 event stream.
	if _, err := s.router.Session(id); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	reply, err := s.router.StreamMessage(r.Context(), id, msg, func(text string) {
		if werr := writeSSE(w, flusher, "chunk", map[string]string{"text": text}); werr != nil {
			slog.Debug("API: sse write failed", "session", id, "error", werr)
		}
	})
	if err != nil {
		writeSSE(w, flusher, "error", errorBody{Error: err.Error(), Class: gateway.Classify(err)})
		return
	}
	writeSSE(w, flusher, "done", reply)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.router.ListFiles(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("zone"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}
