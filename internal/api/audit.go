package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/scheduler"
	"github.com/KafClaw/fleetgate/internal/timeline"
)

type statusResponse struct {
	Version       string              `json:"version"`
	UptimeSeconds int                 `json:"uptime_seconds"`
	Initialized   bool                `json:"initialized"`
	Instances     int                 `json:"instances"`
	Online        int                 `json:"online"`
	Offline       int                 `json:"offline"`
	Clients       int                 `json:"clients"`
	Dials         int64               `json:"dials"`
	Loads         int64               `json:"loads"`
	Jobs          []scheduler.JobInfo `json:"jobs,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	// Status reports even when the store is down.
	_ = s.reg.EnsureInitialized(r.Context())

	out := statusResponse{
		Version:       s.opts.Version,
		UptimeSeconds: int(time.Since(s.started).Seconds()),
		Initialized:   s.reg.Initialized(),
		Clients:       s.reg.Pool().Len(),
		Dials:         s.reg.Pool().Dials(),
		Loads:         s.reg.Loads(),
	}
	for _, inst := range s.reg.Instances() {
		out.Instances++
		switch inst.Status {
		case instance.StatusOnline:
			out.Online++
		case instance.StatusOffline:
			out.Offline++
		}
	}
	if s.opts.Jobs != nil {
		out.Jobs = s.opts.Jobs.Jobs()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audit == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "audit disabled"})
		return
	}
	q := r.URL.Query()
	outcome, err := timeline.ParseOutcome(q.Get("outcome"))
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	since, limit, ok := parseWindow(w, r)
	if !ok {
		return
	}
	ops, err := s.opts.Audit.Operations(r.Context(), timeline.OperationFilter{
		InstanceID: q.Get("instance_id"),
		SessionID:  q.Get("session_id"),
		TraceID:    q.Get("trace_id"),
		Op:         q.Get("op"),
		Outcome:    outcome,
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audit == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "audit disabled"})
		return
	}
	since, limit, ok := parseWindow(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	evs, err := s.opts.Audit.Events(r.Context(), timeline.EventFilter{
		InstanceID: q.Get("instance_id"),
		Type:       q.Get("type"),
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// parseWindow reads "since" (RFC 3339 or a duration back from now) and "limit".
func parseWindow(w http.ResponseWriter, r *http.Request) (time.Time, int, bool) {
	q := r.URL.Query()
	var since time.Time
	if v := q.Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		} else {
			badRequest(w, "invalid since %q", v)
			return time.Time{}, 0, false
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit %q", v)
			return time.Time{}, 0, false
		}
		limit = n
	}
	return since, limit, true
}
