package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/gateway"
	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/secrets"
)

// instanceView is an instance as shown to API clients: secrets masked, plus
// live client and probe state.
type instanceView struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Runtime    instance.Runtime     `json:"runtime"`
	Endpoint   string               `json:"endpoint"`
	Credential string               `json:"credential,omitempty"`
	Options    map[string]string    `json:"options,omitempty"`
	Status     instance.Status      `json:"status"`
	Connected  bool                 `json:"connected"`
	LastProbe  *gateway.ProbeResult `json:"last_probe,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func (s *Server) view(inst instance.Instance) instanceView {
	v := instanceView{
		ID:        inst.ID,
		Name:      inst.Name,
		Runtime:   inst.Runtime,
		Endpoint:  inst.Endpoint,
		Status:    inst.Status,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}
	if inst.Credential != "" {
		v.Credential = maskCredential(inst.Credential)
	}
	if len(inst.Options) > 0 {
		v.Options = adapter.RedactOptions(inst.Options)
	}
	_, v.Connected = s.reg.Pool().Cached(inst.ID)
	if s.opts.Health != nil {
		if r, ok := s.opts.Health.Last(inst.ID); ok {
			v.LastProbe = &r
		}
	}
	return v
}

// maskCredential keeps references readable and hides literal secrets.
func maskCredential(c string) string {
	if secrets.IsReference(c) {
		return c
	}
	return secrets.Mask(c)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.EnsureInitialized(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	insts := s.reg.Instances()
	out := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		out = append(out, s.view(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.EnsureInitialized(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.reg.Instance(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(inst))
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	var inst instance.Instance
	if !decodeBody(w, r, &inst) {
		return
	}
	// Status and timestamps are owned by the gateway.
	inst.Status, inst.CreatedAt, inst.UpdatedAt = "", time.Time{}, time.Time{}
	if seal, _ := strconv.ParseBool(r.URL.Query().Get("seal")); seal && inst.Credential != "" && !secrets.IsReference(inst.Credential) {
		ref, err := secrets.Seal(inst.Credential)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "seal credential: " + err.Error(), Class: gateway.ClassInternal})
			return
		}
		inst.Credential = ref
	}

	stored, err := s.reg.Register(r.Context(), inst)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(stored))
}

func (s *Server) handleDeregisterInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.EnsureInitialized(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.reg.Instance(id); err != nil {
		writeError(w, err)
		return
	}
	s.reg.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": id, "invalidated": true})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "health monitor disabled"})
		return
	}
	if err := s.reg.EnsureInitialized(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	res := s.opts.Health.Probe(r.Context(), chi.URLParam(r, "id"))
	if res.ErrorClass == gateway.ClassNotFound {
		writeJSON(w, http.StatusNotFound, errorBody{Error: res.Error, Class: res.ErrorClass})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.reg.Reload()
	if err := s.reg.EnsureInitialized(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": len(s.reg.Instances()), "loads": s.reg.Loads()})
}
