package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
)

type instanceResponse struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	ModuleType  string    `json:"moduleType"`
	BeaconID    string    `json:"beaconId"`
	Initialized bool      `json:"initialized"`
	CreatedAt   time.Time `json:"createdAt"`
}

// getInstanceHandler handles GET /instances/{instanceId}.
func (s *Server) getInstanceHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.instances.Get(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{
		ID:          rec.ID,
		OrgID:       rec.OrgID,
		ModuleType:  rec.ModuleType,
		BeaconID:    rec.BeaconID,
		Initialized: rec.Initialized,
		CreatedAt:   rec.CreatedAt,
	})
}

// invokeHandler handles POST /instances/{instanceId}/calls. The call runs as
// the request's principal and resolves through the instance's beacon, so
// members hit whatever implementation governance currently points at.
func (s *Server) invokeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string         `json:"method"`
		Args   map[string]any `json:"args,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "missing method")
		return
	}

	if identity.CallerFromContext(r.Context()) == "" {
		writeError(w, http.StatusUnauthorized, "no caller identity")
		return
	}

	result, err := s.proxies.Invoke(r.Context(), chi.URLParam(r, "instanceId"), req.Method, req.Args)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}
