package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/beacon"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
)

type beaconResponse struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"orgId,omitempty"`
	ModuleType     string    `json:"moduleType"`
	Mode           string    `json:"mode"`
	MirrorSource   string    `json:"mirrorSource,omitempty"`
	Pinned         string    `json:"pinnedImplementation,omitempty"`
	Implementation string    `json:"implementation,omitempty"`
	Owner          string    `json:"owner"`
	Global         bool      `json:"global"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (s *Server) beaconToResponse(r *http.Request, rec *beacon.Record) beaconResponse {
	resp := beaconResponse{
		ID:           rec.ID,
		OrgID:        rec.OrgID,
		ModuleType:   rec.ModuleType,
		Mode:         string(rec.Mode),
		MirrorSource: rec.MirrorSource,
		Pinned:       rec.PinnedImplementation,
		Owner:        rec.Owner,
		Global:       rec.Global,
		UpdatedAt:    rec.UpdatedAt,
	}
	// Resolution can fail on a freshly created beacon with nothing pinned
	// yet; the record itself is still worth returning.
	if impl, err := s.beacons.Implementation(r.Context(), rec.ID); err == nil {
		resp.Implementation = impl
	} else if !errors.Is(err, beacon.ErrImplementationUnset) {
		s.logger.Warn("beacon resolution failed", "beacon", rec.ID, "error", err)
	}
	return resp
}

// getBeaconHandler handles GET /beacons/{beaconId}.
func (s *Server) getBeaconHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.beacons.Get(r.Context(), chi.URLParam(r, "beaconId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.beaconToResponse(r, rec))
}

// getGlobalBeaconHandler handles GET /beacons/global/{moduleType}.
func (s *Server) getGlobalBeaconHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.beacons.GlobalFor(r.Context(), chi.URLParam(r, "moduleType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.beaconToResponse(r, rec))
}

// pinBeaconHandler handles POST /beacons/{beaconId}/pin. With an impl in the
// body the beacon is pinned to it; with an empty body the beacon detaches
// from its mirror source and freezes at the current implementation.
func (s *Server) pinBeaconHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Impl string `json:"impl"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id := chi.URLParam(r, "beaconId")
	caller := identity.CallerFromContext(r.Context())

	var err error
	if req.Impl == "" {
		err = s.beacons.PinToCurrent(r.Context(), id, caller)
	} else {
		err = s.beacons.Pin(r.Context(), id, caller, req.Impl)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rec, err := s.beacons.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.beaconToResponse(r, rec))
}

// mirrorBeaconHandler handles POST /beacons/{beaconId}/mirror.
func (s *Server) mirrorBeaconHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "beaconId")
	caller := identity.CallerFromContext(r.Context())
	if err := s.beacons.SetMirror(r.Context(), id, caller, req.Source); err != nil {
		writeServiceError(w, err)
		return
	}

	rec, err := s.beacons.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.beaconToResponse(r, rec))
}

// transferBeaconHandler handles POST /beacons/{beaconId}/owner.
func (s *Server) transferBeaconHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewOwner string `json:"newOwner"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "beaconId")
	caller := identity.CallerFromContext(r.Context())
	if err := s.beacons.TransferOwnership(r.Context(), id, caller, req.NewOwner); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    id,
		"owner": req.NewOwner,
	})
}

// upgradeHandler handles POST /beacons/upgrade: repoints a module type's
// global beacon, which every mirroring org follows immediately.
func (s *Server) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModuleType string `json:"moduleType"`
		Impl       string `json:"impl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller := identity.CallerFromContext(r.Context())
	if err := s.beacons.Upgrade(r.Context(), req.ModuleType, caller, req.Impl); err != nil {
		writeServiceError(w, err)
		return
	}

	rec, err := s.beacons.GlobalFor(r.Context(), req.ModuleType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.beaconToResponse(r, rec))
}
