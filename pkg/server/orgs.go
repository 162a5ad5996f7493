package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/deployer"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/registry"
)

type orgResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Owner         string    `json:"owner"`
	ContractCount int       `json:"contractCount"`
	AutoUpgrade   bool      `json:"autoUpgrade"`
	Complete      bool      `json:"complete"`
	CreatedAt     time.Time `json:"createdAt"`
}

func orgToResponse(rec registry.OrgRecord) orgResponse {
	return orgResponse{
		ID:            rec.ID,
		Name:          rec.Name,
		Owner:         rec.Owner,
		ContractCount: rec.ContractCount,
		AutoUpgrade:   rec.AutoUpgrade,
		Complete:      rec.Complete,
		CreatedAt:     rec.CreatedAt,
	}
}

type contractResponse struct {
	Key         string    `json:"key"`
	OrgID       string    `json:"orgId"`
	ModuleType  string    `json:"moduleType"`
	InstanceID  string    `json:"instanceId"`
	BeaconID    string    `json:"beaconId"`
	AutoUpgrade bool      `json:"autoUpgrade"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"createdAt"`
}

func contractToResponse(rec registry.ContractRecord) contractResponse {
	return contractResponse{
		Key:         rec.Key,
		OrgID:       rec.OrgID,
		ModuleType:  rec.ModuleType,
		InstanceID:  rec.Proxy,
		BeaconID:    rec.Beacon,
		AutoUpgrade: rec.AutoUpgrade,
		Owner:       rec.Owner,
		CreatedAt:   rec.CreatedAt,
	}
}

// listOrgsHandler handles GET /orgs.
// Query params: filter, pageSize, pageToken
func (s *Server) listOrgsHandler(w http.ResponseWriter, r *http.Request) {
	pageSize := 20
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}

	records, nextToken, err := s.registry.ListOrgs(r.Context(),
		r.URL.Query().Get("filter"), pageSize, r.URL.Query().Get("pageToken"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	orgs := make([]orgResponse, len(records))
	for i, rec := range records {
		orgs[i] = orgToResponse(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orgs":          orgs,
		"nextPageToken": nextToken,
	})
}

// deployOrgHandler handles POST /orgs. The body is a full org config; the
// whole deployment runs in one transaction and either completes or leaves
// nothing behind.
func (s *Server) deployOrgHandler(w http.ResponseWriter, r *http.Request) {
	var cfg deployer.OrgConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.Owner == "" {
		cfg.Owner = identity.CallerFromContext(r.Context())
	}

	result, err := s.orch.DeployOrg(r.Context(), &cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// getOrgHandler handles GET /orgs/{orgId}.
func (s *Server) getOrgHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.GetOrg(r.Context(), chi.URLParam(r, "orgId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orgToResponse(*rec))
}

// listContractsHandler handles GET /orgs/{orgId}/contracts.
func (s *Server) listContractsHandler(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")

	// A miss on the org itself is a 404, not an empty list.
	if _, err := s.registry.GetOrg(r.Context(), orgID); err != nil {
		writeServiceError(w, err)
		return
	}

	records, err := s.registry.ListOrgContracts(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	contracts := make([]contractResponse, len(records))
	for i, rec := range records {
		contracts[i] = contractToResponse(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": contracts})
}

// getContractHandler handles GET /orgs/{orgId}/contracts/{moduleType}.
func (s *Server) getContractHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.GetOrgContract(r.Context(),
		chi.URLParam(r, "orgId"), chi.URLParam(r, "moduleType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractToResponse(*rec))
}

// getRoleHatHandler handles GET /orgs/{orgId}/roles/{index}.
func (s *Server) getRoleHatHandler(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "role index must be in [0,255]")
		return
	}

	hat, err := s.registry.RoleHat(r.Context(), chi.URLParam(r, "orgId"), uint8(index))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index": index,
		"hatId": string(hat),
	})
}
