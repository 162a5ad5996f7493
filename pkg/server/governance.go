package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"
)

type machineResponse struct {
	ID             string   `json:"id"`
	OrgID          string   `json:"orgId"`
	ExecutorID     string   `json:"executorId"`
	Class          string   `json:"class"`
	QuorumPct      int      `json:"quorumPct"`
	Paused         bool     `json:"paused"`
	CreatorHats    []string `json:"creatorHats"`
	VoterHats      []string `json:"voterHats"`
	AllowedTargets []string `json:"allowedTargets"`
	TokenInstance  string   `json:"tokenInstance,omitempty"`
}

func machineToResponse(rec *voting.MachineRecord) machineResponse {
	return machineResponse{
		ID:             rec.ID,
		OrgID:          rec.OrgID,
		ExecutorID:     rec.ExecutorID,
		Class:          rec.Class,
		QuorumPct:      rec.QuorumPct,
		Paused:         rec.Paused,
		CreatorHats:    rec.CreatorHats,
		VoterHats:      rec.VoterHats,
		AllowedTargets: rec.AllowedTargets,
		TokenInstance:  rec.TokenInstance,
	}
}

type proposalResponse struct {
	ID             string     `json:"id"`
	MachineID      string     `json:"machineId"`
	Metadata       string     `json:"metadata"`
	NumOptions     int        `json:"numOptions"`
	Tallies        []uint64   `json:"tallies"`
	TotalWeight    uint64     `json:"totalWeight"`
	Restricted     bool       `json:"restricted"`
	RestrictedHats []string   `json:"restrictedHats,omitempty"`
	Finalized      bool       `json:"finalized"`
	WinnerIndex    int        `json:"winnerIndex"`
	ValidWinner    bool       `json:"validWinner"`
	CreatedAt      time.Time  `json:"createdAt"`
	EndsAt         time.Time  `json:"endsAt"`
	AnnouncedAt    *time.Time `json:"announcedAt,omitempty"`
}

func proposalToResponse(rec *voting.ProposalRecord) proposalResponse {
	return proposalResponse{
		ID:             rec.ID,
		MachineID:      rec.MachineID,
		Metadata:       rec.Metadata,
		NumOptions:     rec.NumOptions,
		Tallies:        rec.Tallies,
		TotalWeight:    rec.TotalWeight,
		Restricted:     rec.Restricted,
		RestrictedHats: rec.RestrictedHats,
		Finalized:      rec.Finalized,
		WinnerIndex:    rec.WinnerIndex,
		ValidWinner:    rec.ValidWinner,
		CreatedAt:      rec.CreatedAt,
		EndsAt:         rec.EndsAt,
		AnnouncedAt:    rec.AnnouncedAt,
	}
}

// getMachineHandler handles GET /machines/{machineId}.
func (s *Server) getMachineHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.votes.Machine(r.Context(), chi.URLParam(r, "machineId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, machineToResponse(rec))
}

// listProposalsHandler handles GET /machines/{machineId}/proposals.
// Query params: filter, pageSize, pageToken
func (s *Server) listProposalsHandler(w http.ResponseWriter, r *http.Request) {
	pageSize := 20
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}

	records, nextToken, total, err := s.votes.ListProposals(r.Context(),
		chi.URLParam(r, "machineId"), r.URL.Query().Get("filter"),
		pageSize, r.URL.Query().Get("pageToken"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	proposals := make([]proposalResponse, len(records))
	for i := range records {
		proposals[i] = proposalToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposals":     proposals,
		"nextPageToken": nextToken,
		"totalSize":     total,
	})
}

// createProposalHandler handles POST /machines/{machineId}/proposals.
func (s *Server) createProposalHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata        string            `json:"metadata"`
		DurationSeconds int64             `json:"durationSeconds"`
		Options         int               `json:"options"`
		Batches         [][]executor.Call `json:"batches,omitempty"`
		RestrictedHats  []string          `json:"restrictedHats,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	creator := identity.CallerFromContext(r.Context())
	rec, err := s.votes.CreateProposal(r.Context(), chi.URLParam(r, "machineId"), creator, voting.ProposalParams{
		Metadata:       req.Metadata,
		Duration:       time.Duration(req.DurationSeconds) * time.Second,
		Options:        req.Options,
		Batches:        req.Batches,
		RestrictedHats: req.RestrictedHats,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalToResponse(rec))
}

// getProposalHandler handles GET /proposals/{proposalId}.
func (s *Server) getProposalHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.votes.Proposal(r.Context(), chi.URLParam(r, "proposalId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalToResponse(rec))
}

// voteHandler handles POST /proposals/{proposalId}/ballots.
func (s *Server) voteHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Options []int   `json:"options"`
		Weights []uint8 `json:"weights"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	voter := identity.CallerFromContext(r.Context())
	if voter == "" {
		writeError(w, http.StatusUnauthorized, "no caller identity")
		return
	}

	proposalID := chi.URLParam(r, "proposalId")
	if err := s.votes.Vote(r.Context(), proposalID, voter, req.Options, req.Weights); err != nil {
		writeServiceError(w, err)
		return
	}

	rec, err := s.votes.Proposal(r.Context(), proposalID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalToResponse(rec))
}

// hasVotedHandler handles GET /proposals/{proposalId}/ballots/{voter}.
func (s *Server) hasVotedHandler(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalId")
	voter := chi.URLParam(r, "voter")

	voted, err := s.votes.HasVoted(r.Context(), proposalID, voter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposalId": proposalID,
		"voter":      voter,
		"voted":      voted,
	})
}

// announceWinnerHandler handles POST /proposals/{proposalId}/winner.
// Finalization is permissionless; anyone may announce once the window has
// closed.
func (s *Server) announceWinnerHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.votes.AnnounceWinner(r.Context(), chi.URLParam(r, "proposalId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
