package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/PerpetualOrganizationArchitect/poa/modules/educationhub"
	"github.com/PerpetualOrganizationArchitect/poa/modules/orgexecutor"
	"github.com/PerpetualOrganizationArchitect/poa/modules/participation"
	"github.com/PerpetualOrganizationArchitect/poa/modules/paymentmanager"
	"github.com/PerpetualOrganizationArchitect/poa/modules/quickjoin"
	"github.com/PerpetualOrganizationArchitect/poa/modules/taskmanager"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/beacon"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/deployer"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/registry"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"code":    status,
		"message": message,
	})
}

// writeServiceError maps domain sentinel errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrOrgNotFound),
		errors.Is(err, registry.ErrContractNotFound),
		errors.Is(err, beacon.ErrNotFound),
		errors.Is(err, voting.ErrMachineNotFound),
		errors.Is(err, voting.ErrProposalNotFound),
		errors.Is(err, registry.ErrRoleNotBound),
		errors.Is(err, hats.ErrHatNotFound),
		errors.Is(err, module.ErrUnknownModuleType),
		errors.Is(err, module.ErrUnknownImplementation),
		errors.Is(err, module.ErrInstanceNotFound),
		errors.Is(err, taskmanager.ErrTaskNotFound),
		errors.Is(err, educationhub.ErrLessonNotFound):
		return http.StatusNotFound

	case errors.Is(err, beacon.ErrNotOwner),
		errors.Is(err, voting.ErrNotAuthorized),
		errors.Is(err, executor.ErrUnauthorizedCaller),
		errors.Is(err, participation.ErrNotMinter),
		errors.Is(err, taskmanager.ErrNotPermitted),
		errors.Is(err, educationhub.ErrNotPermitted),
		errors.Is(err, paymentmanager.ErrNotExecutor),
		errors.Is(err, orgexecutor.ErrNotSelf):
		return http.StatusForbidden

	case errors.Is(err, deployer.ErrOrgAlreadyDeployed),
		errors.Is(err, registry.ErrOrgExists),
		errors.Is(err, registry.ErrContractExists),
		errors.Is(err, module.ErrAlreadyInitialized),
		errors.Is(err, module.ErrNotInitialized),
		errors.Is(err, voting.ErrAlreadyVoted),
		errors.Is(err, voting.ErrAlreadyFinalized),
		errors.Is(err, voting.ErrVotingExpired),
		errors.Is(err, voting.ErrVotingOpen),
		errors.Is(err, voting.ErrPaused),
		errors.Is(err, voting.ErrLocked),
		errors.Is(err, quickjoin.ErrAlreadyMember),
		errors.Is(err, educationhub.ErrAlreadyCompleted),
		errors.Is(err, taskmanager.ErrWrongStatus),
		errors.Is(err, paymentmanager.ErrInsufficientFunds):
		return http.StatusConflict

	case errors.Is(err, voting.ErrEmptyMetadata),
		errors.Is(err, voting.ErrInvalidOptionCount),
		errors.Is(err, voting.ErrInvalidDuration),
		errors.Is(err, voting.ErrBatchLengthMismatch),
		errors.Is(err, voting.ErrTooManyCalls),
		errors.Is(err, voting.ErrTargetNotAllowed),
		errors.Is(err, voting.ErrSelfTarget),
		errors.Is(err, voting.ErrArrayLengthMismatch),
		errors.Is(err, voting.ErrInvalidOption),
		errors.Is(err, voting.ErrDuplicateOption),
		errors.Is(err, voting.ErrInvalidWeightSum),
		errors.Is(err, voting.ErrInvalidQuorum),
		errors.Is(err, beacon.ErrEmptyValue),
		errors.Is(err, beacon.ErrNotLogic),
		errors.Is(err, beacon.ErrMirrorChain),
		errors.Is(err, registry.ErrZeroOrgID),
		errors.Is(err, registry.ErrEmptyModuleType),
		errors.Is(err, participation.ErrZeroAmount),
		errors.Is(err, paymentmanager.ErrZeroAmount),
		errors.Is(err, participation.ErrUnknownMethod),
		errors.Is(err, taskmanager.ErrUnknownMethod),
		errors.Is(err, educationhub.ErrUnknownMethod),
		errors.Is(err, paymentmanager.ErrUnknownMethod),
		errors.Is(err, quickjoin.ErrUnknownMethod),
		errors.Is(err, orgexecutor.ErrUnknownMethod),
		errors.Is(err, educationhub.ErrWrongAnswer):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decodeJSON decodes a request body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
