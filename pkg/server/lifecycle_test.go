package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/PerpetualOrganizationArchitect/poa/modules/directdemocracy"
	"github.com/PerpetualOrganizationArchitect/poa/modules/educationhub"
	"github.com/PerpetualOrganizationArchitect/poa/modules/participation"
	"github.com/PerpetualOrganizationArchitect/poa/modules/quickjoin"
	"github.com/PerpetualOrganizationArchitect/poa/modules/taskmanager"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/deployer"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"
)

var _ = Describe("Organization lifecycle", Ordered, func() {
	const (
		owner  = "olivia"
		member = "gloria"
	)

	var (
		e      *serverEnv
		org    deployer.OrgDeployment
		taskID string
	)

	invoke := func(instance, principal, method string, args map[string]any) *httptest.ResponseRecorder {
		body := map[string]any{"method": method}
		if args != nil {
			body["args"] = args
		}
		return e.call(http.MethodPost, APIBasePath+"/instances/"+instance+"/calls", principal, body)
	}

	result := func(rr *httptest.ResponseRecorder) any {
		ExpectWithOffset(1, rr.Code).To(Equal(http.StatusOK), rr.Body.String())
		var out struct {
			Result any `json:"result"`
		}
		ExpectWithOffset(1, json.Unmarshal(rr.Body.Bytes(), &out)).To(Succeed())
		return out.Result
	}

	balance := func(account string) float64 {
		rr := invoke(org.Instances[participation.ModuleType], account, "balanceOf",
			map[string]any{"account": account})
		v, ok := result(rr).(float64)
		ExpectWithOffset(1, ok).To(BeTrue())
		return v
	}

	BeforeAll(func() {
		e = sharedEnv()

		cfg := testOrgConfig("Spec Lifecycle Collective", voting.ClassDirectDemocracy)
		cfg.Owner = owner

		rr := e.call(http.MethodPost, APIBasePath+"/orgs", owner, cfg)
		Expect(rr.Code).To(Equal(http.StatusCreated), rr.Body.String())
		Expect(json.Unmarshal(rr.Body.Bytes(), &org)).To(Succeed())
		Expect(org.Instances).To(HaveLen(7))
	})

	It("admits a new member through quick join", func() {
		By("joining as a stranger")
		rr := invoke(org.Instances[quickjoin.ModuleType], member, "join", nil)
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		By("confirming membership")
		rr = invoke(org.Instances[quickjoin.ModuleType], member, "isMember",
			map[string]any{"account": member})
		Expect(result(rr)).To(Equal(true))

		By("receiving the welcome bonus")
		Expect(balance(member)).To(Equal(float64(25)))
	})

	It("pays out a completed task", func() {
		By("creating a task as the org owner")
		rr := invoke(org.Instances[taskmanager.ModuleType], owner, "createTask",
			map[string]any{"title": "Write the onboarding guide", "payout": 40})
		id, ok := result(rr).(string)
		Expect(ok).To(BeTrue())
		taskID = id

		By("claiming and submitting as the member")
		rr = invoke(org.Instances[taskmanager.ModuleType], member, "claimTask",
			map[string]any{"task": taskID})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		rr = invoke(org.Instances[taskmanager.ModuleType], member, "submitTask",
			map[string]any{"task": taskID, "submission": "draft one"})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		By("approving as the owner")
		rr = invoke(org.Instances[taskmanager.ModuleType], owner, "completeTask",
			map[string]any{"task": taskID})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		By("crediting the payout")
		Expect(balance(member)).To(Equal(float64(65)))
	})

	It("rewards a lesson completion", func() {
		By("publishing a lesson")
		rr := invoke(org.Instances[educationhub.ModuleType], owner, "createLesson",
			map[string]any{"title": "Governance basics", "answer": "quorum", "reward": 15})
		lessonID, ok := result(rr).(string)
		Expect(ok).To(BeTrue())

		By("rejecting a wrong answer")
		rr = invoke(org.Instances[educationhub.ModuleType], member, "completeLesson",
			map[string]any{"lesson": lessonID, "answer": "majority"})
		Expect(rr.Code).To(Equal(http.StatusBadRequest))

		By("accepting the right answer")
		rr = invoke(org.Instances[educationhub.ModuleType], member, "completeLesson",
			map[string]any{"lesson": lessonID, "answer": "quorum"})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		Expect(balance(member)).To(Equal(float64(80)))

		rr = invoke(org.Instances[educationhub.ModuleType], member, "hasCompleted",
			map[string]any{"lesson": lessonID, "member": member})
		Expect(result(rr)).To(Equal(true))
	})

	It("finalizes a proposal through governance", func() {
		machineID := org.Instances[directdemocracy.ModuleType]

		By("opening a proposal as the owner")
		rr := e.call(http.MethodPost, APIBasePath+"/machines/"+machineID+"/proposals", owner,
			map[string]any{"metadata": "Adopt the onboarding guide", "durationSeconds": 3600, "options": 2})
		Expect(rr.Code).To(Equal(http.StatusCreated), rr.Body.String())

		var prop proposalResponse
		Expect(json.Unmarshal(rr.Body.Bytes(), &prop)).To(Succeed())

		By("voting as owner and member")
		for _, voter := range []string{owner, member} {
			rr = e.call(http.MethodPost, APIBasePath+"/proposals/"+prop.ID+"/ballots", voter,
				map[string]any{"options": []int{0}, "weights": []int{100}})
			Expect(rr.Code).To(Equal(http.StatusCreated), rr.Body.String())
		}

		By("closing the window and announcing")
		Expect(e.db.Model(&voting.ProposalRecord{}).
			Where("id = ?", prop.ID).
			Update("ends_at", time.Now().Add(-time.Minute)).Error).To(Succeed())

		rr = e.call(http.MethodPost, APIBasePath+"/proposals/"+prop.ID+"/winner", member, nil)
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		var outcome voting.WinnerResult
		Expect(json.Unmarshal(rr.Body.Bytes(), &outcome)).To(Succeed())
		Expect(outcome.WinnerIndex).To(Equal(0))
		Expect(outcome.Valid).To(BeTrue())
		Expect(outcome.TotalWeight).To(Equal(uint64(200)))
	})
})
