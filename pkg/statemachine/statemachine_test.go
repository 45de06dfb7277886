package statemachine_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func TestStateMachineSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "State Machine Suite")
}

var _ = Describe("Apply", func() {
	Context("plan-then-approve happy path", func() {
		It("moves queued to planning on worker claim", func() {
			result, err := statemachine.Apply(types.StatusQueued, statemachine.EventWorkerClaim)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusPlanning))
			Expect(result.Effects).To(ContainElement(statemachine.EffectBeginExecutionRecord))
		})

		It("moves planning to awaiting-approval on subprocess success", func() {
			result, err := statemachine.Apply(types.StatusPlanning, statemachine.EventSubprocessSuccess)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusAwaitingApproval))
			Expect(result.Effects).To(ConsistOf(statemachine.EffectPostPlanArtifact, statemachine.EffectNotifyChat))
		})

		It("moves awaiting-approval to approved on approve, enqueuing execute", func() {
			result, err := statemachine.Apply(types.StatusAwaitingApproval, statemachine.EventApprove)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusApproved))
			Expect(result.Effects).To(ContainElement(statemachine.EffectEnqueueExecute))
		})

		It("moves approved to executing on worker claim", func() {
			result, err := statemachine.Apply(types.StatusApproved, statemachine.EventWorkerClaim)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusExecuting))
		})

		It("moves executing to completed on subprocess success", func() {
			result, err := statemachine.Apply(types.StatusExecuting, statemachine.EventSubprocessSuccess)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusCompleted))
			Expect(result.Effects).To(ContainElement(statemachine.EffectUpdateCodeHost))
		})
	})

	Context("reject path", func() {
		It("moves awaiting-approval to rejected on reject", func() {
			result, err := statemachine.Apply(types.StatusAwaitingApproval, statemachine.EventReject)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusRejected))
		})

		It("refuses approve once the task already moved to rejected", func() {
			_, err := statemachine.Apply(types.StatusRejected, statemachine.EventApprove)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("illegal-transition"))
		})
	})

	Context("improve loop", func() {
		It("returns awaiting-approval to planning and re-enqueues plan", func() {
			result, err := statemachine.Apply(types.StatusAwaitingApproval, statemachine.EventImprove)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusPlanning))
			Expect(result.Effects).To(ContainElement(statemachine.EffectEnqueuePlan))
		})
	})

	Context("retry and max-retries", func() {
		It("requeues on a retryable planning failure", func() {
			result, err := statemachine.Apply(types.StatusPlanning, statemachine.EventSubprocessRetryable)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusQueued))
			Expect(result.Effects).To(ContainElement(statemachine.EffectRequeueWithBackoff))
		})

		It("fails the task after max retries from planning", func() {
			result, err := statemachine.Apply(types.StatusPlanning, statemachine.EventMaxRetries)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusFailed))
		})

		It("fails the task after max retries from executing", func() {
			result, err := statemachine.Apply(types.StatusExecuting, statemachine.EventMaxRetries)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.To).To(Equal(types.StatusFailed))
		})
	})

	Context("illegal transitions", func() {
		It("rejects events from a terminal status", func() {
			_, err := statemachine.Apply(types.StatusCompleted, statemachine.EventApprove)
			Expect(err).To(HaveOccurred())
		})

		It("rejects an approve directly from queued", func() {
			_, err := statemachine.Apply(types.StatusQueued, statemachine.EventApprove)
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Create", func() {
	It("lands in queued and asks for a plan enqueue when not a duplicate", func() {
		result := statemachine.Create(false)
		Expect(result.To).To(Equal(types.StatusQueued))
		Expect(result.Effects).To(ContainElement(statemachine.EffectEnqueuePlan))
	})

	It("lands in deduplicated with no effects when a duplicate", func() {
		result := statemachine.Create(true)
		Expect(result.To).To(Equal(types.StatusDeduplicated))
		Expect(result.Effects).To(BeEmpty())
	})
})

var _ = Describe("ValidatePath", func() {
	It("accepts the plan-then-approve happy path", func() {
		path := []types.Status{
			types.StatusQueued,
			types.StatusPlanning,
			types.StatusAwaitingApproval,
			types.StatusApproved,
			types.StatusExecuting,
			types.StatusCompleted,
		}
		Expect(statemachine.ValidatePath(path)).To(Succeed())
	})

	It("rejects a path that continues after a terminal status", func() {
		path := []types.Status{types.StatusAwaitingApproval, types.StatusRejected, types.StatusApproved}
		Expect(statemachine.ValidatePath(path)).To(HaveOccurred())
	})

	It("rejects a path with a skipped state", func() {
		path := []types.Status{types.StatusQueued, types.StatusAwaitingApproval}
		Expect(statemachine.ValidatePath(path)).To(HaveOccurred())
	})
})
