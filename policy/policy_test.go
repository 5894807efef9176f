package policy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/concourse/conveyor/policy"
)

var _ = Describe("Decide", func() {
	Describe("start", func() {
		It("allows a pending task with dependencies ready", func() {
			d := policy.Decide(policy.Request{Op: policy.OpStart, TaskState: "pending", DependenciesReady: true})
			Expect(d.OK).To(BeTrue())
			Expect(d.Reason).To(BeEmpty())
		})

		It("rejects a running task", func() {
			d := policy.Decide(policy.Request{Op: policy.OpStart, TaskState: "running", DependenciesReady: true})
			Expect(d.OK).To(BeFalse())
			Expect(d.Reason).To(Equal(policy.ReasonAlreadyRunning))
		})

		It("rejects a done task", func() {
			d := policy.Decide(policy.Request{Op: policy.OpStart, TaskState: "done", DependenciesReady: true})
			Expect(d.Reason).To(Equal(policy.ReasonAlreadyDone))
		})

		It("rejects a failed task", func() {
			d := policy.Decide(policy.Request{Op: policy.OpStart, TaskState: "failed", DependenciesReady: true})
			Expect(d.Reason).To(Equal(policy.ReasonAlreadyFailed))
		})

		It("rejects when dependencies are not ready", func() {
			d := policy.Decide(policy.Request{Op: policy.OpStart, TaskState: "pending", DependenciesReady: false})
			Expect(d.Reason).To(Equal(policy.ReasonDependenciesNotReady))
		})
	})

	Describe("restart", func() {
		It("allows done and failed tasks", func() {
			Expect(policy.Decide(policy.Request{Op: policy.OpRestart, TaskState: "done"}).OK).To(BeTrue())
			Expect(policy.Decide(policy.Request{Op: policy.OpRestart, TaskState: "failed"}).OK).To(BeTrue())
		})

		It("rejects tasks that never finished", func() {
			for _, state := range []string{"pending", "running"} {
				d := policy.Decide(policy.Request{Op: policy.OpRestart, TaskState: state})
				Expect(d.OK).To(BeFalse())
				Expect(d.Reason).To(Equal(policy.ReasonNeverStarted))
			}
		})
	})

	Describe("reset", func() {
		It("is always allowed", func() {
			for _, state := range []string{"pending", "running", "done", "failed"} {
				Expect(policy.Decide(policy.Request{Op: policy.OpReset, TaskState: state}).OK).To(BeTrue())
			}
		})
	})

	Describe("pause", func() {
		It("allows only running tasks", func() {
			Expect(policy.Decide(policy.Request{Op: policy.OpPause, TaskState: "running"}).OK).To(BeTrue())

			for _, state := range []string{"pending", "done", "failed"} {
				d := policy.Decide(policy.Request{Op: policy.OpPause, TaskState: state})
				Expect(d.Reason).To(Equal(policy.ReasonNotRunning))
			}
		})
	})

	Describe("resume", func() {
		It("allows only pending tasks", func() {
			Expect(policy.Decide(policy.Request{Op: policy.OpResume, TaskState: "pending"}).OK).To(BeTrue())

			for _, state := range []string{"running", "done", "failed"} {
				d := policy.Decide(policy.Request{Op: policy.OpResume, TaskState: state})
				Expect(d.Reason).To(Equal(policy.ReasonNotPaused))
			}
		})
	})

	It("rejects unknown operations", func() {
		d := policy.Decide(policy.Request{Op: policy.Op("explode"), TaskState: "pending"})
		Expect(d.OK).To(BeFalse())
		Expect(d.Reason).To(Equal(policy.ReasonUnknownOp))
	})
})
