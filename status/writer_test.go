package status_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/concourse/conveyor/event"
	"github.com/concourse/conveyor/paths"
	"github.com/concourse/conveyor/status"
)

var _ = Describe("Writer", func() {
	var (
		jobDir string
		clk    *fakeclock.FakeClock
		bus    *event.Bus
		writer *status.Writer
	)

	BeforeEach(func() {
		jobDir = filepath.Join(GinkgoT().TempDir(), "job1")
		Expect(os.MkdirAll(jobDir, 0755)).To(Succeed())

		clk = fakeclock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
		bus = event.NewBus(lagertest.NewTestLogger("test"))
		writer = status.NewWriter(lagertest.NewTestLogger("test"), clk, bus)
	})

	AfterEach(func() {
		bus.Close()
	})

	readTree := func() map[string]any {
		data, err := os.ReadFile(paths.StatusPathIn(jobDir))
		Expect(err).NotTo(HaveOccurred())
		var tree map[string]any
		Expect(json.Unmarshal(data, &tree)).To(Succeed())
		return tree
	}

	Describe("Update", func() {
		It("creates a default document when none exists", func() {
			err := writer.Update(jobDir, func(doc *status.Document) error { return nil })
			Expect(err).NotTo(HaveOccurred())

			tree := readTree()
			Expect(tree).To(HaveKeyWithValue("id", "job1"))
			Expect(tree).To(HaveKeyWithValue("state", "pending"))
		})

		It("stamps lastUpdated from the clock", func() {
			Expect(writer.Update(jobDir, func(doc *status.Document) error { return nil })).To(Succeed())

			tree := readTree()
			Expect(tree["lastUpdated"]).To(Equal("2026-08-01T12:00:00Z"))
		})

		It("rejects the caller's update on fn error without breaking later updates", func() {
			err := writer.Update(jobDir, func(doc *status.Document) error {
				return os.ErrPermission
			})
			Expect(err).To(HaveOccurred())

			Expect(writer.Update(jobDir, func(doc *status.Document) error {
				doc.Set("after", true)
				return nil
			})).To(Succeed())

			Expect(readTree()).To(HaveKeyWithValue("after", true))
		})

		It("falls back to a default document when the file is corrupt", func() {
			Expect(os.WriteFile(paths.StatusPathIn(jobDir), []byte("{not json"), 0644)).To(Succeed())

			Expect(writer.Update(jobDir, func(doc *status.Document) error { return nil })).To(Succeed())
			Expect(readTree()).To(HaveKeyWithValue("state", "pending"))
		})

		It("publishes a state:change event after every commit", func() {
			sub := bus.Subscribe(event.TopicStateChange, 4)

			Expect(writer.Update(jobDir, func(doc *status.Document) error { return nil })).To(Succeed())

			var env event.Envelope
			Eventually(sub.C).Should(Receive(&env))
			change := env.Payload.(event.StateChange)
			Expect(change.JobID).To(Equal("job1"))
			Expect(change.Path).To(Equal(paths.StatusPathIn(jobDir)))
		})

		It("applies every one of many concurrent updates exactly once", func() {
			const writers = 100

			var wg sync.WaitGroup
			wg.Add(writers)
			for i := 0; i < writers; i++ {
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					err := writer.Update(jobDir, func(doc *status.Document) error {
						v, _ := doc.Get("counter")
						n, _ := v.(float64)
						doc.Set("counter", n+1)
						return nil
					})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(readTree()["counter"]).To(BeEquivalentTo(writers))
		})

		It("preserves operator-set aggregates through non-task updates", func() {
			seeded := `{"id":"job1","state":"running","progress":67,"tasks":{"a":{"state":"done"}}}`
			Expect(os.WriteFile(paths.StatusPathIn(jobDir), []byte(seeded), 0644)).To(Succeed())

			Expect(writer.Update(jobDir, func(doc *status.Document) error {
				doc.Set("note", "touched")
				return nil
			})).To(Succeed())

			tree := readTree()
			Expect(tree["state"]).To(Equal("running"))
			Expect(tree["progress"]).To(BeEquivalentTo(67))
		})
	})

	Describe("UpdateTask", func() {
		It("recomputes aggregates and publishes a task:updated event", func() {
			sub := bus.Subscribe(event.TopicTaskUpdated, 4)

			err := writer.UpdateTask(jobDir, "extract", func(task status.Task) error {
				task.SetState(status.TaskRunning)
				task.SetCurrentStage("invocation")
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			tree := readTree()
			Expect(tree["state"]).To(Equal("running"))
			Expect(tree["current"]).To(Equal("extract"))
			Expect(tree["currentStage"]).To(Equal("invocation"))

			var env event.Envelope
			Eventually(sub.C).Should(Receive(&env))
			updated := env.Payload.(event.TaskUpdated)
			Expect(updated.JobID).To(Equal("job1"))
			Expect(updated.TaskID).To(Equal("extract"))

			snapshot := updated.Task.(map[string]any)
			Expect(snapshot["state"]).To(Equal("running"))
		})
	})

	Describe("ResetJobFromTask", func() {
		seedJob := func() {
			Expect(writer.Update(jobDir, func(doc *status.Document) error {
				doc.SetPipelineOrder([]string{"a", "b", "c"})
				for _, name := range []string{"a", "b", "c"} {
					task := doc.EnsureTask(name)
					task.SetState(status.TaskDone)
					task.AddAttempt()
				}
				doc.AddTaskFile("b", status.Artifacts, "b-out.json")
				doc.RecomputeAggregates()
				return nil
			})).To(Succeed())
		}

		It("resets the target and everything after it, keeping earlier tasks", func() {
			seedJob()

			Expect(writer.ResetJobFromTask(jobDir, "b", status.ResetOptions{})).To(Succeed())

			tree := readTree()
			tasks := tree["tasks"].(map[string]any)
			Expect(tasks["a"].(map[string]any)["state"]).To(Equal("done"))
			Expect(tasks["b"].(map[string]any)["state"]).To(Equal("pending"))
			Expect(tasks["c"].(map[string]any)["state"]).To(Equal("pending"))

			// one of three tasks remains done
			Expect(tree["progress"]).To(BeEquivalentTo(33))
			Expect(tree["state"]).To(Equal("pending"))
		})

		It("leaves file lists untouched", func() {
			seedJob()

			Expect(writer.ResetJobFromTask(jobDir, "b", status.ResetOptions{})).To(Succeed())

			tree := readTree()
			files := tree["files"].(map[string]any)
			Expect(files["artifacts"]).To(ContainElement("b-out.json"))
		})

		It("fails on an unknown task", func() {
			seedJob()
			Expect(writer.ResetJobFromTask(jobDir, "nope", status.ResetOptions{})).To(HaveOccurred())
		})
	})

	Describe("ResetJobToCleanSlate", func() {
		It("resets every task", func() {
			Expect(writer.Update(jobDir, func(doc *status.Document) error {
				doc.SetPipelineOrder([]string{"a", "b"})
				doc.EnsureTask("a").SetState(status.TaskDone)
				doc.EnsureTask("b").SetState(status.TaskFailed)
				doc.RecomputeAggregates()
				return nil
			})).To(Succeed())

			Expect(writer.ResetJobToCleanSlate(jobDir, status.ResetOptions{})).To(Succeed())

			tree := readTree()
			Expect(tree["state"]).To(Equal("pending"))
			Expect(tree["progress"]).To(BeEquivalentTo(0))
		})
	})
})
