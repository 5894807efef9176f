package pipeline_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/concourse/conveyor/paths"
	"github.com/concourse/conveyor/pipeline"
)

var _ = Describe("Definition", func() {
	Describe("Validate", func() {
		It("accepts a well-formed definition", func() {
			def := pipeline.Definition{
				Name:  "etl",
				Tasks: []string{"extract", "transform", "load"},
				TaskConfig: map[string]pipeline.TaskConfig{
					"transform": {"maxRefinementAttempts": 3},
				},
			}
			Expect(def.Validate()).To(Succeed())
		})

		It("requires a name and at least one task", func() {
			Expect(pipeline.Definition{Tasks: []string{"a"}}.Validate()).To(HaveOccurred())
			Expect(pipeline.Definition{Name: "x"}.Validate()).To(HaveOccurred())
		})

		It("rejects duplicate and malformed task names", func() {
			Expect(pipeline.Definition{
				Name: "x", Tasks: []string{"a", "a"},
			}.Validate()).To(MatchError(ContainSubstring("duplicate")))

			Expect(pipeline.Definition{
				Name: "x", Tasks: []string{"a/b"},
			}.Validate()).To(MatchError(ContainSubstring("invalid task name")))
		})

		It("rejects config for unknown tasks", func() {
			def := pipeline.Definition{
				Name:       "x",
				Tasks:      []string{"a"},
				TaskConfig: map[string]pipeline.TaskConfig{"ghost": {}},
			}
			Expect(def.Validate()).To(MatchError(ContainSubstring("unknown task")))
		})
	})

	Describe("TaskConfig", func() {
		It("falls back to the default refinement budget", func() {
			Expect(pipeline.TaskConfig{}.MaxRefinementAttempts()).To(
				Equal(pipeline.DefaultMaxRefinementAttempts))
		})

		It("reads an explicit refinement budget", func() {
			cfg := pipeline.TaskConfig{"maxRefinementAttempts": float64(5)}
			Expect(cfg.MaxRefinementAttempts()).To(Equal(5))
		})

		It("reads the stage timeout in milliseconds", func() {
			cfg := pipeline.TaskConfig{"stageTimeoutMs": float64(1500)}
			Expect(cfg.StageTimeout()).To(Equal(1500 * time.Millisecond))
			Expect(pipeline.TaskConfig{}.StageTimeout()).To(BeZero())
		})
	})

	Describe("Snapshot and LoadSnapshot", func() {
		It("freezes a definition into a job directory and reads it back", func() {
			jobDir := GinkgoT().TempDir()
			def := pipeline.Definition{Name: "etl", Tasks: []string{"extract", "load"}}

			Expect(pipeline.Snapshot(def, jobDir)).To(Succeed())

			loaded, err := pipeline.LoadSnapshot(paths.PipelinePathIn(jobDir))
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Name).To(Equal("etl"))
			Expect(loaded.Tasks).To(Equal([]string{"extract", "load"}))
		})
	})
})

var _ = Describe("Registry", func() {
	writeRegistry := func(content string) string {
		path := filepath.Join(GinkgoT().TempDir(), "pipelines.yml")
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	It("loads pipelines from YAML and fills missing names from slugs", func() {
		path := writeRegistry(`
pipelines:
  etl:
    tasks: [extract, transform, load]
  report:
    name: reporting
    tasks: [summarize]
    taskConfig:
      summarize:
        maxRefinementAttempts: 1
`)

		reg, err := pipeline.LoadRegistry(path)
		Expect(err).NotTo(HaveOccurred())

		Expect(reg.Slugs()).To(Equal([]string{"etl", "report"}))
		Expect(reg.Has("etl")).To(BeTrue())
		Expect(reg.Has("mystery")).To(BeFalse())

		etl, ok := reg.Lookup("etl")
		Expect(ok).To(BeTrue())
		Expect(etl.Name).To(Equal("etl"))

		report, _ := reg.Lookup("report")
		Expect(report.Name).To(Equal("reporting"))
		Expect(report.ConfigFor("summarize").MaxRefinementAttempts()).To(Equal(1))
	})

	It("rejects an empty registry", func() {
		path := writeRegistry(`pipelines: {}`)
		_, err := pipeline.LoadRegistry(path)
		Expect(err).To(MatchError(ContainSubstring("no pipelines")))
	})

	It("rejects a registry with an invalid definition", func() {
		path := writeRegistry(`
pipelines:
  broken:
    tasks: []
`)
		_, err := pipeline.LoadRegistry(path)
		Expect(err).To(HaveOccurred())
	})
})
