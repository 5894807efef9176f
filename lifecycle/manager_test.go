package lifecycle_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tedsuo/ifrit"

	"github.com/concourse/conveyor/event"
	"github.com/concourse/conveyor/lifecycle"
	"github.com/concourse/conveyor/paths"
	"github.com/concourse/conveyor/status"
)

var _ = Describe("Manager", func() {
	var (
		base    string
		bus     *event.Bus
		writer  *status.Writer
		manager *lifecycle.Manager
		process ifrit.Process
	)

	BeforeEach(func() {
		base = GinkgoT().TempDir()

		registryPath := filepath.Join(base, "pipelines.yml")
		Expect(os.WriteFile(registryPath, []byte(`
pipelines:
  etl:
    tasks: [extract, transform]
`), 0644)).To(Succeed())

		logger := lagertest.NewTestLogger("test")
		bus = event.NewBus(logger)
		writer = status.NewWriter(logger, clock.NewClock(), bus)

		var err error
		manager, err = lifecycle.NewManager(logger, clock.NewClock(), writer, bus, lifecycle.Config{
			DataRoot:             base,
			PipelineRegistryPath: registryPath,
			TaskRegistryPath:     filepath.Join(base, "tasks.yml"),
			MaxConcurrentRunners: 2,
			RescanInterval:       50 * time.Millisecond,
			RunnerBin:            "/bin/true",
		})
		Expect(err).NotTo(HaveOccurred())

		process = ifrit.Background(manager)
		Eventually(process.Ready()).Should(BeClosed())
	})

	AfterEach(func() {
		process.Signal(syscall.SIGTERM)
		Eventually(process.Wait()).Should(Receive())
		bus.Close()
	})

	dropSeed := func(jobID string, content string) {
		path := paths.SeedPath(base, paths.Pending, jobID)
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
	}

	Describe("promoting a valid seed", func() {
		seedDoc := `{"name": "Quarterly", "data": {"source": "s3"}, "pipeline": "etl", "metadata": {"owner": "ops"}}`

		It("creates the job directory tree in current", func() {
			dropSeed("job1", seedDoc)

			jobDir := paths.JobDir(base, paths.Current, "job1")
			Eventually(func() bool {
				_, err := os.Stat(paths.StatusPathIn(jobDir))
				return err == nil
			}, "5s").Should(BeTrue())

			Expect(filepath.Join(jobDir, "seed.json")).To(BeAnExistingFile())
			Expect(paths.PipelinePathIn(jobDir)).To(BeAnExistingFile())
			Expect(filepath.Join(jobDir, "job.json")).To(BeAnExistingFile())
			for _, kind := range paths.Kinds {
				Expect(paths.FilesDirIn(jobDir, kind)).To(BeADirectory())
			}

			// the pending seed was consumed
			Eventually(func() bool {
				_, err := os.Stat(paths.SeedPath(base, paths.Pending, "job1"))
				return os.IsNotExist(err)
			}, "5s").Should(BeTrue())
		})

		It("initializes the status document with all tasks pending in order", func() {
			dropSeed("job1", seedDoc)

			jobDir := paths.JobDir(base, paths.Current, "job1")
			Eventually(func() bool {
				_, err := os.Stat(paths.StatusPathIn(jobDir))
				return err == nil
			}, "5s").Should(BeTrue())

			data, err := os.ReadFile(paths.StatusPathIn(jobDir))
			Expect(err).NotTo(HaveOccurred())
			var tree map[string]any
			Expect(json.Unmarshal(data, &tree)).To(Succeed())

			Expect(tree["id"]).To(Equal("job1"))
			Expect(tree["state"]).To(Equal("pending"))
			Expect(tree["pipelineOrder"]).To(Equal([]any{"extract", "transform"}))

			tasks := tree["tasks"].(map[string]any)
			Expect(tasks).To(HaveKey("extract"))
			Expect(tasks).To(HaveKey("transform"))
		})

		It("copies staged uploads into the job's artifacts", func() {
			uploadsDir := paths.UploadsDir(base, "job2")
			Expect(os.MkdirAll(uploadsDir, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(uploadsDir, "input.csv"), []byte("a,b\n"), 0644)).To(Succeed())

			dropSeed("job2", seedDoc)

			jobDir := paths.JobDir(base, paths.Current, "job2")
			copied := filepath.Join(paths.FilesDirIn(jobDir, paths.Artifacts), "input.csv")
			Eventually(func() bool {
				_, err := os.Stat(copied)
				return err == nil
			}, "5s").Should(BeTrue())

			Eventually(func() bool {
				_, err := os.Stat(uploadsDir)
				return os.IsNotExist(err)
			}, "5s").Should(BeTrue())
		})

		It("publishes a seed:uploaded event", func() {
			sub := bus.Subscribe(event.TopicSeedUploaded, 4)
			dropSeed("job3", seedDoc)

			var env event.Envelope
			Eventually(sub.C, "5s").Should(Receive(&env))
			Expect(env.Payload.(event.SeedUploaded).Name).To(Equal("job3-seed.json"))
		})
	})

	Describe("rejecting an invalid seed", func() {
		It("moves the seed to rejected with a reason file", func() {
			dropSeed("badjob", `{"name": "x", "data": {}, "pipeline": "mystery"}`)

			rejectedSeed := paths.SeedPath(base, paths.Rejected, "badjob")
			Eventually(func() bool {
				_, err := os.Stat(rejectedSeed)
				return err == nil
			}, "5s").Should(BeTrue())

			reasonData, err := os.ReadFile(paths.SeedReasonPath(base, "badjob"))
			Expect(err).NotTo(HaveOccurred())

			var reason map[string]any
			Expect(json.Unmarshal(reasonData, &reason)).To(Succeed())
			Expect(reason["jobId"]).To(Equal("badjob"))
			Expect(reason["reason"]).To(ContainSubstring("unknown pipeline"))

			// nothing was promoted
			Expect(paths.JobDir(base, paths.Current, "badjob")).NotTo(BeADirectory())
		})

		It("rejects seeds that fail schema validation", func() {
			dropSeed("noname", `{"data": {}, "pipeline": "etl"}`)

			Eventually(func() bool {
				_, err := os.Stat(paths.SeedReasonPath(base, "noname"))
				return err == nil
			}, "5s").Should(BeTrue())
		})
	})

	Describe("StopJob", func() {
		It("errors for a job with no attached runner", func() {
			Expect(manager.StopJob("ghost")).To(MatchError(ContainSubstring("no running runner")))
		})

		It("rejects invalid job IDs", func() {
			Expect(manager.StopJob("../escape")).To(MatchError(ContainSubstring("invalid job id")))
		})
	})

	Describe("PruneJob", func() {
		It("removes a completed job", func() {
			jobDir := paths.JobDir(base, paths.Complete, "done-job")
			Expect(os.MkdirAll(jobDir, 0755)).To(Succeed())

			Expect(manager.PruneJob("done-job")).To(Succeed())
			Expect(jobDir).NotTo(BeADirectory())
		})

		It("removes a rejected seed and its reason", func() {
			Expect(os.MkdirAll(paths.BucketDir(base, paths.Rejected), 0755)).To(Succeed())
			seedPath := paths.SeedPath(base, paths.Rejected, "bad")
			Expect(os.WriteFile(seedPath, []byte("{}"), 0644)).To(Succeed())
			Expect(os.WriteFile(paths.SeedReasonPath(base, "bad"), []byte("{}"), 0644)).To(Succeed())

			Expect(manager.PruneJob("bad")).To(Succeed())
			Expect(seedPath).NotTo(BeAnExistingFile())
		})

		It("removes a failed job from current but not a healthy one", func() {
			failedDir := paths.JobDir(base, paths.Current, "failed-job")
			Expect(os.MkdirAll(failedDir, 0755)).To(Succeed())
			Expect(os.WriteFile(paths.StatusPathIn(failedDir),
				[]byte(`{"id":"failed-job","state":"failed","tasks":{}}`), 0644)).To(Succeed())

			Expect(manager.PruneJob("failed-job")).To(Succeed())
			Expect(failedDir).NotTo(BeADirectory())

			healthyDir := paths.JobDir(base, paths.Current, "healthy-job")
			Expect(os.MkdirAll(healthyDir, 0755)).To(Succeed())
			Expect(os.WriteFile(paths.StatusPathIn(healthyDir),
				[]byte(`{"id":"healthy-job","state":"running","tasks":{}}`), 0644)).To(Succeed())

			Expect(manager.PruneJob("healthy-job")).To(MatchError(ContainSubstring("nothing to prune")))
			Expect(healthyDir).To(BeADirectory())
		})
	})

	It("enforces one manager per data root", func() {
		logger := lagertest.NewTestLogger("second")
		second, err := lifecycle.NewManager(logger, clock.NewClock(), writer, bus, lifecycle.Config{
			DataRoot:             base,
			PipelineRegistryPath: filepath.Join(base, "pipelines.yml"),
			RunnerBin:            "/bin/true",
		})
		Expect(err).NotTo(HaveOccurred())

		proc := ifrit.Background(second)
		Eventually(proc.Wait()).Should(Receive(MatchError(ContainSubstring("another lifecycle manager"))))
	})
})
