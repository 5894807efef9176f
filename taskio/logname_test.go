package taskio_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/concourse/conveyor/stage"
	"github.com/concourse/conveyor/taskio"
)

var _ = Describe("ParseLogName", func() {
	It("parses a simple name", func() {
		n, ok := taskio.ParseLogName("extract-ingestion-start.log")
		Expect(ok).To(BeTrue())
		Expect(n.Task).To(Equal("extract"))
		Expect(n.Stage).To(Equal(stage.Ingestion))
		Expect(n.Event).To(Equal("start"))
		Expect(n.Ext).To(Equal("log"))
	})

	It("handles hyphenated stages and events by longest suffix", func() {
		n, ok := taskio.ParseLogName("extract-prompt-assembly-execution-logs.json")
		Expect(ok).To(BeTrue())
		Expect(n.Task).To(Equal("extract"))
		Expect(n.Stage).To(Equal(stage.PromptAssembly))
		Expect(n.Event).To(Equal("execution-logs"))
	})

	It("handles hyphenated task names", func() {
		n, ok := taskio.ParseLogName("load-warehouse-pre-processing-error.json")
		Expect(ok).To(BeTrue())
		Expect(n.Task).To(Equal("load-warehouse"))
		Expect(n.Stage).To(Equal(stage.PreProcessing))
		Expect(n.Event).To(Equal("error"))
	})

	It("round-trips every stage/event/extension combination", func() {
		for _, st := range stage.Sequence {
			for _, ev := range taskio.Events {
				for _, ext := range taskio.Extensions {
					name := taskio.FormatLogName("my-task", st, ev, ext)
					parsed, ok := taskio.ParseLogName(name)
					Expect(ok).To(BeTrue(), name)
					Expect(parsed.Task).To(Equal("my-task"), name)
					Expect(parsed.Stage).To(Equal(st), name)
					Expect(parsed.Event).To(Equal(ev), name)
					Expect(parsed.Ext).To(Equal(ext), name)
				}
			}
		}
	})

	It("rejects names outside the grammar", func() {
		for _, name := range []string{
			"",
			"noext",
			"extract-ingestion-start.txt",
			"extract-ingestion-launch.log",
			"extract-deployment-start.log",
			"ingestion-start.log",
			"-ingestion-start.log",
			"plain-artifact.json",
		} {
			_, ok := taskio.ParseLogName(name)
			Expect(ok).To(BeFalse(), name)
		}
	})
})
