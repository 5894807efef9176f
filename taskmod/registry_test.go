package taskmod_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/concourse/conveyor/taskmod"
)

var _ = Describe("Registry", func() {
	writeFile := func(name, content string) string {
		path := filepath.Join(GinkgoT().TempDir(), name)
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	It("loads a YAML registry", func() {
		path := writeFile("tasks.yml", `
extract:
  program: /opt/tasks/extract
  args: ["--verbose"]
  env:
    MODEL: claude
transform:
  program: /opt/tasks/transform
  stages: [invocation, parsing, validation]
`)

		reg, err := taskmod.LoadRegistry(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Names()).To(Equal([]string{"extract", "transform"}))

		desc, ok := reg.Lookup("extract")
		Expect(ok).To(BeTrue())
		Expect(desc.Program).To(Equal("/opt/tasks/extract"))
		Expect(desc.Args).To(Equal([]string{"--verbose"}))
		Expect(desc.Env).To(HaveKeyWithValue("MODEL", "claude"))
	})

	It("loads a JSON registry by extension", func() {
		path := writeFile("tasks.json", `{"extract": {"program": "/opt/tasks/extract"}}`)

		reg, err := taskmod.LoadRegistry(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Names()).To(Equal([]string{"extract"}))
	})

	It("rejects an empty registry", func() {
		path := writeFile("tasks.yml", `{}`)
		_, err := taskmod.LoadRegistry(path)
		Expect(err).To(MatchError(ContainSubstring("declares no tasks")))
	})

	It("rejects relative program paths", func() {
		path := writeFile("tasks.yml", "extract:\n  program: bin/extract\n")
		_, err := taskmod.LoadRegistry(path)
		Expect(err).To(MatchError(ContainSubstring("absolute path")))
	})

	It("rejects unknown stage names", func() {
		path := writeFile("tasks.yml", "extract:\n  program: /opt/t\n  stages: [deployment]\n")
		_, err := taskmod.LoadRegistry(path)
		Expect(err).To(MatchError(ContainSubstring("unknown stage")))
	})

	It("rejects invalid task names", func() {
		path := writeFile("tasks.yml", "\"bad name\":\n  program: /opt/t\n")
		_, err := taskmod.LoadRegistry(path)
		Expect(err).To(MatchError(ContainSubstring("invalid task name")))
	})
})
