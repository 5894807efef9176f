package lifecycle_test

import (
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3/lagertest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/concourse/conveyor/lifecycle"
)

var _ = Describe("Lockfile", func() {
	var path string

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "pipeline-data", "conveyor.lock")
	})

	It("acquires and releases the lock", func() {
		lock, err := lifecycle.AcquireLock(lagertest.NewTestLogger("test"), path)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(BeAnExistingFile())

		Expect(lock.Release()).To(Succeed())
		Expect(path).NotTo(BeAnExistingFile())
	})

	It("refuses a second acquisition while the holder is alive", func() {
		lock, err := lifecycle.AcquireLock(lagertest.NewTestLogger("test"), path)
		Expect(err).NotTo(HaveOccurred())
		defer lock.Release()

		// the first lock carries this test process's PID, which is alive
		_, err = lifecycle.AcquireLock(lagertest.NewTestLogger("test"), path)
		Expect(err).To(MatchError(ContainSubstring("another lifecycle manager")))
	})

	It("breaks a stale lock whose holder cannot be identified", func() {
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, []byte("not-a-pid"), 0644)).To(Succeed())

		lock, err := lifecycle.AcquireLock(lagertest.NewTestLogger("test"), path)
		Expect(err).NotTo(HaveOccurred())
		defer lock.Release()
	})

	It("tolerates releasing an already removed lock", func() {
		lock, err := lifecycle.AcquireLock(lagertest.NewTestLogger("test"), path)
		Expect(err).NotTo(HaveOccurred())

		Expect(os.Remove(path)).To(Succeed())
		Expect(lock.Release()).To(Succeed())
	})
})
