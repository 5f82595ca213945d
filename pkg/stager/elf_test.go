package stager

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestStager(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "stager suite")
}

var _ = Describe("findOnPath", func() {
	It("returns an absolute lib path unchanged if it exists", func() {
		dir := GinkgoT().TempDir()
		lib := filepath.Join(dir, "libfoo.so")
		Expect(os.WriteFile(lib, []byte("x"), 0o644)).To(Succeed())

		found, err := findOnPath(lib, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(Equal(lib))
	})

	It("searches the given search paths for a bare library name", func() {
		dir := GinkgoT().TempDir()
		lib := filepath.Join(dir, "libbar.so.1")
		Expect(os.WriteFile(lib, []byte("x"), 0o644)).To(Succeed())

		found, err := findOnPath("libbar.so.1", []string{dir})
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(Equal(lib))
	})

	It("errors when the library can't be found anywhere", func() {
		_, err := findOnPath("libdoesnotexist.so", []string{GinkgoT().TempDir()})
		Expect(err).To(HaveOccurred())
	})
})
