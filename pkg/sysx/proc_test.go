package sysx_test

import (
	"os"
	"testing"

	"github.com/balena-os/takeover/pkg/sysx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSysx(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "sysx suite")
}

var _ = Describe("process race handling", func() {
	It("treats ENOENT as benign", func() {
		Expect(sysx.IsBenignProcRace(os.ErrNotExist)).To(BeTrue())
	})

	It("does not treat other errors as benign", func() {
		Expect(sysx.IsBenignProcRace(os.ErrPermission)).To(BeFalse())
	})
})

var _ = Describe("MaxFD", func() {
	It("returns a positive, bounded ceiling", func() {
		Expect(sysx.MaxFD()).To(BeNumerically(">", 0))
		Expect(sysx.MaxFD()).To(BeNumerically("<=", 65536))
	})
})
