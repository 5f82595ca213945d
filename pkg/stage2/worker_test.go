package stage2

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestStage2(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "stage2 suite")
}

var _ = Describe("parseSwapDevices", func() {
	It("extracts device names from /proc/swaps, skipping the header", func() {
		data := []byte("Filename\t\t\t\tType\t\tSize\t\tUsed\t\tPriority\n/dev/sda2                               partition\t2097148\t0\t-2\n")
		devices := parseSwapDevices(data)
		Expect(devices).To(Equal([]string{"/dev/sda2"}))
	})

	It("returns nothing for an empty swap table", func() {
		data := []byte("Filename\t\t\t\tType\t\tSize\t\tUsed\t\tPriority\n")
		Expect(parseSwapDevices(data)).To(BeEmpty())
	})
})

var _ = Describe("ringBuffer", func() {
	It("retains the most recent bytes once over capacity", func() {
		r := newRingBuffer(8)
		_, _ = r.Write([]byte("0123456789"))
		Expect(r.Bytes()).To(Equal([]byte("23456789")))
	})

	It("accumulates writes that stay under capacity", func() {
		r := newRingBuffer(32)
		_, _ = r.Write([]byte("abc"))
		_, _ = r.Write([]byte("def"))
		Expect(r.Bytes()).To(Equal([]byte("abcdef")))
	})
})
