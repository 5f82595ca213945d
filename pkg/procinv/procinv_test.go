package procinv_test

import (
	"testing"

	"github.com/balena-os/takeover/pkg/procinv"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestProcinv(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "procinv suite")
}

var _ = Describe("Entry.HoldsPath", func() {
	It("matches on exe under the mountpoint", func() {
		e := procinv.Entry{PID: 1, Exe: "/old_root/usr/bin/sshd"}
		Expect(e.HoldsPath("/old_root")).To(BeTrue())
	})

	It("matches on an open fd under the mountpoint", func() {
		e := procinv.Entry{PID: 2, Exe: "/bin/busybox", OpenFDs: []string{"/old_root/var/log/foo.log"}}
		Expect(e.HoldsPath("/old_root")).To(BeTrue())
	})

	It("does not match processes entirely outside the mountpoint", func() {
		e := procinv.Entry{PID: 3, Exe: "/bin/busybox", OpenFDs: []string{"/tmp/takeover/image/disk.img"}}
		Expect(e.HoldsPath("/old_root")).To(BeFalse())
	})
})
