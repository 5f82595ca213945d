package collab_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/balena-os/takeover/pkg/collab"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCollab(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "collab suite")
}

var _ = Describe("StaticCompatibilityMatrix", func() {
	m := collab.NewStaticCompatibilityMatrix()

	It("allows a known upgrade path", func() {
		Expect(m.IsSupported("intel-nuc", "balenaOS", "generic-amd64")).To(BeTrue())
	})

	It("rejects an unknown source device type", func() {
		Expect(m.IsSupported("unknown-device", "balenaOS", "generic-amd64")).To(BeFalse())
	})

	It("rejects an unlisted target for a known source", func() {
		Expect(m.IsSupported("intel-nuc", "balenaOS", "jetson-xavier-nx")).To(BeFalse())
	})
})

var _ = Describe("DefaultNetworkConfigTranslator", func() {
	tr := collab.DefaultNetworkConfigTranslator{}

	It("renders a wifi SSID into a keyfile connection", func() {
		files, err := tr.EmitNwmgrFiles([]collab.WifiOrFileSource{{SSID: "home-network", PasswordPSK: "secret"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(HaveLen(1))
		Expect(files[0].Contents).To(ContainSubstring("ssid=home-network"))
		Expect(files[0].Contents).To(ContainSubstring("psk=secret"))
	})

	It("passes through a raw nwmgr-cfg file verbatim", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "eth0.nmconnection")
		Expect(os.WriteFile(path, []byte("[connection]\nid=eth0\n"), 0o644)).To(Succeed())

		files, err := tr.EmitNwmgrFiles([]collab.WifiOrFileSource{{RawFilePath: path}})
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(HaveLen(1))
		Expect(files[0].Contents).To(Equal("[connection]\nid=eth0\n"))
	})
})
