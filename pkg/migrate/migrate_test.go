package migrate_test

import (
	"testing"

	"github.com/balena-os/takeover/pkg/migrate"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMigrate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "migrate suite")
}

var _ = Describe("handoff round-trip", func() {
	It("deserializes to a structurally equal Info after a write/read cycle", func() {
		dir := GinkgoT().TempDir()

		want := migrate.Info{
			FlashDev:       "/dev/mmcblk0",
			ImagePath:      "/image/disk.img.gz",
			ConfigBlob:     `{"deviceType":"intel-nuc"}`,
			LogDev:         "/dev/sdb1",
			NwmgrFiles:     []migrate.NwmgrFile{{Filename: "wifi.nmconnection", Contents: "[connection]\n"}},
			BackupArchive:  "/image/backup.tar",
			Hostname:       "my-device",
			EFISetup:       migrate.EFISetup{Enabled: true},
			Pretend:        true,
			DeviceTypeSlug: "intel-nuc",
			ChangeDTTo:     "generic-amd64",
			Stage1LogLevel: "info",
			Stage2LogLevel: "debug",
			FallbackLog:    true,
			Wifis:          []string{"home-network"},
			APIBaseURL:     "https://api.balena-cloud.com",
			APIToken:       "secret-token",
		}

		Expect(migrate.WriteHandoff(dir, want)).To(Succeed())

		got, err := migrate.ReadHandoff(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(want))
	})
})

var _ = Describe("ParseBackupManifest", func() {
	It("parses a volume/item/source/target/filter manifest", func() {
		doc := []byte(`
volumes:
  - volume: data
    item: database
    source: /var/lib/app
    target: /mnt/data/app
    filter: "*.db"
`)
		m, err := migrate.ParseBackupManifest(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Volumes).To(HaveLen(1))
		Expect(m.Volumes[0].Target).To(Equal("/mnt/data/app"))
	})
})
