package blockdev_test

import (
	"testing"

	"github.com/balena-os/takeover/pkg/blockdev"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBlockdev(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "blockdev suite")
}

var _ = Describe("WholeDiskFor", func() {
	disks := []blockdev.Disk{
		{
			Device: "/dev/sda",
			Partitions: []blockdev.Partition{
				{Device: "/dev/sda1", Mountpoint: "/boot", ParentDisk: "/dev/sda"},
				{Device: "/dev/sda2", Mountpoint: "/", ParentDisk: "/dev/sda"},
			},
		},
	}

	It("finds the disk backing a mounted path", func() {
		disk, err := blockdev.WholeDiskFor(disks, "/etc/fstab")
		Expect(err).NotTo(HaveOccurred())
		Expect(disk).To(Equal("/dev/sda"))
	})

	It("errors when no partition is mounted under the path", func() {
		bootOnly := []blockdev.Disk{
			{
				Device:     "/dev/sda",
				Partitions: []blockdev.Partition{{Device: "/dev/sda1", Mountpoint: "/boot", ParentDisk: "/dev/sda"}},
			},
		}
		_, err := blockdev.WholeDiskFor(bootOnly, "/nowhere")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("IsAcceptedFilesystem", func() {
	It("accepts vfat/ext3/ext4", func() {
		Expect(blockdev.IsAcceptedFilesystem("ext4", []string{"vfat", "ext3", "ext4"})).To(BeTrue())
	})

	It("rejects anything else", func() {
		Expect(blockdev.IsAcceptedFilesystem("btrfs", []string{"vfat", "ext3", "ext4"})).To(BeFalse())
	})
})

var _ = Describe("MountedFilesystems", func() {
	disks := []blockdev.Disk{
		{
			Device: "/dev/mmcblk0",
			Partitions: []blockdev.Partition{
				{Device: "/dev/mmcblk0p1", Mountpoint: "/boot"},
				{Device: "/dev/mmcblk0p2", Mountpoint: ""},
				{Device: "/dev/mmcblk0p3", Mountpoint: "/"},
			},
		},
	}

	It("only returns partitions with a mountpoint", func() {
		mounted := blockdev.MountedFilesystems(disks, "/dev/mmcblk0")
		Expect(mounted).To(HaveLen(2))
	})
})
