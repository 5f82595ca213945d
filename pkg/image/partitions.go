package image

import (
	"fmt"
	"unicode"

	"github.com/diskfs/go-diskfs"
)

// maxPartitionsToProbe bounds the GetFilesystem(n) scan below; raw
// disk images written by this tool never carry more partitions than
// this.
const maxPartitionsToProbe = 8

type labeledFS interface {
	Label() string
}

// BootAndDataPartitions re-reads flashDev's partition table (the caller
// must have already issued sysx.ReReadPartitionTable) and locates the
// boot and data partitions the new image declared, by filesystem
// label, per §4.9 step 7. It probes each partition index with
// go-diskfs's GetFilesystem instead of shelling out to sfdisk/parted
// or blkid.
func BootAndDataPartitions(flashDev, bootLabel, dataLabel string) (bootDev, dataDev string, err error) {
	disk, err := diskfs.Open(flashDev)
	if err != nil {
		return "", "", fmt.Errorf("image: opening %s to read partition table: %w", flashDev, err)
	}
	defer disk.File.Close()

	for i := 1; i <= maxPartitionsToProbe; i++ {
		fs, ferr := disk.GetFilesystem(i)
		if ferr != nil {
			continue
		}
		l, ok := fs.(labeledFS)
		if !ok {
			continue
		}
		switch l.Label() {
		case bootLabel:
			bootDev = partitionDevice(flashDev, i)
		case dataLabel:
			dataDev = partitionDevice(flashDev, i)
		}
	}

	if bootDev == "" {
		return "", "", fmt.Errorf("image: boot partition %q not found on %s", bootLabel, flashDev)
	}
	if dataDev == "" {
		return "", "", fmt.Errorf("image: data partition %q not found on %s", dataLabel, flashDev)
	}
	return bootDev, dataDev, nil
}

// partitionDevice appends the kernel's partition suffix to a whole-disk
// node: plain "N" for /dev/sdX-style devices, but "pN" when the device
// node itself ends in a digit (/dev/mmcblk0 -> /dev/mmcblk0p1,
// /dev/nvme0n1 -> /dev/nvme0n1p1), matching udev's own naming rule.
func partitionDevice(flashDev string, index int) string {
	if n := len(flashDev); n > 0 && unicode.IsDigit(rune(flashDev[n-1])) {
		return fmt.Sprintf("%sp%d", flashDev, index)
	}
	return fmt.Sprintf("%s%d", flashDev, index)
}
