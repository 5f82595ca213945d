package sysx

import (
	"os"

	"golang.org/x/sys/unix"
)

// blkrrpart is the BLKRRPART ioctl number (linux/fs.h), used to force
// the kernel to re-read a block device's partition table after the
// image handler overwrites it (§4.9 step 6).
const blkrrpart = 0x125f

// ReReadPartitionTable asks the kernel to re-scan device's partition
// table, so subsequent partition lookups (§4.9 step 7) see the layout
// the freshly flashed image declares instead of whatever was there
// before.
func ReReadPartitionTable(device string) error {
	f, err := os.Open(device)
	if err != nil {
		return err
	}
	defer f.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), blkrrpart, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
