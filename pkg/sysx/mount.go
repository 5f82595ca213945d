// Package sysx is the typed syscall façade of §4.1: thin wrappers around
// the kernel interfaces the pivot-and-flash engine drives directly,
// mirroring how the teacher issues unix.* calls itself for
// flag-bearing mount operations instead of shelling out.
package sysx

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mount wraps unix.Mount with the teacher's (source, target, fstype,
// flags, data) ordering.
func Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

// BindMount bind-mounts source onto target, used for §4.7 step 7 to
// install the migration binary over the running init.
func BindMount(source, target string) error {
	return Mount(source, target, "", unix.MS_BIND, "")
}

// MakeRPrivate recursively marks target MS_PRIVATE so mount/umount
// events stop propagating across it, per Stage-2 state S1.
func MakeRPrivate(target string) error {
	return Mount("", target, "", unix.MS_PRIVATE|unix.MS_REC, "")
}

// PivotRoot wraps unix.PivotRoot, used to swap the process root onto the
// staged tmpfs in Stage-2 state S2.
func PivotRoot(newRoot, putOld string) error {
	return unix.PivotRoot(newRoot, putOld)
}

// LazyUnmount detaches target without waiting for every reference to
// drop, per Stage-2 state S3.
func LazyUnmount(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}

// Unmount performs a plain unmount, falling back to the caller for
// remount-ro/lazy escalation (§4.9 step 5).
func Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// RemountReadOnly is the first fallback when a plain unmount is
// refused: make the filesystem unwritable even if it can't be detached.
func RemountReadOnly(target string) error {
	return Mount("", target, "", unix.MS_REMOUNT|unix.MS_RDONLY, "")
}

// Chdir and Chroot are exposed for the pivot sequence's chdir("/") step;
// kept as thin named wrappers rather than inlined unix calls so the
// pivot code reads as a sequence of façade operations.
func Chdir(path string) error { return unix.Chdir(path) }
func Chroot(path string) error { return unix.Chroot(path) }

// Swapoff disables the named swap device, per §4.9 step 4.
func Swapoff(path string) error {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_SWAPOFF, uintptr(unsafe.Pointer(p)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
