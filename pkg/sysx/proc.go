package sysx

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Reboot wraps unix.Reboot(RB_AUTOBOOT), the unconditional terminal call
// of Stage-2 state S5.
func Reboot() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

// Kill sends signal to pid, wrapping unix.Kill so callers go through the
// façade rather than os/syscall directly.
func Kill(pid int, signal unix.Signal) error {
	return unix.Kill(pid, signal)
}

// ProcDirs lists the numeric entries of /proc, i.e. the live pid set at
// the moment of the call. Non-numeric entries (self, cmdline, ...) are
// skipped.
func ProcDirs() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		pid, ok := parsePid(e.Name())
		if ok {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func parsePid(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	n := 0
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// IsBenignProcRace reports whether err is the "file not found" race
// condition §4.3/§5 say to ignore: the process or fd died between
// listing and reading. Any other error must propagate.
func IsBenignProcRace(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOENT)
}
