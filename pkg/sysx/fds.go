package sysx

import "golang.org/x/sys/unix"

// CloseAllExcept probes every fd in [3, limit) with fcntl(F_GETFD) and
// closes whichever one responds, leaving keep untouched. This is
// Stage-2 state S0's "close all file descriptors except the controlled
// logger" step: PID 1 has no reliable record of what inherited fds are
// open, so it has to probe rather than enumerate /proc/self/fd (which
// may not be mounted yet at this point in the boot).
func CloseAllExcept(limit int, keep ...int) {
	keepSet := make(map[int]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	for fd := 3; fd < limit; fd++ {
		if keepSet[fd] {
			continue
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err == nil {
			_ = unix.Close(fd)
		}
	}
}

// MaxFD returns a practical upper bound for fd-probing, derived from
// RLIMIT_NOFILE, falling back to a fixed ceiling if the limit is
// unbounded or unreadable.
func MaxFD() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 1024
	}
	if rlim.Cur == 0 || rlim.Cur > 65536 {
		return 1024
	}
	return int(rlim.Cur)
}
