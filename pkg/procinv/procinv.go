// Package procinv is the process inventory of §4.3: it enumerates
// /proc, tolerates the inherent raciness of reading a live process
// table, and kills whatever still holds the doomed filesystem open
// before the worker unmounts it.
package procinv

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/balena-os/takeover/pkg/sysx"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Entry is one row of the process table, per §3's ProcessEntry.
type Entry struct {
	PID     int
	Comm    string
	Exe     string
	OpenFDs []string // targets of /proc/<pid>/fd/* symlinks
}

// Scan walks every numeric /proc entry and builds the process table.
// ENOENT on any per-pid read is the documented race (§5) and causes
// that pid to be skipped, not the scan to fail; any other error aborts
// immediately.
func Scan() ([]Entry, error) {
	pids, err := sysx.ProcDirs()
	if err != nil {
		return nil, fmt.Errorf("procinv: listing /proc: %w", err)
	}

	entries := make([]Entry, 0, len(pids))
	for _, pid := range pids {
		e, err := readEntry(pid)
		if err != nil {
			if sysx.IsBenignProcRace(err) {
				continue
			}
			return nil, fmt.Errorf("procinv: reading pid %d: %w", pid, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readEntry(pid int) (Entry, error) {
	base := filepath.Join("/proc", strconv.Itoa(pid))

	comm, err := readComm(base)
	if err != nil {
		return Entry{}, err
	}

	exe, err := os.Readlink(filepath.Join(base, "exe"))
	if err != nil {
		// ENOENT (the pid exited, or a kernel thread with no exe link)
		// makes Scan skip this pid; any other errno aborts the scan.
		return Entry{}, err
	}

	fds, err := readFDs(base)
	if err != nil {
		return Entry{}, err
	}

	return Entry{PID: pid, Comm: comm, Exe: exe, OpenFDs: fds}, nil
}

func readComm(base string) (string, error) {
	data, err := os.ReadFile(filepath.Join(base, "status"))
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return "", nil
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return "", nil
	}
	return fields[1], nil
}

func readFDs(base string) ([]string, error) {
	fdDir := filepath.Join(base, "fd")
	names, err := os.ReadDir(fdDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, err
	}

	targets := make([]string, 0, len(names))
	for _, n := range names {
		target, err := os.Readlink(filepath.Join(fdDir, n.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				// this one fd raced away; skip it, keep scanning the rest
				continue
			}
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// LogTable writes a formatted process table to log, unconditionally and
// before any kill attempt (the testable property of §8: postmortem
// debugging must be possible even when every kill subsequently fails).
func LogTable(log zerolog.Logger, entries []Entry) {
	log.Info().Int("count", len(entries)).Msg("process table before kill phase")
	for _, e := range entries {
		log.Info().Int("pid", e.PID).Str("comm", e.Comm).Str("exe", e.Exe).Strs("fds", e.OpenFDs).Msg("process")
	}
}

// HoldsPath reports whether entry's exe or any open fd resolves onto a
// path rooted at mountpoint.
func (e Entry) HoldsPath(mountpoint string) bool {
	if under(e.Exe, mountpoint) {
		return true
	}
	for _, fd := range e.OpenFDs {
		if under(fd, mountpoint) {
			return true
		}
	}
	return false
}

func under(path, root string) bool {
	if path == "" || root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// KillHolding sends SIGTERM to every process holding mountpoint open,
// waits up to wait in total for them to exit, then SIGKILLs stragglers. It
// returns once every pid that was holding the mountpoint at the start
// of the call has either exited or been killed.
func KillHolding(log zerolog.Logger, entries []Entry, mountpoint string, wait time.Duration) error {
	var targets []int
	for _, e := range entries {
		if e.HoldsPath(mountpoint) {
			targets = append(targets, e.PID)
		}
	}

	for _, pid := range targets {
		log.Warn().Int("pid", pid).Msg("sending SIGTERM")
		if err := sysx.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			log.Err(err).Int("pid", pid).Msg("SIGTERM failed")
		}
	}

	deadline := time.Now().Add(wait)
	remaining := targets
	for time.Now().Before(deadline) && len(remaining) > 0 {
		time.Sleep(100 * time.Millisecond)
		var alive []int
		for _, pid := range remaining {
			if processAlive(pid) {
				alive = append(alive, pid)
			}
		}
		remaining = alive
	}

	for _, pid := range remaining {
		log.Warn().Int("pid", pid).Msg("sending SIGKILL")
		if err := sysx.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			log.Err(err).Int("pid", pid).Msg("SIGKILL failed")
		}
	}
	return nil
}

func processAlive(pid int) bool {
	err := sysx.Kill(pid, 0)
	return err == nil
}
