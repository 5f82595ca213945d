// Package stage2 implements the init shim and worker of §4.8/§4.9: the
// code path that runs as PID 1 after telinit re-execs onto the
// migration binary, pivots root onto the staged tmpfs, and spawns the
// worker that carries out the actual flash.
package stage2

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/balena-os/takeover/internal/constants"
	"github.com/balena-os/takeover/pkg/migrate"
	"github.com/balena-os/takeover/pkg/sysx"
	"github.com/rs/zerolog"
)

// WorkerSubprocessFlag is the hidden CLI flag the shim re-execs itself
// with to run the worker as a separate process (§4.8 S4, §5): exactly
// one fork at the init/worker boundary, so a worker crash can never
// take PID 1 down with it.
const WorkerSubprocessFlag = "stage2-worker"

// Shim drives the S0-S5 state machine of §4.8. It is only ever run as
// PID 1; nothing here is safe to call from an ordinary process.
type Shim struct {
	log zerolog.Logger

	// logWriter is the raw sink s.log currently writes through; kept
	// alongside the structured logger so the worker subprocess's output
	// can be relayed to it verbatim rather than re-wrapped.
	logWriter io.Writer

	fallbackLog *ringBuffer
	usingRAMLog bool
}

func NewShim(log zerolog.Logger) *Shim {
	return &Shim{log: log, logWriter: os.Stderr}
}

// Run executes S0 through S5 and never returns under normal operation:
// S5 ends in reboot(RB_AUTOBOOT).
func (s *Shim) Run() error {
	if err := s.stateInitEntered(); err != nil {
		return fmt.Errorf("stage2: S0 init-entered: %w", err)
	}
	if err := s.stateLoggerUp(); err != nil {
		return fmt.Errorf("stage2: S1 logger-up: %w", err)
	}
	info, err := s.stateRootPrivate()
	if err != nil {
		return fmt.Errorf("stage2: S2 root-private: %w", err)
	}
	if err := s.statePivoted(info); err != nil {
		return fmt.Errorf("stage2: S3 pivoted: %w", err)
	}

	exitCode := s.stateWorkerSpawned(info)

	s.flushFallbackLogIfNeeded(info)
	s.log.Info().Int("worker_exit", exitCode).Msg("rebooting unconditionally")
	return sysx.Reboot()
}

// stateInitEntered is S0: close every inherited fd except the one this
// process will log through, then wire up stdio onto the chosen sink.
func (s *Shim) stateInitEntered() error {
	sysx.CloseAllExcept(sysx.MaxFD())

	sink, err := s.openLogSink()
	if err != nil {
		s.fallbackLog = newRingBuffer(fallbackLogCapacity)
		s.usingRAMLog = true
		s.logWriter = s.fallbackLog
		s.log = zerolog.New(s.fallbackLog).With().Timestamp().Logger()
		s.log.Warn().Err(err).Msg("log sink unavailable; buffering in RAM")
		return nil
	}

	os.Stdout = sink
	os.Stderr = sink
	s.logWriter = sink
	s.log = zerolog.New(sink).With().Timestamp().Logger()
	return nil
}

func (s *Shim) openLogSink() (*os.File, error) {
	path := filepath.Join(constants.StagingRoot, constants.LogDir, "stage2.log")
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// stateLoggerUp is S1: make the current root MS_PRIVATE recursively so
// the impending pivot_root's mount events stay contained.
func (s *Shim) stateLoggerUp() error {
	return sysx.MakeRPrivate("/")
}

// stateRootPrivate is S2: read the handoff file while it is still
// reachable at the staging root, preserve trust material the worker's
// reachability/API steps need, then pivot.
func (s *Shim) stateRootPrivate() (migrate.Info, error) {
	info, err := migrate.ReadHandoff(constants.StagingRoot)
	if err != nil {
		return migrate.Info{}, err
	}

	preserveNetworkTrustMaterial(constants.StagingRoot)

	oldRoot := filepath.Join(constants.StagingRoot, constants.OldRootMount)
	if err := os.MkdirAll(oldRoot, 0o755); err != nil {
		return migrate.Info{}, err
	}
	if err := sysx.PivotRoot(constants.StagingRoot, oldRoot); err != nil {
		return migrate.Info{}, err
	}
	if err := sysx.Chdir("/"); err != nil {
		return migrate.Info{}, err
	}
	return info, nil
}

// preserveNetworkTrustMaterial copies the old root's CA bundle and
// resolv.conf into the staging tree before the pivot detaches it, so
// the worker's API/VPN reachability and PATCH calls still have DNS and
// TLS trust material once /mnt/old_root is gone (§4.8).
func preserveNetworkTrustMaterial(stagingRoot string) {
	copies := map[string]string{
		"/etc/ssl/certs/ca-certificates.crt": filepath.Join(stagingRoot, "etc/ssl/certs/ca-certificates.crt"),
		"/etc/resolv.conf":                   filepath.Join(stagingRoot, "etc/resolv.conf"),
	}
	for src, dst := range copies {
		if err := copyFileBestEffort(src, dst); err != nil {
			// Best-effort: a missing CA bundle or resolv.conf degrades
			// later network calls but must not abort the pivot.
			continue
		}
	}
}

func copyFileBestEffort(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// statePivoted is S3: lazy-unmount the old root now that it has been
// parked, falling back to an in-RAM log if the sink lived underneath
// it and became unreachable.
func (s *Shim) statePivoted(info migrate.Info) error {
	oldRoot := filepath.Join("/", constants.OldRootMount)
	if err := sysx.LazyUnmount(oldRoot); err != nil {
		return err
	}

	if !s.usingRAMLog {
		if _, err := os.Stat(filepath.Join(constants.LogDir, "stage2.log")); err != nil {
			s.fallbackLog = newRingBuffer(fallbackLogCapacity)
			s.usingRAMLog = true
			s.logWriter = s.fallbackLog
			s.log = zerolog.New(s.fallbackLog).With().Timestamp().Logger()
			s.log.Warn().Msg("log sink became unreachable after pivot; buffering in RAM")
		}
	}
	return nil
}

// stateWorkerSpawned is S4/S5: fork the worker as a separate process,
// relay its log output verbatim, and wait for it to exit. This is the
// one fork at the init/worker boundary §5 requires: a worker panic or
// crash exits that process, not PID 1, so the shim always reaches
// reboot regardless of how the worker dies.
//
// Go has no fork(2) that leaves a multithreaded runtime in a usable
// state, so the fork is a re-exec of this same binary with the hidden
// --stage2-worker flag; the worker subprocess re-reads the handoff
// file from the post-pivot root rather than receiving it in memory,
// since exec discards everything the parent held on its heap.
func (s *Shim) stateWorkerSpawned(info migrate.Info) int {
	self, err := os.Executable()
	if err != nil {
		s.log.Error().Err(err).Msg("resolving self path for worker fork; running worker in-process without crash isolation")
		return s.runWorkerInProcess(info)
	}

	cmd := exec.Command(self, "--"+WorkerSubprocessFlag)
	cmd.Stdout = s.logWriter
	cmd.Stderr = s.logWriter
	cmd.Stdin = nil

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.log.Error().Int("worker_exit", exitErr.ExitCode()).Msg("worker process exited with error; rebooting anyway")
			return exitErr.ExitCode()
		}
		s.log.Error().Err(err).Msg("failed to run worker subprocess; rebooting anyway")
		return 1
	}
	return 0
}

// runWorkerInProcess is the fallback path when the worker cannot be
// re-exec'd as a separate process at all (self path unresolvable): it
// loses the crash-isolation guarantee but still lets the migration
// proceed rather than aborting before any work is attempted.
func (s *Shim) runWorkerInProcess(info migrate.Info) int {
	w := NewWorker(info, s.log)
	if err := w.Run(); err != nil {
		s.log.Error().Err(err).Msg("worker returned error; rebooting anyway")
		return 1
	}
	return 0
}

// RunWorkerSubprocess is the entrypoint for the re-exec'd worker
// process spawned by stateWorkerSpawned. It reads the handoff file from
// the post-pivot root (its own "/", since the pivot made the former
// staging root the new root) and logs to its own stdout, which the
// parent pipes through to whatever sink the shim is using.
func RunWorkerSubprocess() int {
	info, err := migrate.ReadHandoff("/")
	if err != nil {
		fmt.Fprintln(os.Stderr, "stage2 worker: reading handoff file:", err)
		return 1
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	w := NewWorker(info, log)
	if err := w.Run(); err != nil {
		log.Error().Err(err).Msg("worker failed")
		return 1
	}
	return 0
}

func (s *Shim) flushFallbackLogIfNeeded(info migrate.Info) {
	if !s.usingRAMLog || s.fallbackLog == nil {
		return
	}
	dataMount := filepath.Join("/", constants.DataMount)
	if st, err := os.Stat(dataMount); err != nil || !st.IsDir() {
		return
	}
	dst := filepath.Join(dataMount, "takeover-stage2-fallback.log")
	if err := os.WriteFile(dst, s.fallbackLog.Bytes(), 0o644); err != nil {
		s.log.Error().Err(err).Msg("flushing fallback RAM log to data partition")
	}
}
