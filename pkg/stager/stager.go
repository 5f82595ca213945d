package stager

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/balena-os/takeover/internal/constants"
	"github.com/balena-os/takeover/pkg/sysx"
	"github.com/rs/zerolog"
)

// Plan is the working-set stager of §4.4: it builds the StagingRoot
// tmpfs skeleton and copies in, with their shared-library closures, the
// migration binary and whatever helper binaries the target device
// family needs.
type Plan struct {
	Root string // e.g. /tmp/takeover
	log  zerolog.Logger
}

func New(root string, log zerolog.Logger) *Plan {
	return &Plan{Root: root, log: log}
}

// MountTmpfs mounts a tmpfs at Root sized to hold the working set.
func (p *Plan) MountTmpfs(sizeBytes uint64) error {
	opts := fmt.Sprintf("size=%d", sizeBytes)
	if err := os.MkdirAll(p.Root, 0o755); err != nil {
		return fmt.Errorf("stager: creating staging root: %w", err)
	}
	if err := sysx.Mount("tmpfs", p.Root, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("stager: mounting tmpfs at %s: %w", p.Root, err)
	}
	return nil
}

// BuildSkeleton creates the minimal FHS layout of §3.
func (p *Plan) BuildSkeleton() error {
	for _, dir := range constants.StagingSkeleton {
		if err := os.MkdirAll(filepath.Join(p.Root, dir), 0o755); err != nil {
			return fmt.Errorf("stager: creating %s: %w", dir, err)
		}
	}
	return nil
}

// Binaries holds the set of executables the stager must copy in; each
// lands under <root>/bin with its base name.
type Binaries struct {
	// SelfPath is the currently running migration binary (/proc/self/exe).
	SelfPath string
	// Helpers is any additional tool the device family needs: dd, tar,
	// telinit, vendor boot-blob flashers.
	Helpers []string
}

// Stage copies the migration binary and every helper, plus their full
// transitive shared-library closure, into the staging root, and applies
// the telinit-symlink special case of §4.4.
func (p *Plan) Stage(bins Binaries) error {
	all := append([]string{bins.SelfPath}, bins.Helpers...)

	for _, src := range all {
		if err := p.copyExecutable(src); err != nil {
			return err
		}
	}

	libs, err := SharedLibraryClosure(all, nil)
	if err != nil {
		return err
	}
	for _, lib := range libs {
		if err := p.copyExecutable(lib); err != nil {
			return err
		}
	}

	return p.preserveRealInitIfTelinitIsSymlink()
}

func (p *Plan) copyExecutable(src string) error {
	dst := filepath.Join(p.Root, "bin", filepath.Base(src))
	if filepath.Dir(src) == "/lib" || filepath.Dir(src) == "/lib64" || strings.HasPrefix(src, "/usr/lib") {
		dst = filepath.Join(p.Root, "lib", filepath.Base(src))
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("stager: opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stager: stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return fmt.Errorf("stager: creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("stager: copying %s to %s: %w", src, dst, err)
	}
	return nil
}

// preserveRealInitIfTelinitIsSymlink implements §4.4's special case:
// on Devuan-style systems telinit is a symlink to init, which after
// step 7's bind-mount would resolve to the migration binary instead of
// the real init logic. Copying the symlink's target out first, before
// the bind-mount runs, keeps telinit u able to reach the real init.
func (p *Plan) preserveRealInitIfTelinitIsSymlink() error {
	target, err := os.Readlink(constants.TelinitPath)
	if err != nil {
		// not a symlink at all: nothing to preserve
		return nil
	}
	if filepath.Base(target) != "init" {
		return nil
	}

	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(constants.TelinitPath), target)
	}

	dst := filepath.Join(p.Root, constants.SafeInitCopy)
	p.log.Info().Str("from", resolved).Str("to", dst).Msg("preserving real init before bind-mount (telinit is a symlink to init)")
	return copyFile(resolved, dst)
}

// CheckRAMBudget refuses to stage if predictedBytes exceeds free RAM
// minus the configured safety margin (§4.4): the alternative is
// Stage-2 OOM after the point of no return.
func CheckRAMBudget(predictedBytes uint64) error {
	mem, err := sysx.Sysinfo()
	if err != nil {
		return fmt.Errorf("stager: reading sysinfo: %w", err)
	}
	available := mem.FreeBytes
	if available <= constants.StagingSafetyMarginBytes {
		return fmt.Errorf("stager: insufficient free RAM even before safety margin: %d bytes free", available)
	}
	budget := available - constants.StagingSafetyMarginBytes
	if predictedBytes > budget {
		return fmt.Errorf("stager: predicted staging size %d bytes exceeds RAM budget %d bytes (free %d minus safety margin %d)",
			predictedBytes, budget, available, uint64(constants.StagingSafetyMarginBytes))
	}
	return nil
}
