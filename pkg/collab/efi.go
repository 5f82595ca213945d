package collab

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/foxboron/go-uefi/efi"
)

// EFIHelper is the EFI boot-variable helper collaborator of §6,
// consumed by §4.9 step 10.
type EFIHelper interface {
	IsSecureBootEnabled() bool
	RegisterBootEntry(diskDev, espPath, loaderRelPath, label string) error
}

// GoUEFIHelper is the default EFIHelper. SecureBoot status is read
// natively through github.com/foxboron/go-uefi/efi, the way the
// teacher's UKI boot path already does for efi.GetSecureBoot(); go-uefi
// has no boot-entry/BootOrder management surface (its scope is Secure
// Boot key enrollment), so registering the new NVRAM boot entry shells
// out to efibootmgr — the standard tool for exactly this job, and the
// same pragmatic boundary the teacher itself uses for lsblk/udevadm
// where no convenient Go API exists.
type GoUEFIHelper struct{}

func (GoUEFIHelper) IsSecureBootEnabled() bool {
	return efi.GetSecureBoot()
}

// RegisterBootEntry registers loaderRelPath (relative to espPath) on
// diskDev as a new UEFI boot entry and places it first in BootOrder,
// per §4.9 step 10. The loader binary itself must already have been
// copied into place by the caller before this runs.
func (GoUEFIHelper) RegisterBootEntry(diskDev, espPath, loaderRelPath, label string) error {
	full := filepath.Join(espPath, loaderRelPath)
	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("collab: loader %s not staged before registering boot entry: %w", full, err)
	}

	// efibootmgr expects Windows-style backslash separators for --loader.
	winPath := "\\" + strings.ReplaceAll(filepath.ToSlash(loaderRelPath), "/", "\\")

	cmd := exec.Command("efibootmgr", "--create", "--disk", diskDev, "--part", "1",
		"--label", label, "--loader", winPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("collab: efibootmgr --create failed: %w (%s)", err, out)
	}
	return nil
}
