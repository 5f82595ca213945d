package stage2

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/balena-os/takeover/internal/constants"
	"github.com/balena-os/takeover/pkg/blockdev"
	"github.com/balena-os/takeover/pkg/collab"
	"github.com/balena-os/takeover/pkg/image"
	"github.com/balena-os/takeover/pkg/migrate"
	"github.com/balena-os/takeover/pkg/procinv"
	"github.com/balena-os/takeover/pkg/sysx"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Worker carries out §4.9's 12-step sequence. It is forked from the
// shim (S4) and, once past step 6, never aborts: every subsequent
// failure is accumulated rather than fatal, per §7's failure asymmetry.
type Worker struct {
	info migrate.Info
	log  zerolog.Logger

	api    collab.APIClient
	backup collab.BackupPacker
	efi    collab.EFIHelper
}

func NewWorker(info migrate.Info, log zerolog.Logger) *Worker {
	return &Worker{
		info:   info,
		log:    log,
		api:    collab.NewHTTPAPIClient(info.APIBaseURL),
		backup: collab.TarBackupPacker{},
		efi:    collab.GoUEFIHelper{},
	}
}

// Run executes every step in order. Steps 1-5 abort the run on error,
// matching §7's "before the first byte of flash, any error aborts";
// step 6 onward accumulates into a multierror and always reaches
// reboot, which the caller (the shim) issues regardless of the
// returned error.
func (w *Worker) Run() error {
	if err := w.step1ReopenLogSink(); err != nil {
		return fmt.Errorf("stage2 worker: step 1 reopen log sink: %w", err)
	}

	entries, err := w.step2LogProcessTable()
	if err != nil {
		return fmt.Errorf("stage2 worker: step 2 log process table: %w", err)
	}

	if err := w.step3KillHoldingProcesses(entries); err != nil {
		return fmt.Errorf("stage2 worker: step 3 kill holding processes: %w", err)
	}

	if err := w.step4DisableSwap(); err != nil {
		return fmt.Errorf("stage2 worker: step 4 disable swap: %w", err)
	}

	if err := w.step5UnmountFlashDev(); err != nil {
		return fmt.Errorf("stage2 worker: step 5 unmount flash device: %w", err)
	}

	// Point of no return (§7, §9): every subsequent failure is
	// accumulated and logged, never fatal, because there is no valid
	// system to return to once flashing starts.
	var errs *multierror.Error

	if err := w.step6FlashImage(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("step 6 flash image: %w", err))
	}

	bootDev, dataDev, err := w.step7LocatePartitions()
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("step 7 locate partitions: %w", err))
	}

	if bootDev != "" {
		if err := w.step8PopulateBootPartition(bootDev); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("step 8 populate boot partition: %w", err))
		}
	}

	if dataDev != "" {
		if err := w.step9PopulateDataPartition(dataDev); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("step 9 populate data partition: %w", err))
		}
	}

	if err := w.step10RegisterEFIBootEntry(bootDev); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("step 10 register EFI boot entry: %w", err))
	}

	if err := w.step11FlashBootBlob(bootDev); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("step 11 flash boot blob: %w", err))
	}

	w.step12SyncAndReboot()

	if errs != nil {
		return errs.ErrorOrNil()
	}
	return nil
}

// step1ReopenLogSink re-points the logger at the external log device if
// one was configured, leaving the shim's in-RAM or tmpfs sink in place
// otherwise.
func (w *Worker) step1ReopenLogSink() error {
	if w.info.LogDev == "" {
		return nil
	}
	f, err := os.OpenFile(w.info.LogDev, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.log = zerolog.New(f).With().Timestamp().Logger()
	return nil
}

// step2LogProcessTable logs the full process table unconditionally,
// before any kill attempt — the testable property of §8 that
// postmortem debugging survives even if every kill subsequently fails.
func (w *Worker) step2LogProcessTable() ([]procinv.Entry, error) {
	entries, err := procinv.Scan()
	if err != nil {
		return nil, err
	}
	procinv.LogTable(w.log, entries)
	return entries, nil
}

// step3KillHoldingProcesses kills every process whose exe or any fd
// points into the old root, still bind-reachable under /mnt/old_root's
// open-fd graph. Runs under --pretend too (§9 Open Questions).
func (w *Worker) step3KillHoldingProcesses(entries []procinv.Entry) error {
	return procinv.KillHolding(w.log, entries, filepath.Join("/", constants.OldRootMount), constants.KillWaitTimeout)
}

// step4DisableSwap turns off every active swap device, so a RAM
// shortage mid-flash can't be masked by paging into a disk this worker
// is about to overwrite.
func (w *Worker) step4DisableSwap() error {
	data, err := os.ReadFile("/proc/swaps")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, dev := range parseSwapDevices(data) {
		if err := sysx.Swapoff(dev); err != nil {
			w.log.Warn().Str("device", dev).Err(err).Msg("swapoff failed")
		}
	}
	return nil
}

func parseSwapDevices(data []byte) []string {
	var devices []string
	lines := splitLines(string(data))
	for i, line := range lines {
		if i == 0 || line == "" {
			continue // header row
		}
		fields := splitFields(line)
		if len(fields) > 0 {
			devices = append(devices, fields[0])
		}
	}
	return devices
}

// step5UnmountFlashDev unmounts, deepest mountpoint first, every
// filesystem backed by flash_dev, escalating to read-only remount and
// then lazy unmount when a plain unmount is refused.
func (w *Worker) step5UnmountFlashDev() error {
	inspector := blockdev.New(w.log)
	disks, err := inspector.Discover()
	if err != nil {
		return err
	}

	mounted := blockdev.MountedFilesystems(disks, w.info.FlashDev)
	sort.Slice(mounted, func(i, j int) bool {
		return len(mounted[i].Mountpoint) > len(mounted[j].Mountpoint)
	})

	for _, p := range mounted {
		if err := sysx.Unmount(p.Mountpoint, 0); err == nil {
			continue
		}
		w.log.Warn().Str("mountpoint", p.Mountpoint).Msg("plain unmount refused; remounting read-only")
		if err := sysx.RemountReadOnly(p.Mountpoint); err == nil {
			continue
		}
		w.log.Warn().Str("mountpoint", p.Mountpoint).Msg("read-only remount refused; lazy-unmounting")
		if err := sysx.LazyUnmount(p.Mountpoint); err != nil {
			return fmt.Errorf("unmounting %s: %w", p.Mountpoint, err)
		}
	}
	return nil
}

// step6FlashImage is the point of no return: it streams the image onto
// flash_dev, re-reads the kernel's partition table immediately
// afterward so step 7 sees the new layout, and re-reads a prefix of the
// device to verify the write, per §4.5 and the round-trip property of
// §8. Pretend runs skip both the write and the verification, since
// there is nothing on flash_dev to check.
func (w *Worker) step6FlashImage() error {
	src, err := image.Source(w.info.ImagePath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := image.Flash(w.log, src, w.info.FlashDev, w.info.Pretend); err != nil {
		return err
	}
	if w.info.Pretend {
		return nil
	}
	if err := sysx.ReReadPartitionTable(w.info.FlashDev); err != nil {
		return err
	}
	return image.Verify(w.info.ImagePath, w.info.FlashDev, constants.ImageVerifyPrefixBytes)
}

// step7LocatePartitions finds the new boot and data partitions by the
// labels the image declares.
func (w *Worker) step7LocatePartitions() (bootDev, dataDev string, err error) {
	if w.info.Pretend {
		return "", "", nil
	}
	return image.BootAndDataPartitions(w.info.FlashDev, "resin-boot", "resin-data")
}

// step8PopulateBootPartition mounts the new boot partition and writes
// the config blob, NetworkManager connection files, and (if preserving
// identity) the propagated hostname; optionally PATCHes the device
// type.
func (w *Worker) step8PopulateBootPartition(bootDev string) error {
	mountpoint := filepath.Join(constants.StagingRoot, "mnt", "boot")
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	if err := sysx.Mount(bootDev, mountpoint, "vfat", 0, ""); err != nil {
		return err
	}
	defer sysx.Unmount(mountpoint, 0)

	if w.info.ConfigBlob != "" {
		data, err := os.ReadFile(w.info.ConfigBlob)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(mountpoint, "config.json"), data, 0o644); err != nil {
			return err
		}
	}

	connDir := filepath.Join(mountpoint, "system-connections")
	if err := os.MkdirAll(connDir, 0o755); err != nil {
		return err
	}
	for _, f := range w.info.NwmgrFiles {
		if err := os.WriteFile(filepath.Join(connDir, f.Filename), []byte(f.Contents), 0o600); err != nil {
			return err
		}
	}

	if !w.info.NoKeepName && w.info.Hostname != "" {
		if err := os.WriteFile(filepath.Join(mountpoint, "hostname"), []byte(w.info.Hostname+"\n"), 0o644); err != nil {
			return err
		}
	}

	if w.info.ChangeDTTo != "" {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultCheckTimeout)
		defer cancel()
		if err := w.api.PatchDeviceType(ctx, w.info.DeviceTypeSlug, w.info.ChangeDTTo, w.info.APIToken); err != nil {
			w.log.Warn().Err(err).Msg("PATCH device type failed")
		}
	}
	return nil
}

// step9PopulateDataPartition mounts the new data partition and drops
// the backup tar archive the new OS's supervisor scans on first boot.
func (w *Worker) step9PopulateDataPartition(dataDev string) error {
	mountpoint := filepath.Join("/", constants.DataMount)
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	if err := sysx.Mount(dataDev, mountpoint, "ext4", 0, ""); err != nil {
		return err
	}
	defer sysx.Unmount(mountpoint, 0)

	if len(w.info.BackupManifest.Volumes) == 0 {
		return nil
	}
	dest := filepath.Join(mountpoint, "backup.tar.gz")
	return w.backup.Pack(w.info.BackupManifest, dest)
}

// balenaLoaderSourceRelPath is where the new image writes its EFI
// loader inside the boot partition; balenaLoaderTargetRelPath is the
// canonical fallback path efibootmgr's boot entry points at. Step 10
// copies the former to the latter before registering the entry.
const (
	balenaLoaderSourceRelPath = "EFI/boot/bootx64.efi"
	balenaLoaderTargetRelPath = "EFI/BOOT/BOOTX64.EFI"
)

// step10RegisterEFIBootEntry mounts the new boot partition as the ESP,
// copies the new boot loader into it, and registers it as the first
// UEFI boot entry, when efi_setup is enabled. The ESP is the new boot
// partition itself (balenaOS's x86 images use resin-boot as the ESP),
// located fresh here rather than reused from the pre-flash system,
// since the old ESP device no longer exists once flashing starts.
func (w *Worker) step10RegisterEFIBootEntry(bootDev string) error {
	if !w.info.EFISetup.Enabled || bootDev == "" {
		return nil
	}

	mountpoint := filepath.Join(constants.StagingRoot, "mnt", "esp")
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	if err := sysx.Mount(bootDev, mountpoint, "vfat", 0, ""); err != nil {
		return err
	}
	defer sysx.Unmount(mountpoint, 0)

	if err := copyLoaderIntoESP(mountpoint); err != nil {
		return err
	}
	return w.efi.RegisterBootEntry(w.info.FlashDev, mountpoint, balenaLoaderTargetRelPath, "balenaOS")
}

func copyLoaderIntoESP(espMountpoint string) error {
	src := filepath.Join(espMountpoint, balenaLoaderSourceRelPath)
	dst := filepath.Join(espMountpoint, balenaLoaderTargetRelPath)
	if src == dst {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("stage2: boot loader not found in new boot partition at %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// step11FlashBootBlob flashes a device-family-specific boot blob (e.g.
// Jetson's QSPI/eMMC boot partition) that the new image carries inside
// its boot partition, for device families constants.BootBlobSpecs
// declares one for. Device types with no entry have no separate boot
// blob; this is a legitimate no-op for them, not a stub.
func (w *Worker) step11FlashBootBlob(bootDev string) error {
	spec, ok := constants.BootBlobSpecs[w.info.DeviceTypeSlug]
	if !ok || bootDev == "" {
		return nil
	}

	mountpoint := filepath.Join(constants.StagingRoot, "mnt", "bootblob")
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	if err := sysx.Mount(bootDev, mountpoint, "vfat", 0, ""); err != nil {
		return err
	}
	defer sysx.Unmount(mountpoint, 0)

	blobPath := filepath.Join(mountpoint, spec.BlobFilename)
	if _, err := os.Stat(blobPath); err != nil {
		return fmt.Errorf("stage2: boot blob %s not found in new boot partition: %w", spec.BlobFilename, err)
	}

	switch spec.Kind {
	case "mmcblk":
		return w.flashBootBlobToBlockDevice(blobPath, spec)
	case "mtd":
		return w.flashBootBlobToMTD(blobPath, spec.TargetDevice)
	default:
		return fmt.Errorf("stage2: boot blob spec for %q has unknown kind %q", w.info.DeviceTypeSlug, spec.Kind)
	}
}

// flashBootBlobToBlockDevice writes blobPath onto a hardware mmcblk
// boot partition, toggling force_ro around the write the way the
// kernel's mmc block driver requires (§4.9 step 11).
func (w *Worker) flashBootBlobToBlockDevice(blobPath string, spec constants.BootBlobSpec) error {
	if spec.ForceROPath != "" {
		if err := os.WriteFile(spec.ForceROPath, []byte("0"), 0o644); err != nil {
			w.log.Warn().Str("path", spec.ForceROPath).Err(err).Msg("clearing force_ro before boot-blob write")
		}
		defer func() {
			if err := os.WriteFile(spec.ForceROPath, []byte("1"), 0o644); err != nil {
				w.log.Warn().Str("path", spec.ForceROPath).Err(err).Msg("restoring force_ro after boot-blob write")
			}
		}()
	}

	src, err := os.Open(blobPath)
	if err != nil {
		return err
	}
	defer src.Close()
	return image.Flash(w.log, src, spec.TargetDevice, w.info.Pretend)
}

// flashBootBlobToMTD erases and rewrites the QSPI boot region via
// mtd_debug, the same tool and invocation the source OS uses for
// Jetson Xavier NX. mtd_debug must have been staged at /bin by the
// stager (§4.4) for this to succeed post-pivot.
func (w *Worker) flashBootBlobToMTD(blobPath, mtdDev string) error {
	if w.info.Pretend {
		w.log.Info().Str("device", mtdDev).Msg("pretend set: skipping mtd_debug boot-blob write")
		return nil
	}

	size := fmt.Sprintf("%d", constants.BootBlobSizeBytes)
	if out, err := exec.Command("/bin/mtd_debug", "erase", mtdDev, "0", size).CombinedOutput(); err != nil {
		return fmt.Errorf("stage2: mtd_debug erase failed: %w (%s)", err, out)
	}
	if out, err := exec.Command("/bin/mtd_debug", "write", mtdDev, "0", size, blobPath).CombinedOutput(); err != nil {
		return fmt.Errorf("stage2: mtd_debug write failed: %w (%s)", err, out)
	}
	return nil
}

// step12SyncAndReboot flushes pending writes; the actual reboot(2) call
// is issued by the shim once the worker returns, since only the shim
// (PID 1) may call it meaningfully.
func (w *Worker) step12SyncAndReboot() {
	unix.Sync()
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i, c := range s {
		if c == ' ' || c == '\t' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
