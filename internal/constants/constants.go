package constants

import "time"

const (
	// StagingRoot is the well-known tmpfs mountpoint Stage 1 builds and
	// Stage 2 pivots into.
	StagingRoot = "/tmp/takeover"

	// HandoffFile is the path, relative to StagingRoot, of the serialized
	// MigrateInfo that survives the pivot.
	HandoffFile = "takeover-stage2.yaml"

	// OldRootMount is where the pre-pivot root is parked before being
	// lazy-unmounted.
	OldRootMount = "mnt/old_root"

	// DataMount and ImageDir are staging subdirectories reserved for the
	// new OS's data partition and the carried disk image, respectively.
	DataMount = "mnt/data"
	ImageDir  = "image"
	LogDir    = "log"

	// InitPath is the init binary the migration binary bind-mounts over
	// in Stage-1 step 7.
	InitPath = "/sbin/init"

	// TelinitPath is the path to telinit invoked to trigger the re-exec.
	TelinitPath = "/sbin/telinit"

	// SafeInitCopy is where a preserved copy of the real init binary is
	// placed when telinit turns out to be a symlink to init (§4.4).
	SafeInitCopy = "bin/init.orig"

	// StagingSafetyMarginBytes is subtracted from free RAM before the
	// stager compares predicted working-set size against availability.
	StagingSafetyMarginBytes = 10 * 1024 * 1024

	// ESPPartitionTypeGUID is the GPT partition type GUID of the EFI
	// System Partition.
	ESPPartitionTypeGUID = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"

	// ImageVerifyPrefixBytes is how much of the flashed device is
	// re-read and compared against the source image after flashing.
	ImageVerifyPrefixBytes = 4 * 1024 * 1024

	// DefaultCheckTimeout bounds the API/VPN reachability checks when
	// --check-timeout is not given.
	DefaultCheckTimeout = 20 * time.Second

	// KillWaitTimeout is how long the worker waits between SIGTERM and
	// SIGKILL while clearing processes off the old root.
	KillWaitTimeout = 5 * time.Second
)

// Stage-1 DAG node names, mirroring the teacher's Op* constant convention.
const (
	OpEarlyChecks      = "early-checks"
	OpAcquireImage     = "acquire-image"
	OpBuildMigrateInfo = "build-migrate-info"
	OpStageWorkingSet  = "stage-working-set"
	OpConfirm          = "confirm"
	OpWriteHandoff     = "write-handoff"
	OpBindMountInit    = "bind-mount-init"
	OpTelinit          = "telinit"
)

// AcceptedLogDevFilesystems lists the filesystem types the early checks
// will accept for --log-to.
var AcceptedLogDevFilesystems = []string{"vfat", "ext3", "ext4"}

// BootBlobSpec describes a device family's separate boot blob (§4.9
// step 11): a file the target image carries inside its boot partition
// that must additionally be written to a hardware-defined boot device
// outside the normal partition table, e.g. Jetson's QSPI or eMMC boot
// hardware partition.
type BootBlobSpec struct {
	// BlobFilename is the file's name inside the new boot partition.
	BlobFilename string
	// TargetDevice is where the blob is written.
	TargetDevice string
	// Kind selects the write path: "mmcblk" for a plain block device
	// (optionally gated by ForceROPath), "mtd" for a raw NAND/QSPI
	// device written through mtd_debug.
	Kind string
	// ForceROPath, if set, is toggled 0/1 around the write to unlock a
	// hardware write-protected mmcblk boot partition.
	ForceROPath string
	// HelperBinary, if set, is the vendor tool the stager must copy
	// into the staging root's closure for this write path to work
	// post-pivot.
	HelperBinary string
}

// BootBlobSizeBytes is the fixed QSPI region size mtd_debug erases and
// rewrites on Jetson Xavier NX, matching the source OS's own constant.
const BootBlobSizeBytes = 0x2000000

// BootBlobSpecs maps device_type_slug to its boot-blob handling, per
// the source OS's Jetson AGX Xavier / Xavier NX boot blob support.
// Device families with no entry here have no separate boot blob and
// step 11 is a legitimate no-op for them.
var BootBlobSpecs = map[string]BootBlobSpec{
	"jetson-xavier": {
		BlobFilename: "boot0_mmcblk0boot0.img",
		TargetDevice: "/dev/mmcblk0boot0",
		Kind:         "mmcblk",
		ForceROPath:  "/sys/block/mmcblk0boot0/force_ro",
	},
	"jetson-xavier-nx": {
		BlobFilename: "boot0_mtdblock0.img",
		TargetDevice: "/dev/mtd0",
		Kind:         "mtd",
		HelperBinary: "mtd_debug",
	},
}

// FHS directories the stager creates inside StagingRoot.
var StagingSkeleton = []string{
	"bin", "lib", "lib64", "etc", "proc", "sys", "dev",
	OldRootMount, DataMount, ImageDir, LogDir,
}
