package stage1

import (
	"context"
	"fmt"
	"os"

	"os/exec"
	"path/filepath"

	"github.com/avast/retry-go"
	"github.com/balena-os/takeover/internal/constants"
	"github.com/balena-os/takeover/internal/errs"
	"github.com/balena-os/takeover/pkg/blockdev"
	"github.com/balena-os/takeover/pkg/collab"
	"github.com/balena-os/takeover/pkg/migrate"
	"github.com/balena-os/takeover/pkg/stager"
	"github.com/balena-os/takeover/pkg/sysx"
)

// earlyChecks is §4.7 step 1: hardware compatibility, log device
// filesystem, and (unless skipped) API/VPN reachability.
func (c *Controller) earlyChecks(ctx context.Context) error {
	inspector := blockdev.New(c.log)
	disks, err := inspector.Discover()
	if err != nil {
		return errs.New(errs.IO, "early-checks", err)
	}
	c.disks = disks

	if c.opts.DeviceType != "" && !c.opts.NoDTCheck {
		if !c.compat.IsSupported(c.opts.DeviceType, c.opts.RunningOS, c.opts.DeviceType) {
			return errs.New(errs.Invalid, "early-checks", fmt.Errorf("device type %s is not a supported migration target", c.opts.DeviceType))
		}
	}

	if c.opts.LogDev != "" {
		fsType, err := logDevFilesystem(c.disks, c.opts.LogDev)
		if err != nil {
			return errs.New(errs.NotFound, "early-checks", err)
		}
		if !blockdev.IsAcceptedFilesystem(fsType, constants.AcceptedLogDevFilesystems) {
			return errs.New(errs.Invalid, "early-checks", fmt.Errorf("log device %s has unsupported filesystem %q", c.opts.LogDev, fsType))
		}

		flashDev := c.opts.FlashDev
		if flashDev == "" {
			if dev, ferr := blockdev.WholeDiskFor(c.disks, "/"); ferr == nil {
				flashDev = dev
			}
		}
		if flashDev != "" {
			logDevParent, perr := blockdev.ParentDiskOf(c.disks, c.opts.LogDev)
			if perr != nil {
				return errs.New(errs.NotFound, "early-checks", perr)
			}
			if logDevParent == flashDev {
				return errs.New(errs.Invalid, "early-checks", fmt.Errorf("log device %s shares parent disk %s with flash device %s", c.opts.LogDev, logDevParent, flashDev))
			}
		}
	}

	timeout := c.opts.CheckTimeout
	if timeout == 0 {
		timeout = constants.DefaultCheckTimeout
	}

	if !c.opts.NoAPICheck {
		if err := retry.Do(func() error {
			return c.api.PingAPI(ctx, c.opts.APIBaseURL, timeout)
		}, retry.Attempts(3), retry.Context(ctx)); err != nil {
			return errs.New(errs.Upstream, "early-checks", fmt.Errorf("cloud API unreachable: %w", err))
		}
	}
	if !c.opts.NoVPNCheck && c.opts.VPNHost != "" {
		if err := retry.Do(func() error {
			return c.api.PingVPN(ctx, c.opts.VPNHost, c.opts.VPNPort, timeout)
		}, retry.Attempts(3), retry.Context(ctx)); err != nil {
			return errs.New(errs.Upstream, "early-checks", fmt.Errorf("VPN endpoint unreachable: %w", err))
		}
	}

	c.log.Info().Int("disks", len(c.disks)).Msg("early checks passed")
	return nil
}

func logDevFilesystem(disks []blockdev.Disk, dev string) (string, error) {
	for _, d := range disks {
		for _, p := range d.Partitions {
			if p.Device == dev {
				return p.FSType, nil
			}
		}
	}
	return "", fmt.Errorf("log device %s not found among discovered partitions", dev)
}

// acquireImage is §4.7 step 2: use -i's local path as-is, or resolve
// the latest version for the target device type and download it.
func (c *Controller) acquireImage(ctx context.Context) error {
	if c.opts.ImagePath != "" {
		if _, err := os.Stat(c.opts.ImagePath); err != nil {
			return errs.New(errs.NotFound, "acquire-image", err)
		}
		return nil
	}

	version := c.opts.Version
	if version == "" {
		v, err := c.api.FetchLatestVersion(ctx, c.opts.DeviceType)
		if err != nil {
			return errs.New(errs.Upstream, "acquire-image", err)
		}
		version = v
	}

	dest := constants.StagingRoot + "/" + constants.ImageDir + "/balena.img"
	if err := os.MkdirAll(constants.StagingRoot+"/"+constants.ImageDir, 0o755); err != nil {
		return errs.New(errs.IO, "acquire-image", err)
	}
	if err := c.api.DownloadRawImage(ctx, c.opts.DeviceType, version, dest); err != nil {
		return errs.New(errs.Upstream, "acquire-image", err)
	}
	c.opts.ImagePath = dest
	return nil
}

// buildMigrateInfo is §4.7 step 3: assemble MigrateInfo from the CLI
// options, discovered disks, and the optional network/backup inputs.
func (c *Controller) buildMigrateInfo(ctx context.Context) error {
	flashDev := c.opts.FlashDev
	if flashDev == "" {
		dev, err := blockdev.WholeDiskFor(c.disks, "/")
		if err != nil {
			return errs.New(errs.NotFound, "build-migrate-info", err)
		}
		flashDev = dev
	}

	var nwmgrFiles []migrate.NwmgrFile
	if !c.opts.NoNwmgrCheck {
		var sources []collab.WifiOrFileSource
		if !c.opts.NoWifis {
			for _, ssid := range c.opts.Wifis {
				sources = append(sources, collab.WifiOrFileSource{SSID: ssid})
			}
		}
		for _, f := range c.opts.NwmgrCfgFiles {
			sources = append(sources, collab.WifiOrFileSource{RawFilePath: f})
		}
		files, err := c.nwmgr.EmitNwmgrFiles(sources)
		if err != nil {
			return errs.New(errs.IO, "build-migrate-info", err)
		}
		nwmgrFiles = files
	}

	var backupManifest migrate.BackupManifest
	if c.opts.BackupCfgPath != "" {
		data, err := os.ReadFile(c.opts.BackupCfgPath)
		if err != nil {
			return errs.New(errs.NotFound, "build-migrate-info", err)
		}
		m, err := migrate.ParseBackupManifest(data)
		if err != nil {
			return errs.New(errs.Invalid, "build-migrate-info", err)
		}
		backupManifest = m
	}

	// FindESP here only probes whether the *running* system boots via
	// UEFI, to decide whether Stage 2 should attempt EFI setup at all;
	// the actual ESP acted on in Stage 2 is the new image's boot
	// partition on flash_dev, located fresh after the flash (step 7),
	// since the old system's ESP device is gone once flashing starts.
	_, espErr := blockdev.FindESP()
	efiSetup := migrate.EFISetup{}
	if !c.opts.NoEFISetup && espErr == nil {
		efiSetup = migrate.EFISetup{Enabled: true}
	}

	c.info = migrate.Info{
		FlashDev:       flashDev,
		ImagePath:      c.opts.ImagePath,
		ConfigBlob:     c.opts.ConfigBlobPath,
		LogDev:         c.opts.LogDev,
		NwmgrFiles:     nwmgrFiles,
		Pretend:        c.opts.Pretend,
		DeviceTypeSlug: c.opts.DeviceType,
		ChangeDTTo:     c.opts.ChangeDTTo,
		Stage1LogLevel: c.opts.Stage1LogLevel,
		Stage2LogLevel: c.opts.Stage2LogLevel,
		FallbackLog:    c.opts.FallbackLog,
		NoKeepName:     c.opts.NoKeepName,
		BackupManifest: backupManifest,
		Wifis:          c.opts.Wifis,
		EFISetup:       efiSetup,
		APIBaseURL:     c.opts.APIBaseURL,
		APIToken:       c.opts.APIToken,
	}
	return nil
}

// stageWorkingSet is §4.7 step 4: mount the tmpfs, build the FHS
// skeleton, and copy in the migration binary and its library closure,
// after confirming the predicted size fits the RAM budget.
func (c *Controller) stageWorkingSet(ctx context.Context) error {
	predicted, err := predictWorkingSetBytes(c.info)
	if err != nil {
		return errs.New(errs.IO, "stage-working-set", err)
	}
	if err := stager.CheckRAMBudget(predicted); err != nil {
		return errs.New(errs.InvalidState, "stage-working-set", err)
	}

	plan := stager.New(constants.StagingRoot, c.log)
	if err := plan.MountTmpfs(predicted); err != nil {
		return errs.New(errs.IO, "stage-working-set", err)
	}
	if err := plan.BuildSkeleton(); err != nil {
		return errs.New(errs.IO, "stage-working-set", err)
	}

	self, err := os.Executable()
	if err != nil {
		return errs.New(errs.IO, "stage-working-set", err)
	}
	if err := plan.Stage(stager.Binaries{SelfPath: self, Helpers: c.bootBlobHelpers()}); err != nil {
		return errs.New(errs.IO, "stage-working-set", err)
	}

	c.stagePlan = plan
	return nil
}

// bootBlobHelpers resolves, on the source OS's PATH, any vendor
// boot-blob flashing tool the target device family needs (§4.4), so
// step 11 has it available post-pivot. A missing helper is logged, not
// fatal here: step 11 itself fails loudly if the device needs it.
func (c *Controller) bootBlobHelpers() []string {
	spec, ok := constants.BootBlobSpecs[c.opts.DeviceType]
	if !ok || spec.HelperBinary == "" {
		return nil
	}
	path, err := exec.LookPath(spec.HelperBinary)
	if err != nil {
		c.log.Warn().Str("helper", spec.HelperBinary).Err(err).Msg("boot-blob helper binary not found on source OS")
		return nil
	}
	return []string{path}
}

func predictWorkingSetBytes(info migrate.Info) (uint64, error) {
	st, err := os.Stat(info.ImagePath)
	if err != nil {
		return 0, err
	}
	// The image stays on disk/device and is streamed rather than staged
	// into tmpfs, so the working-set prediction only needs headroom for
	// the migration binary closure plus a fixed margin, not the image
	// size itself.
	_ = st
	return 64 * 1024 * 1024, nil
}

// confirm is §4.7 step 5: unless --no-ack, require an explicit
// operator acknowledgement before anything becomes irreversible.
func (c *Controller) confirm(ctx context.Context) error {
	if c.opts.NoAck {
		return nil
	}
	c.log.Warn().Str("flash_dev", c.info.FlashDev).Msg("about to overwrite this device irreversibly; rerun with --no-ack to skip this prompt")
	fmt.Fprintf(os.Stderr, "About to flash %s. Type 'yes' to continue: ", c.info.FlashDev)

	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return errs.New(errs.Invalid, "confirm", fmt.Errorf("no confirmation received: %w", err))
	}
	if answer != "yes" {
		return errs.New(errs.Invalid, "confirm", fmt.Errorf("migration not confirmed"))
	}
	return nil
}

// writeHandoff is §4.7 step 6: serialize and fsync MigrateInfo before
// anything past this point can be allowed to run.
func (c *Controller) writeHandoff(ctx context.Context) error {
	if err := migrate.WriteHandoff(constants.StagingRoot, c.info); err != nil {
		return errs.New(errs.IO, "write-handoff", err)
	}
	return nil
}

// bindMountInit is §4.7 step 7: bind-mount the staged migration binary
// over /sbin/init. This is the point of no return (§9): once it
// succeeds, an error in any later step is unrecoverable.
func (c *Controller) bindMountInit(ctx context.Context) error {
	stagedSelf := constants.StagingRoot + "/bin/" + selfBaseName()
	if err := sysx.BindMount(stagedSelf, constants.InitPath); err != nil {
		return errs.New(errs.IO, "bind-mount-init", err)
	}
	c.bindMounted = true
	return nil
}

func selfBaseName() string {
	self, err := os.Executable()
	if err != nil {
		return "takeover"
	}
	return filepath.Base(self)
}

// telinit is §4.7 step 8: trigger the kernel to re-exec PID 1 against
// the bind-mounted binary. If this returns at all, Stage 1's work is
// done; PID 1 continues as Stage 2. --pretend only gates the device
// write in Stage 2 (§8 scenario 1: Stage 2 still runs every step except
// the write to flash_dev), so telinit u always runs here. When telinit
// is a symlink to init, the copy of the real init the stager preserved
// is run with "u" instead, since the symlink now resolves to this binary.
func (c *Controller) telinit(ctx context.Context) error {
	telinitPath := constants.TelinitPath
	if target, err := os.Readlink(constants.TelinitPath); err == nil && filepath.Base(target) == "init" {
		telinitPath = filepath.Join(constants.StagingRoot, constants.SafeInitCopy)
	}
	cmd := exec.Command(telinitPath, "u")
	if err := cmd.Run(); err != nil {
		return errs.New(errs.Execution, "telinit", err)
	}
	return nil
}
