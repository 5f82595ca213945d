// Package migrate defines MigrateInfo, the canonical migration plan of
// §3, and its handoff-file codec: the only state that survives the
// Stage-1 → Stage-2 pivot, since the re-exec of PID 1 discards the
// heap (§9).
package migrate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/balena-os/takeover/internal/constants"
	"gopkg.in/yaml.v3"
)

// NwmgrFile is one NetworkManager connection file to drop into the new
// OS's system-connections directory.
type NwmgrFile struct {
	Filename string `yaml:"filename"`
	Contents string `yaml:"contents"`
}

// EFISetup carries the x86 UEFI boot-entry registration inputs. The ESP
// itself is not named here: it is the new boot partition on flash_dev,
// located fresh in Stage 2 after the image is written, since the old
// system's ESP device no longer exists by the time this is acted on.
type EFISetup struct {
	Enabled bool `yaml:"enabled"`
}

// BackupVolume is one entry of a --backup-cfg manifest.
type BackupVolume struct {
	Volume string `yaml:"volume"`
	Item   string `yaml:"item"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Filter string `yaml:"filter,omitempty"`
}

// BackupManifest is the parsed --backup-cfg document, handed to the
// backup packer collaborator.
type BackupManifest struct {
	Volumes []BackupVolume `yaml:"volumes"`
}

// Info is MigrateInfo: the canonical migration plan of §3, frozen just
// before the init swap and read once by Stage 2.
type Info struct {
	FlashDev       string          `yaml:"flash_dev"`
	ImagePath      string          `yaml:"image_path"`
	ConfigBlob     string          `yaml:"config_blob"`
	LogDev         string          `yaml:"log_dev,omitempty"`
	NwmgrFiles     []NwmgrFile     `yaml:"nwmgr_files,omitempty"`
	BackupArchive  string          `yaml:"backup_archive,omitempty"`
	Hostname       string          `yaml:"hostname,omitempty"`
	EFISetup       EFISetup        `yaml:"efi_setup"`
	Pretend        bool            `yaml:"pretend"`
	DeviceTypeSlug string          `yaml:"device_type_slug"`
	ChangeDTTo     string          `yaml:"change_dt_to,omitempty"`
	Stage1LogLevel string          `yaml:"stage1_log_level"`
	Stage2LogLevel string          `yaml:"stage2_log_level"`
	FallbackLog    bool            `yaml:"fallback_log"`
	NoKeepName     bool            `yaml:"no_keep_name"`
	BackupManifest BackupManifest  `yaml:"backup_manifest,omitempty"`
	Wifis          []string        `yaml:"wifis,omitempty"`
	APIBaseURL     string          `yaml:"api_base_url,omitempty"`
	APIToken       string          `yaml:"api_token,omitempty"`
}

// WriteHandoff serializes info to <stagingRoot>/takeover-stage2.yaml and
// fsyncs it before returning, since MigrateInfo must be fully durable
// before telinit u is invoked (§5).
func WriteHandoff(stagingRoot string, info Info) error {
	data, err := yaml.Marshal(info)
	if err != nil {
		return fmt.Errorf("migrate: serializing handoff file: %w", err)
	}

	path := filepath.Join(stagingRoot, constants.HandoffFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("migrate: creating handoff file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("migrate: writing handoff file: %w", err)
	}
	return f.Sync()
}

// ReadHandoff deserializes the handoff file Stage 2 finds at the root
// of its new (post-pivot) filesystem.
func ReadHandoff(stagingRootAfterPivot string) (Info, error) {
	path := filepath.Join(stagingRootAfterPivot, constants.HandoffFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("migrate: reading handoff file: %w", err)
	}

	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("migrate: parsing handoff file: %w", err)
	}
	return info, nil
}

// ParseBackupManifest parses a --backup-cfg YAML document.
func ParseBackupManifest(data []byte) (BackupManifest, error) {
	var m BackupManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return BackupManifest{}, fmt.Errorf("migrate: parsing backup manifest: %w", err)
	}
	return m, nil
}
