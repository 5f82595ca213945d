package collab

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/balena-os/takeover/pkg/migrate"
	"github.com/klauspost/compress/gzip"
)

// BackupPacker is the backup-packer collaborator of §6: it turns a
// parsed BackupManifest plus the live filesystem into a tar archive the
// worker drops on the new OS's data partition (§4.9 step 9).
type BackupPacker interface {
	Pack(manifest migrate.BackupManifest, destTarPath string) error
}

// TarBackupPacker is the default BackupPacker. It walks each manifest
// volume's source directory (applying the optional glob filter) and
// writes a gzip-compressed tar, using the stdlib's archive/tar for the
// tar layer (no pack library wraps tar creation) and klauspost/compress
// for gzip, consistent with the image handler's compression choice.
type TarBackupPacker struct{}

func (TarBackupPacker) Pack(manifest migrate.BackupManifest, destTarPath string) error {
	out, err := os.OpenFile(destTarPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("collab: creating backup archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, vol := range manifest.Volumes {
		if err := addVolume(tw, vol); err != nil {
			return err
		}
	}
	return nil
}

func addVolume(tw *tar.Writer, vol migrate.BackupVolume) error {
	return filepath.Walk(vol.Source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if vol.Filter != "" {
			matched, merr := filepath.Match(vol.Filter, info.Name())
			if merr != nil {
				return merr
			}
			if !matched {
				return nil
			}
		}

		rel, err := filepath.Rel(vol.Source, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.Join(vol.Target, rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
