// Package blockdev is the block-device & partition inspector of §4.2: it
// discovers disks and partitions, tolerates empty/unreadable partitions
// instead of aborting, and answers the "what's mounted off this disk"
// and "what whole disk holds this path" questions the controller and
// worker need.
package blockdev

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
)

// Partition describes one partition as discovered from ghw's block
// topology, enriched with the mountpoint (if any) from the live mount
// table.
type Partition struct {
	Device      string // e.g. /dev/sda1
	FSType      string // "" if ghw reports no filesystem
	Label       string
	UUID        string
	TypeGUID    string
	ParentDisk  string
	Mountpoint  string
}

// Disk is a whole-disk block device with its discovered partitions.
type Disk struct {
	Device     string // e.g. /dev/sda
	SizeBytes  uint64
	Partitions []Partition
}

// Inspector wraps ghw's block info with the lsblk-JSON fallback used to
// answer GUID-typed-partition questions ghw does not expose (ESP
// discovery), the way the teacher falls back to shelling out to lsblk
// for partition-type metadata in steps_uki.go's UKIMountESPPartition.
type Inspector struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Inspector {
	return &Inspector{log: log}
}

// Discover returns every whole disk on the system with its partitions.
// Partitions ghw reports with no filesystem are logged and kept with an
// empty FSType rather than aborting discovery (§4.2, scenario 2 of §8).
func (i *Inspector) Discover() ([]Disk, error) {
	block, err := ghw.Block()
	if err != nil {
		return nil, fmt.Errorf("blockdev: reading block topology: %w", err)
	}

	mounted, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("blockdev: reading mount table: %w", err)
	}
	mountByDevice := make(map[string]string, len(mounted))
	for _, m := range mounted {
		mountByDevice[m.Source] = m.Mountpoint
	}

	disks := make([]Disk, 0, len(block.Disks))
	for _, d := range block.Disks {
		diskNode := "/dev/" + d.Name
		disk := Disk{Device: diskNode, SizeBytes: d.SizeBytes}
		for _, p := range d.Partitions {
			partNode := "/dev/" + p.Name
			fsType := p.Type
			if fsType == "" {
				i.log.Info().Str("partition", partNode).Msg("empty filesystem on partition")
			}
			disk.Partitions = append(disk.Partitions, Partition{
				Device:     partNode,
				FSType:     fsType,
				Label:      p.Label,
				UUID:       p.UUID,
				ParentDisk: diskNode,
				Mountpoint: mountByDevice[partNode],
			})
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

// WholeDiskFor walks the mount table to find which whole disk backs the
// filesystem mounted at or containing path.
func WholeDiskFor(disks []Disk, path string) (string, error) {
	best := ""
	bestLen := -1
	for _, d := range disks {
		for _, p := range d.Partitions {
			if p.Mountpoint == "" {
				continue
			}
			if isUnder(path, p.Mountpoint) && len(p.Mountpoint) > bestLen {
				best = d.Device
				bestLen = len(p.Mountpoint)
			}
		}
	}
	if best == "" {
		return "", fmt.Errorf("blockdev: no disk found backing %s", path)
	}
	return best, nil
}

func isUnder(path, mountpoint string) bool {
	rel, err := filepath.Rel(mountpoint, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// MountedFilesystems lists every currently mounted filesystem whose
// backing device belongs to disk, in the order the partitions were
// discovered, for §4.9 step 5's unmount sweep to sort.
func MountedFilesystems(disks []Disk, disk string) []Partition {
	var out []Partition
	for _, d := range disks {
		if d.Device != disk {
			continue
		}
		for _, p := range d.Partitions {
			if p.Mountpoint != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// ParentDiskOf returns the whole disk backing the given partition
// device, for the log_dev/flash_dev overlap check of §4.7 step 1.
func ParentDiskOf(disks []Disk, partition string) (string, error) {
	for _, d := range disks {
		for _, p := range d.Partitions {
			if p.Device == partition {
				return p.ParentDisk, nil
			}
		}
	}
	return "", fmt.Errorf("blockdev: partition %s not found among discovered disks", partition)
}

// IsAcceptedFilesystem reports whether fsType is one of the filesystem
// types accepted for the log device (§4.7 step 1).
func IsAcceptedFilesystem(fsType string, accepted []string) bool {
	for _, a := range accepted {
		if a == fsType {
			return true
		}
	}
	return false
}
