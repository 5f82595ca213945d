package blockdev

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/balena-os/takeover/internal/constants"
)

// lsblkOutput mirrors the teacher's schema.LsblkOutput shape: lsblk -J
// nests children under each whole-disk entry, and PARTTYPE comes back
// as a GUID string for GPT disks (or null/absent for MBR ones).
type lsblkOutput struct {
	Blockdevices []struct {
		Name     string `json:"name,omitempty"`
		Parttype string `json:"parttype,omitempty"`
		Children []struct {
			Name     string `json:"name,omitempty"`
			Parttype string `json:"parttype,omitempty"`
		} `json:"children,omitempty"`
	} `json:"blockdevices,omitempty"`
}

// FindESP runs `lsblk -J -o NAME,PARTTYPE` and returns the device node
// of the partition whose GPT type GUID matches the EFI System
// Partition, per §3's BlockDevice type-GUID field. ghw does not expose
// partition type GUIDs directly, so this mirrors the teacher's
// UKIMountESPPartition fallback to lsblk's JSON output instead.
func FindESP() (string, error) {
	out, err := exec.Command("lsblk", "-J", "-o", "NAME,PARTTYPE").Output()
	if err != nil {
		return "", fmt.Errorf("blockdev: running lsblk: %w", err)
	}

	var parsed lsblkOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", fmt.Errorf("blockdev: parsing lsblk output: %w", err)
	}

	for _, disk := range parsed.Blockdevices {
		for _, child := range disk.Children {
			if child.Parttype == constants.ESPPartitionTypeGUID {
				return "/dev/" + child.Name, nil
			}
		}
	}
	return "", fmt.Errorf("blockdev: no ESP partition found")
}
