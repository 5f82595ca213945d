package collab

import (
	"fmt"
	"os"

	"github.com/balena-os/takeover/pkg/migrate"
)

// WifiOrFileSource is a single --wifi SSID or --nwmgr-cfg file input to
// the network config translator.
type WifiOrFileSource struct {
	SSID         string // set for --wifi
	RawFilePath  string // set for --nwmgr-cfg
	PasswordPSK  string
}

// NetworkConfigTranslator is the network config translator collaborator
// of §6: it synthesizes NetworkManager connection files from legacy
// wifi SSIDs and/or pass-through config files.
type NetworkConfigTranslator interface {
	EmitNwmgrFiles(sources []WifiOrFileSource) ([]migrate.NwmgrFile, error)
}

// DefaultNetworkConfigTranslator renders --wifi SSIDs into minimal
// NetworkManager keyfile connections, and passes --nwmgr-cfg files
// through verbatim.
type DefaultNetworkConfigTranslator struct{}

func (DefaultNetworkConfigTranslator) EmitNwmgrFiles(sources []WifiOrFileSource) ([]migrate.NwmgrFile, error) {
	var out []migrate.NwmgrFile
	for i, s := range sources {
		switch {
		case s.RawFilePath != "":
			data, err := os.ReadFile(s.RawFilePath)
			if err != nil {
				return nil, fmt.Errorf("collab: reading nwmgr config %s: %w", s.RawFilePath, err)
			}
			out = append(out, migrate.NwmgrFile{
				Filename: fmt.Sprintf("%02d-imported.nmconnection", i),
				Contents: string(data),
			})
		case s.SSID != "":
			out = append(out, migrate.NwmgrFile{
				Filename: fmt.Sprintf("%02d-%s.nmconnection", i, s.SSID),
				Contents: wifiKeyfile(s.SSID, s.PasswordPSK),
			})
		}
	}
	return out, nil
}

func wifiKeyfile(ssid, psk string) string {
	security := ""
	if psk != "" {
		security = fmt.Sprintf("\n[wifi-security]\nkey-mgmt=wpa-psk\npsk=%s\n", psk)
	}
	return fmt.Sprintf(`[connection]
id=%s
type=wifi

[wifi]
mode=infrastructure
ssid=%s
%s`, ssid, ssid, security)
}
