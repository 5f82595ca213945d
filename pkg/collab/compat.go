package collab

// CompatibilityMatrix is the device-type/OS compatibility collaborator
// of §6: it decides whether migrating from a given running device type
// and OS identifier to a target device type is supported. Its actual
// contents are a maintained table outside this specification's scope;
// a small static table stands in as the working default.
type CompatibilityMatrix interface {
	IsSupported(sourceDeviceType, sourceOS, targetDeviceType string) bool
}

// StaticCompatibilityMatrix implements CompatibilityMatrix with an
// explicit allow-list, erring on the side of "unsupported" for any pair
// it has no opinion on (consistent with §4.7 step 1 treating hardware
// compatibility as a gate unless explicitly skipped).
type StaticCompatibilityMatrix struct {
	Allowed map[string]map[string]bool // sourceDeviceType -> targetDeviceType -> ok
}

func NewStaticCompatibilityMatrix() StaticCompatibilityMatrix {
	return StaticCompatibilityMatrix{
		Allowed: map[string]map[string]bool{
			"intel-nuc":         {"generic-amd64": true, "intel-nuc": true},
			"raspberrypi3":      {"raspberrypi3-64": true, "raspberrypi3": true},
			"raspberrypi4-64":   {"raspberrypi4-64": true},
			"jetson-xavier-nx":  {"jetson-xavier-nx": true},
			"generic-amd64":     {"generic-amd64": true},
		},
	}
}

func (m StaticCompatibilityMatrix) IsSupported(sourceDeviceType, _ string, targetDeviceType string) bool {
	targets, ok := m.Allowed[sourceDeviceType]
	if !ok {
		return false
	}
	return targets[targetDeviceType]
}
