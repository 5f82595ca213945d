package sysx

import (
	"reflect"

	"golang.org/x/sys/unix"
)

// MemInfo is the portable result of a sysinfo(2) call: bytes, already
// multiplied by mem_unit, regardless of whether the kernel reported
// 32-bit or 64-bit fields.
type MemInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Sysinfo wraps unix.Sysinfo and normalizes the result. unix.Sysinfo_t's
// Totalram/Freeram/Unit fields are uint64 on 64-bit architectures and
// uint32 on 32-bit ones; reflect.Value.Uint handles either width without
// per-arch build tags, and the raw values are multiplied by Unit before
// being returned, per §4.1's "memory reported by sysinfo must be
// multiplied by mem_unit before use" requirement.
func Sysinfo() (MemInfo, error) {
	var raw unix.Sysinfo_t
	if err := unix.Sysinfo(&raw); err != nil {
		return MemInfo{}, err
	}

	v := reflect.ValueOf(raw)
	total := v.FieldByName("Totalram").Uint()
	free := v.FieldByName("Freeram").Uint()
	unit := v.FieldByName("Unit").Uint()
	if unit == 0 {
		unit = 1
	}

	return MemInfo{
		TotalBytes: total * unit,
		FreeBytes:  free * unit,
	}, nil
}

// charsToString decodes a kernel char array (uname-style) into a Go
// string. The array element type is int8 on x86/x86-64 and uint8 on
// several other architectures; reflect.Value.Int/Uint covers both
// without assuming the C char's signedness matches the host arch.
func charsToString(arr interface{}) string {
	v := reflect.ValueOf(arr)
	b := make([]byte, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		var c byte
		switch v.Index(i).Kind() {
		case reflect.Int8:
			c = byte(v.Index(i).Int())
		default:
			c = byte(v.Index(i).Uint())
		}
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}

// Uname returns the kernel release string, decoded with the
// signedness-portable helper above. Nothing in the pivot sequence
// calls it.
func Uname() (string, error) {
	var raw unix.Utsname
	if err := unix.Uname(&raw); err != nil {
		return "", err
	}
	return charsToString(raw.Release), nil
}
