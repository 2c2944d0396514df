package catalog

import (
	"fmt"
	"strings"

	"github.com/cusdeb/cusdeb-api/internal/database"
)

// FullName renders an OS the way users see it, e.g. `Debian 10 "Buster" (32-bit)`.
// The OS must have its distro, codename and port loaded.
func FullName(os database.OS) string {
	bits := "32-bit"
	if os.Port.Name == "arm64" {
		bits = "64-bit"
	}
	return fmt.Sprintf("%s %s %q (%s)", os.DistroName.Name, os.Version, os.CodeName.Name, bits)
}

// ShortName renders the machine name of an OS, e.g. debian-buster-armhf.
func ShortName(os database.OS) string {
	codename := os.CodeName.Name
	if fields := strings.Fields(codename); len(fields) > 0 {
		codename = fields[0]
	}
	return strings.ToLower(os.DistroName.Name) + "-" + strings.ToLower(codename) + "-" + os.Port.Name
}

// DeviceDisplayName renders e.g. "Raspberry Pi 3 Model B"; a blank generation
// is omitted.
func DeviceDisplayName(d database.Device) string {
	parts := []string{d.DeviceName.Name}
	if g := strings.TrimSpace(d.Generation); g != "" {
		parts = append(parts, g)
	}
	if m := strings.TrimSpace(d.Model); m != "" {
		parts = append(parts, m)
	}
	return strings.Join(parts, " ")
}
