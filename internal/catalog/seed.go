package catalog

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/cusdeb/cusdeb-api/internal/apperr"
)

// SeedFile is the YAML layout accepted by Seed.
//
//	build_types: [Classic image, Mender-compatible image]
//	os:
//	  - distro: Debian
//	    codename: Buster
//	    version: "10"
//	    port: armhf
//	    packages_url: http://deb.debian.org/debian
//	devices:
//	  - name: Raspberry Pi
//	    generation: "3"
//	    model: Model B
//	    active: false
//	    os: [debian-buster-armhf]
//	    build_types:
//	      debian-buster-armhf: [Classic image, Mender-compatible image]
//
// The first build type becomes the default. Devices refer to operating
// systems by short name. Entries are active unless they say otherwise.
type SeedFile struct {
	BuildTypes []string     `yaml:"build_types"`
	OS         []SeedOS     `yaml:"os"`
	Devices    []SeedDevice `yaml:"devices"`
}

type SeedOS struct {
	Distro      string `yaml:"distro"`
	CodeName    string `yaml:"codename"`
	Version     string `yaml:"version"`
	Port        string `yaml:"port"`
	PackagesURL string `yaml:"packages_url"`
	Active      *bool  `yaml:"active"`
}

type SeedDevice struct {
	Name       string              `yaml:"name"`
	Generation string              `yaml:"generation"`
	Model      string              `yaml:"model"`
	Active     *bool               `yaml:"active"`
	OS         []string            `yaml:"os"`
	BuildTypes map[string][]string `yaml:"build_types"`
}

type SeedResult struct {
	OS      int
	Devices int
	// Updated counts existing rows whose active flag or packages URL was
	// brought in line with the file.
	Updated int
}

func isActive(flag *bool) bool {
	return flag == nil || *flag
}

// Seed loads a YAML catalog through the store's mutators. Entries that
// already exist are reused and take the active flag and packages URL the
// file gives them, so re-seeding an edited file updates the catalog.
func (s *Store) Seed(ctx context.Context, r io.Reader) (*SeedResult, error) {
	var file SeedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	if len(file.BuildTypes) == 0 {
		return nil, apperr.Invalid("build_types", "At least one build type is required")
	}

	if _, err := s.EnsureDefaultBuildType(ctx, file.BuildTypes[0]); err != nil {
		return nil, err
	}
	for _, name := range file.BuildTypes[1:] {
		if _, err := s.EnsureBuildTypeName(ctx, name); err != nil {
			return nil, err
		}
	}

	result := &SeedResult{}
	osByShortName := make(map[string]uint, len(file.OS))
	for _, in := range file.OS {
		os, err := s.CreateOS(ctx, OSInput{
			Distro:      in.Distro,
			CodeName:    in.CodeName,
			Version:     in.Version,
			Port:        in.Port,
			PackagesURL: in.PackagesURL,
			Active:      isActive(in.Active),
		})
		if err != nil {
			return nil, err
		}
		changed := false
		if active := isActive(in.Active); os.Active != active {
			if err := s.SetOSActive(ctx, os.ID, active); err != nil {
				return nil, err
			}
			changed = true
		}
		if os.PackagesURL != in.PackagesURL {
			if err := s.SetOSPackagesURL(ctx, os.ID, in.PackagesURL); err != nil {
				return nil, err
			}
			changed = true
		}
		if changed {
			result.Updated++
		}
		osByShortName[ShortName(*os)] = os.ID
		result.OS++
	}

	for _, in := range file.Devices {
		device, err := s.CreateDevice(ctx, DeviceInput{
			Name:       in.Name,
			Generation: in.Generation,
			Model:      in.Model,
			Active:     isActive(in.Active),
		})
		if err != nil {
			return nil, err
		}
		if active := isActive(in.Active); device.Active != active {
			if err := s.SetDeviceActive(ctx, device.ID, active); err != nil {
				return nil, err
			}
			result.Updated++
		}

		osIDs := make([]uint, 0, len(in.OS))
		for _, short := range in.OS {
			id, ok := osByShortName[short]
			if !ok {
				return nil, apperr.Invalid("devices.os", fmt.Sprintf("Unknown operating system %q", short))
			}
			osIDs = append(osIDs, id)
		}
		if err := s.AssociateOS(ctx, device.ID, osIDs...); err != nil {
			return nil, err
		}

		for short, names := range in.BuildTypes {
			id, ok := osByShortName[short]
			if !ok {
				return nil, apperr.Invalid("devices.build_types", fmt.Sprintf("Unknown operating system %q", short))
			}
			if err := s.SetBuildTypes(ctx, device.ID, id, names); err != nil {
				return nil, err
			}
		}
		result.Devices++
	}

	return result, nil
}
