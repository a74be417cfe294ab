// Package formula models the upstream catalog: per-formula metadata, bottle
// files per platform tag, and the HTTP client that reads the catalog with
// on-disk caching and conditional revalidation.
package formula

import (
	"runtime"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// Formula is one entry of the upstream JSON catalog. Unrecognized fields are
// ignored by the decoder.
type Formula struct {
	Name         string   `json:"name"`
	Versions     Versions `json:"versions"`
	Revision     int      `json:"revision"`
	Dependencies []string `json:"dependencies"`
	Bottle       Bottles  `json:"bottle"`
}

// Versions carries the stable version string.
type Versions struct {
	Stable string `json:"stable"`
}

// Bottles groups the bottle files of the stable release.
type Bottles struct {
	Stable BottleSpec `json:"stable"`
}

// BottleSpec maps platform tags to bottle files.
type BottleSpec struct {
	Rebuild int                   `json:"rebuild"`
	Files   map[string]BottleFile `json:"files"`
}

// BottleFile is one downloadable archive.
type BottleFile struct {
	URL    string `json:"url"`
	Sha256 string `json:"sha256"`
}

// Bottle is the selected archive for one formula on one platform.
type Bottle struct {
	Name        string
	Version     string
	Revision    int
	Rebuild     int
	PlatformTag string
	URL         string
	Sha256      string
	DependsOn   []string
}

// HostPlatforms returns the platform tags acceptable on this machine, most
// specific first. The "all" tag is always an acceptable fallback; bottles
// published for older macOS releases run on newer ones, so those tags are
// listed in descending release order.
func HostPlatforms() []string {
	if runtime.GOOS == "darwin" {
		if runtime.GOARCH == "arm64" {
			return []string{
				"arm64_sequoia", "arm64_sonoma", "arm64_ventura", "arm64_monterey",
				"all",
			}
		}
		return []string{"sequoia", "sonoma", "ventura", "monterey", "all"}
	}
	if runtime.GOARCH == "arm64" {
		return []string{"arm64_linux", "all"}
	}
	return []string{"x86_64_linux", "all"}
}

// SelectBottle picks the bottle file for the first matching tag. It fails
// with NO_BOTTLE when the formula publishes nothing usable on this platform.
func (f *Formula) SelectBottle(tags []string) (*Bottle, error) {
	for _, tag := range tags {
		file, ok := f.Bottle.Stable.Files[tag]
		if !ok {
			continue
		}
		return &Bottle{
			Name:        f.Name,
			Version:     f.Versions.Stable,
			Revision:    f.Revision,
			Rebuild:     f.Bottle.Stable.Rebuild,
			PlatformTag: tag,
			URL:         file.URL,
			Sha256:      file.Sha256,
			DependsOn:   append([]string(nil), f.Dependencies...),
		}, nil
	}
	return nil, zberr.New(zberr.CodeNoBottle, "no bottle for %q matches platform tags %v", f.Name, tags)
}
