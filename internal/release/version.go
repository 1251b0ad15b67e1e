package release

import (
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/operator-framework/api/pkg/manifests"
)

// Version is a fully resolved release version of the form
// "{prefix}.{commitCount}-{shortHash}", e.g. "1.2.3187-18827f6". It is a
// value object: two versions are the same release iff their strings are
// equal.
type Version string

// New composes a Version from a branch-derived prefix, the commit count of
// the release commit, and its abbreviated hash.
func New(prefix string, commitCount int, shortHash string) Version {
	return Version(fmt.Sprintf("%s.%d-%s", prefix, commitCount, shortHash))
}

func (v Version) String() string {
	return string(v)
}

// CSVName returns the cluster service version name that identifies this
// release of pkg in a catalog, e.g. "hive-operator.v1.2.3187-18827f6".
func (v Version) CSVName(pkg string) string {
	return fmt.Sprintf("%s.v%s", pkg, v)
}

// Semver parses the version as semver: the commit count lands in the patch
// position and the short hash in the pre-release position. This only works
// for two-part prefixes like "1.2"; callers that require a semver (the CSV
// spec.version field does) must treat an error as fatal.
func (v Version) Semver() (semver.Version, error) {
	sv, err := semver.Parse(string(v))
	if err != nil {
		return semver.Version{}, fmt.Errorf("release version %q is not a semver: %v", v, err)
	}
	return sv, nil
}

// Previous extracts the currently published version of pkg for the named
// channel from a package index. The second return is false if the channel is
// not present, which is the expected state for a brand-new channel.
func Previous(pm *manifests.PackageManifest, pkg, channel string) (Version, bool) {
	for _, ch := range pm.Channels {
		if ch.Name != channel {
			continue
		}
		return Version(strings.TrimPrefix(ch.CurrentCSVName, pkg+".v")), true
	}
	return "", false
}
