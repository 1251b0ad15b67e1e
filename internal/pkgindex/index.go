package pkgindex

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/google/renameio/v2"
	"github.com/operator-framework/api/pkg/manifests"
	"sigs.k8s.io/yaml"
)

var (
	// ErrChannelNotFound is returned by an existing-channel update that
	// matched none of its targets. An update must update something.
	ErrChannelNotFound = errors.New("no target channel found in package index")

	// ErrAmbiguousNewChannel is returned when channel creation is asked to
	// create more than one channel at once. A brand-new channel cannot be
	// aliased under multiple names in a single step.
	ErrAmbiguousNewChannel = errors.New("creating a channel requires exactly one target channel")

	// ErrChannelExists is returned when channel creation finds the channel
	// already present, contradicting the no-previous-version premise under
	// which creation was chosen.
	ErrChannelExists = errors.New("channel already exists in package index")
)

// Load reads a package index document. A missing or malformed local index is
// fatal to the caller; unlike the remote lookup there is no legitimate
// "absent" state for the document inside a destination catalog.
func Load(path string) (*manifests.PackageManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package index: %w", err)
	}
	var pm manifests.PackageManifest
	if err := yaml.Unmarshal(data, &pm); err != nil {
		return nil, fmt.Errorf("failed to parse package index %q: %w", path, err)
	}
	return &pm, nil
}

// Write serializes a package index document to path atomically.
func Write(path string, pm *manifests.PackageManifest) error {
	data, err := yaml.Marshal(pm)
	if err != nil {
		return fmt.Errorf("failed to marshal package index: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write package index %q: %w", path, err)
	}
	return nil
}

// Update points the target channels of pm at newCSVName.
//
// The two cases are disjoint and their preconditions are incompatible:
// hadPrevious selects an in-place update of existing entries, !hadPrevious
// selects creation of a single new entry. On error pm is left unmodified.
// Entries not named in targetChannels are never touched.
func Update(pm *manifests.PackageManifest, targetChannels []string, newCSVName string, hadPrevious bool) error {
	if hadPrevious {
		found := false
		for i := range pm.Channels {
			if slices.Contains(targetChannels, pm.Channels[i].Name) {
				pm.Channels[i].CurrentCSVName = newCSVName
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%w: looked for %v", ErrChannelNotFound, targetChannels)
		}
		return nil
	}

	if len(targetChannels) != 1 {
		return fmt.Errorf("%w: got %v", ErrAmbiguousNewChannel, targetChannels)
	}
	name := targetChannels[0]
	for _, ch := range pm.Channels {
		if ch.Name == name {
			return fmt.Errorf("%w: %q already points at %q", ErrChannelExists, name, ch.CurrentCSVName)
		}
	}
	pm.Channels = append(pm.Channels, manifests.PackageChannel{Name: name, CurrentCSVName: newCSVName})
	return nil
}

// Generate writes a fresh single-channel index for pkg to path, with the
// channel doubling as the default channel. This is the reference copy kept
// alongside the bundle output; the destination catalogs carry their own
// authoritative index.
func Generate(path, pkg, channel, csvName string) error {
	pm := &manifests.PackageManifest{
		PackageName:        pkg,
		DefaultChannelName: channel,
		Channels: []manifests.PackageChannel{
			{Name: channel, CurrentCSVName: csvName},
		},
	}
	return Write(path, pm)
}
