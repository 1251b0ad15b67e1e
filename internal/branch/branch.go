package branch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnrecognizedBranch is returned when a branch name matches neither the
// default branch nor one of the release branch naming conventions.
var ErrUnrecognizedBranch = errors.New("unrecognized branch name")

var (
	// Matches 'ocm-2.5-mce-2.0' or 'origin/ocm-2.5-mce-2.0', capturing the
	// semver prefix ('2.5') and the channel name ('mce-2.0').
	mceBranchRegex = regexp.MustCompile(`^(?:[^/]+/)?ocm-(\d+\.\d+)-(mce-\d+\.\d+)$`)

	// Matches 'ocm-2.3' or 'origin/ocm-2.3', capturing the channel name
	// ('ocm-2.3') and the semver prefix ('2.3').
	ocmBranchRegex = regexp.MustCompile(`^(?:[^/]+/)?(ocm-(\d+\.\d+))$`)
)

// Defaults carries the identity of the default release line: the branch that
// tracks it, the channel it publishes to, and the version prefix its bundles
// are stamped with.
type Defaults struct {
	Branch        string
	Channel       string
	VersionPrefix string
}

// Spec is the classification of a branch name: which version prefix the
// release version is built from and which catalog channels the release
// updates.
type Spec struct {
	// Raw is the branch name as given, including any remote/ prefix.
	Raw string

	VersionPrefix string
	Channels      []string

	// Default is true when Raw names the default branch.
	Default bool

	// ReleaseBranch is the bare 'ocm-X.Y' branch name when the ocm rule
	// matched, empty otherwise. The orchestrator uses it to detect a release
	// branch whose head coincides with the default branch head, in which case
	// the default channel is updated as well.
	ReleaseBranch string
}

// Classify derives a Spec from a branch (or commit-ish) name.
//
// The rules, in priority order:
//  1. the default branch updates the default channel with the default prefix;
//  2. 'ocm-X.Y' updates channel 'ocm-X.Y' with prefix 'X.Y';
//  3. 'ocm-X.Y-mce-M.N' updates channel 'mce-M.N' with prefix 'X.Y'.
//
// A single leading 'remote/' segment is tolerated on all three forms, since
// branches of a fresh clone are only addressable through their remote.
func Classify(name string, d Defaults) (*Spec, error) {
	if stripRemote(name) == d.Branch {
		return &Spec{
			Raw:           name,
			VersionPrefix: d.VersionPrefix,
			Channels:      []string{d.Channel},
			Default:       true,
		}, nil
	}
	if m := mceBranchRegex.FindStringSubmatch(name); m != nil {
		return &Spec{
			Raw:           name,
			VersionPrefix: m[1],
			Channels:      []string{m[2]},
		}, nil
	}
	if m := ocmBranchRegex.FindStringSubmatch(name); m != nil {
		return &Spec{
			Raw:           name,
			VersionPrefix: m[2],
			Channels:      []string{m[1]},
			ReleaseBranch: m[1],
		}, nil
	}
	return nil, fmt.Errorf("%w %q: expected %q, 'ocm-X.Y', or 'ocm-X.Y-mce-M.N'", ErrUnrecognizedBranch, name, d.Branch)
}

// AddDefaultChannel unions the default channel into the spec's channel set,
// keeping the default channel first. Used when a release branch head turns
// out to be an alias of the default branch head.
func (s *Spec) AddDefaultChannel(defaultChannel string) {
	for _, ch := range s.Channels {
		if ch == defaultChannel {
			return
		}
	}
	s.Channels = append([]string{defaultChannel}, s.Channels...)
}

// LookupChannel returns the channel to consult when querying the published
// index for the previous version: the default channel if it is among the
// update targets, otherwise the first target.
func (s *Spec) LookupChannel(defaultChannel string) string {
	for _, ch := range s.Channels {
		if ch == defaultChannel {
			return ch
		}
	}
	return s.Channels[0]
}

func stripRemote(name string) string {
	if i := strings.Index(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
