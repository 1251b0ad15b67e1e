package branch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testDefaults = Defaults{
	Branch:        "master",
	Channel:       "alpha",
	VersionPrefix: "1.2",
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		branch    string
		expected  *Spec
		assertErr require.ErrorAssertionFunc
	}{
		{
			name:   "default branch",
			branch: "master",
			expected: &Spec{
				Raw:           "master",
				VersionPrefix: "1.2",
				Channels:      []string{"alpha"},
				Default:       true,
			},
			assertErr: require.NoError,
		},
		{
			name:   "default branch with remote prefix",
			branch: "origin/master",
			expected: &Spec{
				Raw:           "origin/master",
				VersionPrefix: "1.2",
				Channels:      []string{"alpha"},
				Default:       true,
			},
			assertErr: require.NoError,
		},
		{
			name:   "ocm release branch",
			branch: "ocm-2.4",
			expected: &Spec{
				Raw:           "ocm-2.4",
				VersionPrefix: "2.4",
				Channels:      []string{"ocm-2.4"},
				ReleaseBranch: "ocm-2.4",
			},
			assertErr: require.NoError,
		},
		{
			name:   "ocm release branch with remote prefix",
			branch: "upstream/ocm-2.5",
			expected: &Spec{
				Raw:           "upstream/ocm-2.5",
				VersionPrefix: "2.5",
				Channels:      []string{"ocm-2.5"},
				ReleaseBranch: "ocm-2.5",
			},
			assertErr: require.NoError,
		},
		{
			name:   "mce release branch",
			branch: "ocm-2.4-mce-1.0",
			expected: &Spec{
				Raw:           "ocm-2.4-mce-1.0",
				VersionPrefix: "2.4",
				Channels:      []string{"mce-1.0"},
			},
			assertErr: require.NoError,
		},
		{
			name:   "mce release branch with remote prefix",
			branch: "origin/ocm-2.5-mce-2.0",
			expected: &Spec{
				Raw:           "origin/ocm-2.5-mce-2.0",
				VersionPrefix: "2.5",
				Channels:      []string{"mce-2.0"},
			},
			assertErr: require.NoError,
		},
		{
			name:   "unrecognized branch",
			branch: "feature/my-fix",
			assertErr: func(t require.TestingT, err error, i ...interface{}) {
				require.ErrorIs(t, err, ErrUnrecognizedBranch)
				require.ErrorContains(t, err, "feature/my-fix")
			},
		},
		{
			name:   "ocm branch with trailing garbage",
			branch: "ocm-2.4-rc1",
			assertErr: func(t require.TestingT, err error, i ...interface{}) {
				require.ErrorIs(t, err, ErrUnrecognizedBranch)
			},
		},
		{
			name:   "non-numeric ocm branch",
			branch: "ocm-two.four",
			assertErr: func(t require.TestingT, err error, i ...interface{}) {
				require.ErrorIs(t, err, ErrUnrecognizedBranch)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Classify(tt.branch, testDefaults)
			tt.assertErr(t, err)
			require.Equal(t, tt.expected, spec)
		})
	}
}

func TestSpecAddDefaultChannel(t *testing.T) {
	spec := &Spec{
		VersionPrefix: "2.4",
		Channels:      []string{"ocm-2.4"},
		ReleaseBranch: "ocm-2.4",
	}
	spec.AddDefaultChannel("alpha")
	require.Equal(t, []string{"alpha", "ocm-2.4"}, spec.Channels)

	// Idempotent.
	spec.AddDefaultChannel("alpha")
	require.Equal(t, []string{"alpha", "ocm-2.4"}, spec.Channels)
}

func TestSpecLookupChannel(t *testing.T) {
	tests := []struct {
		name     string
		channels []string
		expected string
	}{
		{name: "default channel preferred", channels: []string{"ocm-2.4", "alpha"}, expected: "alpha"},
		{name: "first channel otherwise", channels: []string{"mce-1.0"}, expected: "mce-1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Spec{Channels: tt.channels}
			require.Equal(t, tt.expected, s.LookupChannel("alpha"))
		})
	}
}
