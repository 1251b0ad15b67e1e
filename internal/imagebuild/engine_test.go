package imagebuild

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEngine(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  Engine
		assertErr require.ErrorAssertionFunc
	}{
		{name: "buildah", input: "buildah", expected: EngineBuildah, assertErr: require.NoError},
		{name: "docker", input: "docker", expected: EngineDocker, assertErr: require.NoError},
		{
			name:  "podman is not supported",
			input: "podman",
			assertErr: func(t require.TestingT, err error, i ...interface{}) {
				require.ErrorContains(t, err, `unsupported build engine "podman"`)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEngine(tt.input)
			tt.assertErr(t, err)
			require.Equal(t, tt.expected, e)
		})
	}
}

func TestBuilderCommandShapes(t *testing.T) {
	const ref = "quay.io/openshift-hive/hive:v1.2.3187-18827f6"

	tests := []struct {
		name     string
		engine   Engine
		invoke   func(b *Builder) []string
		expected []string
	}{
		{
			name:     "buildah query",
			engine:   EngineBuildah,
			invoke:   func(b *Builder) []string { return b.queryArgs(ref) },
			expected: []string{"buildah", "images", "-nq", ref},
		},
		{
			name:     "buildah build",
			engine:   EngineBuildah,
			invoke:   func(b *Builder) []string { return b.buildArgs(ref) },
			expected: []string{"buildah", "bud", "--tag", ref, "-f", "./Dockerfile"},
		},
		{
			name:     "buildah push uses authfile",
			engine:   EngineBuildah,
			invoke:   func(b *Builder) []string { return b.pushArgs(ref) },
			expected: []string{"buildah", "push", "--authfile=/home/user/.docker/config.json", ref},
		},
		{
			name:     "docker query",
			engine:   EngineDocker,
			invoke:   func(b *Builder) []string { return b.queryArgs(ref) },
			expected: []string{"docker", "image", "inspect", ref},
		},
		{
			name:     "docker build",
			engine:   EngineDocker,
			invoke:   func(b *Builder) []string { return b.buildArgs(ref) },
			expected: []string{"docker", "build", "--tag", ref, "-f", "./Dockerfile", "."},
		},
		{
			name:     "docker push uses config dir",
			engine:   EngineDocker,
			invoke:   func(b *Builder) []string { return b.pushArgs(ref) },
			expected: []string{"docker", "--config", "/home/user/.docker", "push", ref},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Builder{Engine: tt.engine, RegistryAuthFile: "/home/user/.docker/config.json"}
			require.Equal(t, tt.expected, tt.invoke(b))
		})
	}
}

func TestBuilderRunsInSourceDir(t *testing.T) {
	var captured *exec.Cmd
	b := &Builder{
		Engine: EngineBuildah,
		Dir:    "/tmp/hive-src",
		run: func(cmd *exec.Cmd) error {
			captured = cmd
			return nil
		},
	}
	require.NoError(t, b.Build(context.Background(), "ref"))
	require.NotNil(t, captured)
	require.Equal(t, "/tmp/hive-src", captured.Dir)
}

func TestImageExists(t *testing.T) {
	exists := &Builder{Engine: EngineDocker, run: func(cmd *exec.Cmd) error { return nil }}
	require.True(t, exists.ImageExists(context.Background(), "ref"))

	missing := &Builder{Engine: EngineDocker, run: func(cmd *exec.Cmd) error { return errors.New("no such image") }}
	require.False(t, missing.ImageExists(context.Background(), "ref"))
}

func TestBuildWrapsError(t *testing.T) {
	b := &Builder{Engine: EngineBuildah, run: func(cmd *exec.Cmd) error { return errors.New("exit status 1") }}
	err := b.Build(context.Background(), "quay.io/openshift-hive/hive:v1")
	require.ErrorContains(t, err, "failed to build quay.io/openshift-hive/hive:v1")
}
