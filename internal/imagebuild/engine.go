package imagebuild

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cli/safeexec"
	"github.com/sirupsen/logrus"
)

// Engine identifies a supported container build tool. It is resolved once at
// startup and passed around as a value; nothing probes ambient state after
// that.
type Engine string

const (
	EngineBuildah Engine = "buildah"
	EngineDocker  Engine = "docker"
)

// ParseEngine validates an engine name given on the command line.
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(s); e {
	case EngineBuildah, EngineDocker:
		return e, nil
	}
	return "", fmt.Errorf("unsupported build engine %q (supported: %s, %s)", s, EngineBuildah, EngineDocker)
}

// DetectEngine probes PATH for a supported build engine, preferring buildah.
func DetectEngine() (Engine, error) {
	for _, e := range []Engine{EngineBuildah, EngineDocker} {
		if _, err := safeexec.LookPath(string(e)); err == nil {
			logrus.Debugf("detected build engine %s", e)
			return e, nil
		}
	}
	return "", fmt.Errorf("neither buildah nor docker found on PATH: install one or pass --build-engine")
}

// Builder builds and pushes the operator image through a locally installed
// engine. The three capabilities below are the entire contract; which tool
// backs them is irrelevant to callers.
type Builder struct {
	Engine           Engine
	RegistryAuthFile string

	// Dir is the working directory commands run in; the operator source
	// checkout, which carries the Dockerfile.
	Dir string

	// Verbose surfaces subprocess output instead of discarding it.
	Verbose bool

	// run executes a prepared command. Tests replace it.
	run func(cmd *exec.Cmd) error
}

// ImageExists reports whether ref is already present in the engine's local
// store.
func (b *Builder) ImageExists(ctx context.Context, ref string) bool {
	return b.runCmd(ctx, b.queryArgs(ref), true) == nil
}

// Build builds ref from the Dockerfile in the working directory.
func (b *Builder) Build(ctx context.Context, ref string) error {
	logrus.Infof("building container %s", ref)
	if err := b.runCmd(ctx, b.buildArgs(ref), false); err != nil {
		return fmt.Errorf("failed to build %s: %w", ref, err)
	}
	return nil
}

// Push pushes ref to its registry using the configured registry auth file.
func (b *Builder) Push(ctx context.Context, ref string) error {
	logrus.Infof("pushing container %s", ref)
	if err := b.runCmd(ctx, b.pushArgs(ref), false); err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	return nil
}

func (b *Builder) queryArgs(ref string) []string {
	switch b.Engine {
	case EngineDocker:
		return []string{"docker", "image", "inspect", ref}
	default:
		return []string{"buildah", "images", "-nq", ref}
	}
}

func (b *Builder) buildArgs(ref string) []string {
	switch b.Engine {
	case EngineDocker:
		return []string{"docker", "build", "--tag", ref, "-f", "./Dockerfile", "."}
	default:
		return []string{"buildah", "bud", "--tag", ref, "-f", "./Dockerfile"}
	}
}

func (b *Builder) pushArgs(ref string) []string {
	switch b.Engine {
	case EngineDocker:
		// Docker wants the directory containing config.json.
		return []string{"docker", "--config", filepath.Dir(b.RegistryAuthFile), "push", ref}
	default:
		return []string{"buildah", "push", "--authfile=" + b.RegistryAuthFile, ref}
	}
}

// quiet suppresses output even in verbose mode; used for the existence
// query, whose failure is an expected outcome, not an error to surface.
func (b *Builder) runCmd(ctx context.Context, args []string, quiet bool) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = b.Dir
	if b.Verbose && !quiet {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	logrus.Debugf("running %v", args)
	if b.run != nil {
		return b.run(cmd)
	}
	return cmd.Run()
}
