package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openshift-hive/bundle-gen/internal/branch"
	"github.com/openshift-hive/bundle-gen/internal/gitrepo"
	"github.com/openshift-hive/bundle-gen/internal/imagebuild"
	"github.com/openshift-hive/bundle-gen/internal/publish"
)

const (
	defaultPackageName  = "hive-operator"
	defaultOperatorName = "Hive"
	defaultImageBase    = "quay.io/openshift-hive/hive"
	defaultSourceURL    = "https://github.com/openshift/hive.git"

	// The index filename predates the package rename and is not derived
	// from the package name.
	defaultIndexFile = "hive.package.yaml"

	// The published channel index of the package, used to discover the
	// previous version. community-operators-prod is authoritative; the
	// k8s-operatorhub catalog mirrors its content.
	defaultIndexURL = "https://raw.githubusercontent.com/redhat-openshift-ecosystem/community-operators-prod/main/operators/" +
		defaultPackageName + "/" + defaultIndexFile
)

func defaultLine() branch.Defaults {
	return branch.Defaults{
		Branch:        "master",
		Channel:       "alpha",
		VersionPrefix: "1.2",
	}
}

func catalogDestinations() []publish.Destination {
	return []publish.Destination{
		{
			Name:        "community-operators-prod",
			UpstreamOrg: "redhat-openshift-ecosystem",
			Repo:        "community-operators-prod",
			PackageDir:  "operators/" + defaultPackageName,
			BaseBranch:  "main",
		},
		{
			Name:        "community-operators",
			UpstreamOrg: "k8s-operatorhub",
			Repo:        "community-operators",
			PackageDir:  "operators/" + defaultPackageName,
			BaseBranch:  "main",
		},
	}
}

func Publish() *cobra.Command {
	var (
		branchName       string
		dryRun           bool
		hold             bool
		githubUser       string
		registryAuthFile string
		buildEngine      string
		sourceDir        string
		imageBase        string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Build the operator image, assemble a bundle, and open catalog PRs",
		Long: `Publish resolves the given branch to a release version, builds and pushes
the operator image, assembles an operator bundle for that version, and opens a
pull request against each community operator catalog from the publishing
user's forks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			user, err := resolveGitHubUser(githubUser)
			if err != nil {
				return err
			}

			if registryAuthFile == "" {
				registryAuthFile = os.Getenv("REGISTRY_AUTH_FILE")
			}
			if !dryRun {
				if registryAuthFile == "" {
					return fmt.Errorf("a registry auth file is required to push the image: pass --registry-auth-file or set REGISTRY_AUTH_FILE")
				}
				if _, err := os.Stat(registryAuthFile); err != nil {
					return fmt.Errorf("registry auth file %q is not usable: %w", registryAuthFile, err)
				}
			}

			engine, err := resolveEngine(buildEngine, dryRun)
			if err != nil {
				return err
			}

			tmpDir, err := os.MkdirTemp("", "bundle-gen-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmpDir)

			source, err := openSource(cmd, sourceDir, filepath.Join(tmpDir, "src"))
			if err != nil {
				return err
			}
			bundleDir := filepath.Join(tmpDir, "bundle")
			workDir := filepath.Join(tmpDir, "catalogs")
			for _, dir := range []string{bundleDir, workDir} {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return err
				}
			}

			o := &publish.Orchestrator{
				Opts: publish.Options{
					Branch:        branchName,
					GitHubUser:    user,
					Hold:          hold,
					DryRun:        dryRun,
					PackageName:   defaultPackageName,
					OperatorName:  defaultOperatorName,
					ImageBase:     imageBase,
					IndexURL:      defaultIndexURL,
					IndexFileName: defaultIndexFile,
					Defaults:      defaultLine(),
					Destinations:  catalogDestinations(),
				},
				Source: source,
				Builder: &imagebuild.Builder{
					Engine:           engine,
					RegistryAuthFile: registryAuthFile,
					Dir:              source.Dir(),
					Verbose:          logrus.IsLevelEnabled(logrus.DebugLevel),
				},
				BundleDir: bundleDir,
				WorkDir:   workDir,
			}

			results, err := o.Run(ctx)
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Err == nil && r.PullRequestURL != "" {
					cmd.Printf("%s: %s\n", r.Destination, r.PullRequestURL)
				}
			}
			return publish.Aggregate(results)
		},
	}
	cmd.Flags().StringVar(&branchName, "branch", "master", "branch to build the release from (master, ocm-X.Y, or ocm-X.Y-mce-M.N)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "build everything locally but do not push the image, push branches, or open PRs")
	cmd.Flags().BoolVar(&hold, "hold", false, "add /hold to the PR body so it is not merged automatically")
	cmd.Flags().StringVar(&githubUser, "github-user", "", "GitHub user whose catalog forks receive the update branches (default $GITHUB_USER, then $USER)")
	cmd.Flags().StringVar(&registryAuthFile, "registry-auth-file", "", "path to the registry auth file used to push the operator image (default $REGISTRY_AUTH_FILE)")
	cmd.Flags().StringVar(&buildEngine, "build-engine", "", "container build engine: buildah or docker (default: autodetect)")
	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "existing operator source checkout to build from (default: clone "+defaultSourceURL+")")
	cmd.Flags().StringVar(&imageBase, "image", defaultImageBase, "operator image repository, tagged with v{version}")
	return cmd
}

func resolveGitHubUser(flag string) (string, error) {
	for _, candidate := range []string{flag, os.Getenv("GITHUB_USER"), os.Getenv("USER")} {
		if candidate != "" {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unable to determine the GitHub user: pass --github-user or set GITHUB_USER")
}

// resolveEngine picks the build engine. A dry run never invokes it, so a
// missing engine is only fatal when the run will actually build.
func resolveEngine(flag string, dryRun bool) (imagebuild.Engine, error) {
	if flag != "" {
		return imagebuild.ParseEngine(flag)
	}
	engine, err := imagebuild.DetectEngine()
	if err != nil {
		if dryRun {
			logrus.Warnf("%v; continuing because of dry-run", err)
			return "", nil
		}
		return "", err
	}
	return engine, nil
}

func openSource(cmd *cobra.Command, sourceDir, cloneDir string) (*gitrepo.Repository, error) {
	if sourceDir != "" {
		return gitrepo.Open(sourceDir)
	}
	return gitrepo.Clone(cmd.Context(), defaultSourceURL, cloneDir)
}
