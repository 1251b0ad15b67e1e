package publish

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/operator-framework/api/pkg/manifests"
	"github.com/sirupsen/logrus"

	ofv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"

	"github.com/openshift-hive/bundle-gen/internal/branch"
	"github.com/openshift-hive/bundle-gen/internal/bundle"
	"github.com/openshift-hive/bundle-gen/internal/fsutil"
	"github.com/openshift-hive/bundle-gen/internal/gh"
	"github.com/openshift-hive/bundle-gen/internal/gitrepo"
	"github.com/openshift-hive/bundle-gen/internal/pkgindex"
	"github.com/openshift-hive/bundle-gen/internal/release"
)

// ErrVersionExists is the duplicate-publish guard: the resolved version is
// already the current version of the channel being published.
var ErrVersionExists = errors.New("version already exists upstream")

// Destination is one community operator catalog the bundle is published to.
type Destination struct {
	// Name identifies the destination in logs and results.
	Name string

	// UpstreamOrg/Repo is the catalog repository; the publishing user is
	// expected to have a fork of Repo under their own account.
	UpstreamOrg string
	Repo        string

	// PackageDir is the package's directory inside the catalog repository,
	// e.g. "operators/hive-operator".
	PackageDir string

	// BaseBranch is the branch PRs are opened against.
	BaseBranch string
}

// Options carries the run-wide configuration of a publish.
type Options struct {
	Branch     string
	GitHubUser string
	Hold       bool
	DryRun     bool

	PackageName  string
	OperatorName string
	ImageBase    string
	IndexURL     string

	// IndexFileName is the package index's filename inside the catalog
	// package directory, e.g. "hive.package.yaml". It predates the package
	// rename and does not follow from PackageName.
	IndexFileName string

	Defaults     branch.Defaults
	Destinations []Destination
}

// SourceRepo is the slice of the source-control collaborator the orchestrator
// consumes; *gitrepo.Repository implements it.
type SourceRepo interface {
	ResolveCommit(ref string) (string, error)
	ResolveAny(refs ...string) (string, error)
	CommitCount(hash string) (int, error)
	ShortHash(hash string) string
	Checkout(hash string) error
	Dir() string
}

// ImageBuilder is the container-build collaborator boundary.
type ImageBuilder interface {
	ImageExists(ctx context.Context, ref string) bool
	Build(ctx context.Context, ref string) error
	Push(ctx context.Context, ref string) error
}

// Plan is the fully resolved identity of one publish run, computed before any
// mutation happens.
type Plan struct {
	Spec        *branch.Spec
	Commit      string
	Version     release.Version
	Previous    release.Version
	HadPrevious bool

	ImageRef   string
	CSVName    string
	BranchName string
	Title      string
	Body       string
}

// Orchestrator sequences one publish run. The function fields default to the
// real implementations; tests replace them.
type Orchestrator struct {
	Opts    Options
	Source  SourceRepo
	Builder ImageBuilder

	// BundleDir receives the assembled bundle; WorkDir receives destination
	// clones. Both are owned (created and removed) by the caller.
	BundleDir string
	WorkDir   string

	FetchIndex func(ctx context.Context, url string) (*manifests.PackageManifest, error)
	AssembleFn func(outputDir string, version, prev release.Version) (*ofv1alpha1.ClusterServiceVersion, error)
	PublishFn  func(ctx context.Context, dest Destination, plan *Plan) (string, error)
}

// Result records the outcome of one destination.
type Result struct {
	Destination    string
	PullRequestURL string
	Err            error
}

// Aggregate folds per-destination results into the run's overall error. Every
// failed destination contributes; successes never mask failures.
func Aggregate(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("destination %s: %w", r.Destination, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Run executes the publish: plan, build/push the image, assemble the bundle,
// then update each destination catalog in order. An error return means the
// run aborted before touching any destination; destination outcomes are in
// the results.
func (o *Orchestrator) Run(ctx context.Context) ([]Result, error) {
	plan, err := o.Plan(ctx)
	if err != nil {
		return nil, err
	}

	if err := o.Source.Checkout(plan.Commit); err != nil {
		return nil, err
	}

	if o.Opts.DryRun {
		logrus.Infof("skipping build of container %s due to dry-run", plan.ImageRef)
	} else {
		if o.Builder.ImageExists(ctx, plan.ImageRef) {
			logrus.Infof("container %s already exists locally; not rebuilding", plan.ImageRef)
		} else if err := o.Builder.Build(ctx, plan.ImageRef); err != nil {
			return nil, err
		}
		if err := o.Builder.Push(ctx, plan.ImageRef); err != nil {
			return nil, err
		}
	}

	if _, err := o.assemble(o.BundleDir, plan.Version, plan.Previous); err != nil {
		return nil, err
	}
	indexPath := filepath.Join(o.BundleDir, o.Opts.IndexFileName)
	lookup := plan.Spec.LookupChannel(o.Opts.Defaults.Channel)
	if err := pkgindex.Generate(indexPath, o.Opts.PackageName, lookup, plan.CSVName); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(o.Opts.Destinations))
	for _, dest := range o.Opts.Destinations {
		logrus.Infof("publishing to %s", dest.Name)
		url, err := o.publish(ctx, dest, plan)
		if err != nil {
			logrus.Errorf("destination %s failed: %v", dest.Name, err)
		}
		results = append(results, Result{Destination: dest.Name, PullRequestURL: url, Err: err})
	}
	return results, nil
}

// Plan classifies the branch, resolves the release version, and applies the
// duplicate-publish guard. It performs no mutation.
func (o *Orchestrator) Plan(ctx context.Context) (*Plan, error) {
	spec, err := branch.Classify(o.Opts.Branch, o.Opts.Defaults)
	if err != nil {
		return nil, err
	}

	// A fresh clone has no local release branches; fall back to the origin
	// ref when the bare name does not resolve.
	commit, err := o.Source.ResolveAny(spec.Raw, "origin/"+spec.Raw)
	if err != nil {
		return nil, err
	}

	// A release branch head that coincides with the default branch head also
	// updates the default channel.
	if spec.ReleaseBranch != "" {
		defaultHead, err := o.Source.ResolveAny(
			o.Opts.Defaults.Branch,
			"origin/"+o.Opts.Defaults.Branch,
			"upstream/"+o.Opts.Defaults.Branch,
		)
		if err != nil {
			return nil, err
		}
		if defaultHead == commit {
			logrus.Infof("%s is also the head of %s; updating channel %s too",
				spec.Raw, o.Opts.Defaults.Branch, o.Opts.Defaults.Channel)
			spec.AddDefaultChannel(o.Opts.Defaults.Channel)
		}
	}

	count, err := o.Source.CommitCount(commit)
	if err != nil {
		return nil, err
	}
	version := release.New(spec.VersionPrefix, count, o.Source.ShortHash(commit))
	logrus.Infof("resolved %s to version %s (commit %s)", o.Opts.Branch, version, commit)

	prev, hadPrev, err := o.previousVersion(ctx, spec)
	if err != nil {
		return nil, err
	}
	if hadPrev && version == prev {
		return nil, fmt.Errorf("%w: %s", ErrVersionExists, version)
	}

	plan := &Plan{
		Spec:        spec,
		Commit:      commit,
		Version:     version,
		Previous:    prev,
		HadPrevious: hadPrev,
		ImageRef:    fmt.Sprintf("%s:v%s", o.Opts.ImageBase, version),
		CSVName:     version.CSVName(o.Opts.PackageName),
		BranchName:  fmt.Sprintf("update-%s-%s", strings.TrimSuffix(o.Opts.PackageName, "-operator"), version),
	}
	if hadPrev {
		plan.Title = fmt.Sprintf("Update %s community operator channel(s) %v to %s",
			o.Opts.OperatorName, spec.Channels, version)
	} else {
		plan.Title = fmt.Sprintf("Create channel %s for %s community operator at %s",
			spec.Channels[0], o.Opts.OperatorName, version)
	}
	plan.Body = plan.Title
	if o.Opts.Hold {
		plan.Body += "\n\n/hold"
	}
	return plan, nil
}

// previousVersion looks up the currently published version for the lookup
// channel. Only a missing index or a missing channel degrade to "no previous
// version"; any other fetch failure aborts the run rather than risk creating
// a duplicate first channel on a transient outage.
func (o *Orchestrator) previousVersion(ctx context.Context, spec *branch.Spec) (release.Version, bool, error) {
	fetch := o.FetchIndex
	if fetch == nil {
		fetch = pkgindex.FetchRemote
	}
	pm, err := fetch(ctx, o.Opts.IndexURL)
	if err != nil {
		if errors.Is(err, pkgindex.ErrIndexNotFound) {
			logrus.Warnf("no published package index at %s; assuming first release", o.Opts.IndexURL)
			return "", false, nil
		}
		return "", false, err
	}
	lookup := spec.LookupChannel(o.Opts.Defaults.Channel)
	prev, ok := release.Previous(pm, o.Opts.PackageName, lookup)
	if !ok {
		logrus.Infof("channel %s not found upstream; this is a new channel", lookup)
		return "", false, nil
	}
	logrus.Infof("previous version for channel %s: %s", lookup, prev)
	return prev, true, nil
}

func (o *Orchestrator) assemble(outputDir string, version, prev release.Version) (*ofv1alpha1.ClusterServiceVersion, error) {
	if o.AssembleFn != nil {
		return o.AssembleFn(outputDir, version, prev)
	}
	a := &bundle.Assembler{
		SourceDir:      o.Source.Dir(),
		PackageName:    o.Opts.PackageName,
		ImageBase:      o.Opts.ImageBase,
		ServiceAccount: o.Opts.PackageName,
	}
	return a.Assemble(outputDir, version, prev)
}

func (o *Orchestrator) publish(ctx context.Context, dest Destination, plan *Plan) (string, error) {
	if o.PublishFn != nil {
		return o.PublishFn(ctx, dest, plan)
	}
	return o.publishDestination(ctx, dest, plan)
}

// publishDestination pushes one destination to completion: clone the user's
// fork, branch from the upstream base, drop in the bundle, rewrite the
// channel index, commit, push, open the PR. Dry-run stops after the commit.
func (o *Orchestrator) publishDestination(ctx context.Context, dest Destination, plan *Plan) (string, error) {
	forkURL := fmt.Sprintf("git@github.com:%s/%s.git", o.Opts.GitHubUser, dest.Repo)
	upstreamURL := fmt.Sprintf("git@github.com:%s/%s.git", dest.UpstreamOrg, dest.Repo)

	repoDir := filepath.Join(o.WorkDir, dest.Name)
	repo, err := gitrepo.Clone(ctx, forkURL, repoDir)
	if err != nil {
		return "", err
	}
	if err := repo.AddRemote("upstream", upstreamURL); err != nil {
		return "", err
	}
	if err := repo.Fetch(ctx, "upstream"); err != nil {
		return "", err
	}
	base, err := repo.ResolveCommit("upstream/" + dest.BaseBranch)
	if err != nil {
		return "", err
	}
	if err := repo.Checkout(base); err != nil {
		return "", err
	}
	if err := repo.CheckoutNewBranch(plan.BranchName); err != nil {
		return "", err
	}

	versionDir := plan.Version.String()
	if err := fsutil.CopyDir(
		filepath.Join(repoDir, dest.PackageDir, versionDir),
		filepath.Join(o.BundleDir, versionDir),
	); err != nil {
		return "", err
	}

	indexPath := filepath.Join(repoDir, dest.PackageDir, o.Opts.IndexFileName)
	pm, err := pkgindex.Load(indexPath)
	if err != nil {
		return "", err
	}
	if err := pkgindex.Update(pm, plan.Spec.Channels, plan.CSVName, plan.HadPrevious); err != nil {
		return "", err
	}
	if err := pkgindex.Write(indexPath, pm); err != nil {
		return "", err
	}

	if err := repo.Add(dest.PackageDir); err != nil {
		return "", err
	}
	authorEmail := fmt.Sprintf("%s@users.noreply.github.com", o.Opts.GitHubUser)
	if err := repo.Commit(plan.Title, o.Opts.GitHubUser, authorEmail, true); err != nil {
		return "", err
	}

	if o.Opts.DryRun {
		logrus.Infof("skipping branch push and PR for %s due to dry-run", dest.Name)
		return "", nil
	}

	if err := repo.Push(ctx, "origin", plan.BranchName); err != nil {
		return "", err
	}
	client := &gh.Client{Owner: dest.UpstreamOrg, Repo: dest.Repo}
	pr, err := client.CreatePullRequest(
		fmt.Sprintf("%s:%s", o.Opts.GitHubUser, plan.BranchName),
		dest.BaseBranch,
		plan.Title,
		plan.Body,
	)
	if err != nil {
		return "", err
	}
	return pr.HTMLURL, nil
}
