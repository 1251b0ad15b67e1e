package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"sigs.k8s.io/yaml"

	opver "github.com/operator-framework/api/pkg/lib/version"
	ofv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"

	"github.com/openshift-hive/bundle-gen/internal/fsutil"
	"github.com/openshift-hive/bundle-gen/internal/release"
)

// ErrMalformedCRD is returned when a CRD document lacks one of the fields a
// bundle's owned-resource descriptor is built from. Partial bundles are never
// published.
var ErrMalformedCRD = errors.New("malformed CRD")

// Source file locations within the operator source checkout.
const (
	CRDsDir            = "config/crds"
	CSVTemplateFile    = "config/templates/hive-csv-template.yaml"
	OperatorRoleFile   = "config/operator/operator_role.yaml"
	DeploymentSpecFile = "config/operator/operator_deployment.yaml"
)

const (
	containerImageAnnotation = "containerImage"
	createdAtAnnotation      = "createdAt"
	createdAtLayout          = "2006-01-02T15:04:05Z"
)

// Assembler merges the CRDs, the operator role, and the operator deployment
// of a source checkout with the CSV template into one install descriptor per
// release version.
type Assembler struct {
	// SourceDir is the root of the operator source checkout.
	SourceDir string

	PackageName    string
	ImageBase      string
	ServiceAccount string

	// Now is the clock used for the createdAt annotation; defaults to
	// time.Now. Assembly stamps wall-clock time, not commit time, so repeated
	// dry runs of the same commit produce different timestamps.
	Now func() time.Time
}

// Assemble writes the bundle for version into {outputDir}/{version} (no
// leading 'v' on the directory name): the verbatim CRD files plus exactly one
// CSV document. prev, when non-empty, links the descriptor to its predecessor
// via spec.replaces; when empty the field is omitted entirely, which is how a
// first release is distinguished in the catalog.
//
// Partial output on error is not rolled back; the caller owns outputDir and
// discards it wholesale on failure.
func (a *Assembler) Assemble(outputDir string, version release.Version, prev release.Version) (*ofv1alpha1.ClusterServiceVersion, error) {
	versionDir := filepath.Join(outputDir, version.String())
	if err := os.MkdirAll(versionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}
	logrus.Infof("writing bundle files to %s", versionDir)

	owned, err := a.copyCRDs(versionDir)
	if err != nil {
		return nil, err
	}
	csv, err := a.loadCSVTemplate()
	if err != nil {
		return nil, err
	}
	csv.Spec.CustomResourceDefinitions.Owned = owned

	permissions, err := a.loadClusterPermissions()
	if err != nil {
		return nil, err
	}
	csv.Spec.InstallStrategy.StrategySpec.ClusterPermissions = permissions

	deploymentSpec, err := a.loadDeploymentSpec()
	if err != nil {
		return nil, err
	}
	if len(csv.Spec.InstallStrategy.StrategySpec.DeploymentSpecs) == 0 {
		return nil, fmt.Errorf("CSV template %s declares no deployments", CSVTemplateFile)
	}
	csv.Spec.InstallStrategy.StrategySpec.DeploymentSpecs[0].Spec = *deploymentSpec

	if err := a.stampIdentity(csv, version, prev); err != nil {
		return nil, err
	}

	csvPath := filepath.Join(versionDir, fmt.Sprintf("%s.clusterserviceversion.yaml", csv.Name))
	data, err := yaml.Marshal(csv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CSV: %w", err)
	}
	if err := renameio.WriteFile(csvPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write CSV: %w", err)
	}
	logrus.Infof("wrote ClusterServiceVersion %s", csvPath)
	return csv, nil
}

// copyCRDs copies every CRD file verbatim into versionDir and extracts the
// owned-resource descriptors, in sorted filename order.
func (a *Assembler) copyCRDs(versionDir string) ([]ofv1alpha1.CRDDescription, error) {
	crdsDir := filepath.Join(a.SourceDir, CRDsDir)
	entries, err := os.ReadDir(crdsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read CRD directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var owned []ofv1alpha1.CRDDescription
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		src := filepath.Join(crdsDir, entry.Name())
		if err := fsutil.CopyFile(filepath.Join(versionDir, entry.Name()), src); err != nil {
			return nil, fmt.Errorf("failed to copy CRD %q: %w", entry.Name(), err)
		}
		desc, err := ownedDescription(src)
		if err != nil {
			return nil, err
		}
		owned = append(owned, *desc)
	}
	return owned, nil
}

func ownedDescription(path string) (*ofv1alpha1.CRDDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var crd apiextensionsv1.CustomResourceDefinition
	if err := yaml.Unmarshal(data, &crd); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrMalformedCRD, filepath.Base(path), err)
	}

	var missing []string
	if crd.Name == "" {
		missing = append(missing, "metadata.name")
	}
	if crd.Spec.Names.Kind == "" {
		missing = append(missing, "spec.names.kind")
	}
	var crdVersion, description string
	if len(crd.Spec.Versions) == 0 {
		missing = append(missing, "spec.versions")
	} else {
		crdVersion = crd.Spec.Versions[0].Name
		if crdVersion == "" {
			missing = append(missing, "spec.versions[0].name")
		}
		if crd.Spec.Versions[0].Schema == nil || crd.Spec.Versions[0].Schema.OpenAPIV3Schema == nil || crd.Spec.Versions[0].Schema.OpenAPIV3Schema.Description == "" {
			missing = append(missing, "spec.versions[0].schema.openAPIV3Schema.description")
		} else {
			description = crd.Spec.Versions[0].Schema.OpenAPIV3Schema.Description
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w %q: missing %v", ErrMalformedCRD, filepath.Base(path), missing)
	}

	return &ofv1alpha1.CRDDescription{
		Name:        crd.Name,
		Version:     crdVersion,
		Kind:        crd.Spec.Names.Kind,
		DisplayName: crd.Spec.Names.Kind,
		Description: description,
	}, nil
}

func (a *Assembler) loadCSVTemplate() (*ofv1alpha1.ClusterServiceVersion, error) {
	path := filepath.Join(a.SourceDir, CSVTemplateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV template: %w", err)
	}
	var csv ofv1alpha1.ClusterServiceVersion
	if err := yaml.Unmarshal(data, &csv); err != nil {
		return nil, fmt.Errorf("failed to parse CSV template %q: %w", path, err)
	}
	return &csv, nil
}

// loadClusterPermissions turns the operator role's rules into the sole
// clusterPermissions entry, bound to the operator's service account.
func (a *Assembler) loadClusterPermissions() ([]ofv1alpha1.StrategyDeploymentPermissions, error) {
	path := filepath.Join(a.SourceDir, OperatorRoleFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operator role: %w", err)
	}
	var role rbacv1.ClusterRole
	if err := yaml.Unmarshal(data, &role); err != nil {
		return nil, fmt.Errorf("failed to parse operator role %q: %w", path, err)
	}
	if len(role.Rules) == 0 {
		return nil, fmt.Errorf("operator role %q has no rules", path)
	}
	return []ofv1alpha1.StrategyDeploymentPermissions{
		{ServiceAccountName: a.ServiceAccount, Rules: role.Rules},
	}, nil
}

var documentSeparator = regexp.MustCompile(`(?m)^---\s*$`)

// loadDeploymentSpec extracts the operator Deployment's spec from the
// multi-document deployment manifest. The Deployment is located by kind, not
// position; exactly one match is required.
func (a *Assembler) loadDeploymentSpec() (*appsv1.DeploymentSpec, error) {
	path := filepath.Join(a.SourceDir, DeploymentSpecFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment manifest: %w", err)
	}

	var found []appsv1.Deployment
	for _, doc := range documentSeparator.Split(string(data), -1) {
		var probe struct {
			Kind string `json:"kind"`
		}
		if err := yaml.Unmarshal([]byte(doc), &probe); err != nil {
			return nil, fmt.Errorf("failed to parse document in %q: %w", path, err)
		}
		if probe.Kind != "Deployment" {
			continue
		}
		var deployment appsv1.Deployment
		if err := yaml.Unmarshal([]byte(doc), &deployment); err != nil {
			return nil, fmt.Errorf("failed to parse Deployment in %q: %w", path, err)
		}
		found = append(found, deployment)
	}
	if len(found) != 1 {
		return nil, fmt.Errorf("expected exactly one Deployment in %q, found %d", path, len(found))
	}
	return &found[0].Spec, nil
}

// stampIdentity sets the fields that tie the descriptor to this release:
// name, version, predecessor link, image reference, and creation timestamp.
func (a *Assembler) stampIdentity(csv *ofv1alpha1.ClusterServiceVersion, version, prev release.Version) error {
	csv.Name = version.CSVName(a.PackageName)

	sv, err := version.Semver()
	if err != nil {
		return err
	}
	csv.Spec.Version = opver.OperatorVersion{Version: sv}

	if prev != "" {
		csv.Spec.Replaces = prev.CSVName(a.PackageName)
	}

	imageRef := fmt.Sprintf("%s:v%s", a.ImageBase, version)
	containers := csv.Spec.InstallStrategy.StrategySpec.DeploymentSpecs[0].Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return fmt.Errorf("operator Deployment has no containers")
	}
	containers[0].Image = imageRef

	if csv.Annotations == nil {
		csv.Annotations = map[string]string{}
	}
	csv.Annotations[containerImageAnnotation] = imageRef

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	csv.Annotations[createdAtAnnotation] = now().UTC().Format(createdAtLayout)
	return nil
}
