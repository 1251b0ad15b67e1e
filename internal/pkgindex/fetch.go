package pkgindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/operator-framework/api/pkg/manifests"
	"sigs.k8s.io/yaml"
)

// ErrIndexNotFound reports that the remote index does not exist at all
// (HTTP 404). This is the only fetch outcome callers may degrade to "no
// previous version"; every other failure is indistinguishable from a
// transient outage and must abort the run, or a flaky network could silently
// turn an update into the creation of a duplicate "first" channel.
var ErrIndexNotFound = errors.New("remote package index not found")

// FetchRemote retrieves and parses the published package index.
func FetchRemote(ctx context.Context, url string) (*manifests.PackageManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %q: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch package index from %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch package index from %q: %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read package index from %q: %w", url, err)
	}
	var pm manifests.PackageManifest
	if err := yaml.Unmarshal(data, &pm); err != nil {
		return nil, fmt.Errorf("failed to parse package index from %q: %w", url, err)
	}
	return &pm, nil
}
