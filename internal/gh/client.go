package gh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cli/go-gh/v2/pkg/api"
	"github.com/sirupsen/logrus"
)

// Client opens pull requests against one GitHub repository. The API token is
// resolved by go-gh from GH_TOKEN/GITHUB_TOKEN (or gh's own config) unless
// AuthToken is set explicitly.
type Client struct {
	Owner string
	Repo  string

	AuthToken string

	// Transport overrides the HTTP transport; tests use it.
	Transport http.RoundTripper
}

// PullRequest is the part of the API response the publish flow reports back
// to the operator.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// CreatePullRequest opens a pull request from head (a "user:branch"
// cross-repository reference) into base. Any response other than a created
// pull request is an error.
func (c *Client) CreatePullRequest(head, base, title, body string) (*PullRequest, error) {
	client, err := api.NewRESTClient(api.ClientOptions{
		AuthToken: c.AuthToken,
		Transport: c.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build GitHub client: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"head":  head,
		"base":  base,
		"title": title,
		"body":  body,
	})
	if err != nil {
		return nil, err
	}

	var pr PullRequest
	path := fmt.Sprintf("repos/%s/%s/pulls", c.Owner, c.Repo)
	if err := client.Post(path, bytes.NewReader(payload), &pr); err != nil {
		return nil, fmt.Errorf("failed to create pull request against %s/%s: %w", c.Owner, c.Repo, err)
	}
	logrus.Infof("PR opened: %s", pr.HTMLURL)
	return &pr, nil
}
