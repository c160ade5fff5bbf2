// Package vcs fetches the committed file tree of a tracked branch from
// an external version-control-hosting API.
//
// Directory listing is deliberately sourced from this snapshot rather
// than the live remote filesystem — an intentional seam, distinct from
// every other file operation, that shows callers only committed state.
package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shellbridge/internal/errors"
)

// Entry is one node of the committed tree, scoped to a directory.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "dir"
	Size int64  `json:"size,omitempty"`
}

// Client talks to a Git-hosting tree API (GitHub-compatible shape).
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a tree client for the given API base.  An empty
// base disables the client; ListTree then fails with the
// configuration-missing class.
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// treeResponse mirrors the hosting API's recursive tree payload.
type treeResponse struct {
	Tree []struct {
		Path string `json:"path"`
		Type string `json:"type"` // "blob" or "tree"
		Size int64  `json:"size"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

// ListTree returns the immediate children of dir in the committed tree
// of repo ("owner/name") at branch.
func (c *Client) ListTree(ctx context.Context, repo, branch, dir string) ([]Entry, error) {
	if c == nil || c.base == "" {
		return nil, errors.New(errors.KindConfigMissing, "VCS API base is not configured")
	}
	if repo == "" {
		return nil, errors.New(errors.KindConfigMissing, "repository is not configured for listing")
	}
	if branch == "" {
		branch = "main"
	}

	url := fmt.Sprintf("%s/repos/%s/git/trees/%s?recursive=1", c.base, repo, branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindBadRequest, err, "building tree request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindBadGateway, err, "fetching tree for %s@%s", repo, branch)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.KindBadGateway, "tree API returned %s for %s@%s", resp.Status, repo, branch)
	}

	var tr treeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, errors.Wrap(errors.KindBadGateway, err, "decoding tree response")
	}

	return scope(tr, dir), nil
}

// scope filters the recursive tree down to dir's immediate children.
func scope(tr treeResponse, dir string) []Entry {
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}

	seen := make(map[string]bool)
	var out []Entry
	for _, n := range tr.Tree {
		if !strings.HasPrefix(n.Path, prefix) {
			continue
		}
		rest := n.Path[len(prefix):]
		if rest == "" {
			continue
		}
		name, isDir := rest, n.Type == "tree"
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			// Deeper node: surfaces its top-level ancestor as a dir.
			name, isDir = rest[:i], true
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		e := Entry{Name: name, Path: prefix + name, Type: "file"}
		if isDir {
			e.Type = "dir"
		} else {
			e.Size = n.Size
		}
		out = append(out, e)
	}
	return out
}
