// Package koji looks up build metadata in a Koji build system over XML-RPC.
// The gating engine needs it to locate the source repository of a build so
// per-artifact policy fragments can be fetched from dist-git.
package koji

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/kolo/xmlrpc"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
)

// Build is the subset of Koji build metadata the engine consumes.
type Build struct {
	TaskID       int64
	Source       string
	CreationTime string
}

// SCM locates a build's sources in dist-git.
type SCM struct {
	Namespace string
	PkgName   string
	Revision  string
}

// Client wraps a Koji hub XML-RPC endpoint.
type Client struct {
	rpc *xmlrpc.Client
	url string
}

func NewClient(hubURL string) (*Client, error) {
	rpc, err := xmlrpc.NewClient(hubURL, nil)
	if err != nil {
		return nil, fmt.Errorf("koji client for %s: %w", hubURL, err)
	}
	return &Client{rpc: rpc, url: hubURL}, nil
}

func (c *Client) Close() error { return c.rpc.Close() }

// GetBuild fetches build metadata by NVR. A build that does not exist is a
// not-found error; transport failures are connection errors.
func (c *Client) GetBuild(nvr string) (*Build, error) {
	var raw map[string]any
	if err := c.rpc.Call("getBuild", nvr, &raw); err != nil {
		return nil, gwerrors.Wrap(
			fmt.Errorf("calling getBuild on %s: %w", c.url, err),
			gwerrors.CategoryConnection, "koji_connection_error", true)
	}
	if raw == nil {
		return nil, gwerrors.Wrap(
			fmt.Errorf("failed to find Koji build for %q at %q", nvr, c.url),
			gwerrors.CategoryNotFound, "koji_build_not_found", false)
	}

	build := &Build{}
	if taskID, ok := raw["task_id"].(int64); ok {
		build.TaskID = taskID
	}
	if source, ok := raw["source"].(string); ok {
		build.Source = source
	}
	// Container builds record the real dist-git URL under extra.source.
	if extra, ok := raw["extra"].(map[string]any); ok {
		if src, ok := extra["source"].(map[string]any); ok {
			if original, ok := src["original_url"].(string); ok && original != "" {
				build.Source = original
			}
		}
	}
	if creation, ok := raw["creation_time"].(string); ok {
		build.CreationTime = creation
	}
	return build, nil
}

// ParseSCM extracts the dist-git namespace, package name and revision from
// a build's source URL, e.g.
// git+https://src.fedoraproject.org/rpms/nethack.git#0123abcd.
func ParseSCM(build *Build, nvr string) (*SCM, error) {
	if build.Source == "" {
		return nil, gwerrors.Wrap(
			fmt.Errorf("failed to retrieve SCM URL from Koji build %q (missing source attribute)", nvr),
			gwerrors.CategoryNoSource, "koji_build_no_source", false)
	}
	parsed, err := url.Parse(build.Source)
	if err != nil {
		return nil, gwerrors.WrapGateway(
			fmt.Errorf("failed to parse SCM URL %q from Koji build %q: %w", build.Source, nvr, err),
			502)
	}
	if parsed.Fragment == "" {
		return nil, gwerrors.WrapGateway(
			fmt.Errorf("failed to parse SCM URL %q from Koji build %q (missing URL fragment with SCM revision)",
				build.Source, nvr), 502)
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 2 {
		return nil, gwerrors.WrapGateway(
			fmt.Errorf("failed to parse SCM URL %q from Koji build %q (expected namespace/package path)",
				build.Source, nvr), 502)
	}
	return &SCM{
		Namespace: segments[len(segments)-2],
		PkgName:   strings.TrimSuffix(segments[len(segments)-1], ".git"),
		Revision:  parsed.Fragment,
	}, nil
}

// BuildSource is the lookup interface the remote rule resolver depends on.
type BuildSource interface {
	GetBuild(nvr string) (*Build, error)
}

// MemoizingSource caches build lookups for the lifetime of one decision
// evaluation, so several remote rules against the same subject cost one
// hub round trip.
type MemoizingSource struct {
	upstream BuildSource

	mu   sync.Mutex
	memo map[string]memoEntry
}

type memoEntry struct {
	build *Build
	err   error
}

func NewMemoizingSource(upstream BuildSource) *MemoizingSource {
	return &MemoizingSource{upstream: upstream, memo: make(map[string]memoEntry)}
}

func (m *MemoizingSource) GetBuild(nvr string) (*Build, error) {
	m.mu.Lock()
	entry, ok := m.memo[nvr]
	m.mu.Unlock()
	if ok {
		return entry.build, entry.err
	}
	build, err := m.upstream.GetBuild(nvr)
	m.mu.Lock()
	m.memo[nvr] = memoEntry{build: build, err: err}
	m.mu.Unlock()
	return build, err
}
