// Package remoterule resolves per-artifact policy fragments. A RemoteRule
// in a server policy delegates part of the gating policy to a gating.yaml
// file kept next to the artifact's own sources; this package locates and
// fetches that file.
package remoterule

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
	"github.com/davidahmann/gatewave/core/koji"
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/retrieval"
	"github.com/davidahmann/gatewave/core/subject"
)

const fragmentFileName = "gating.yaml"

// URLTemplates maps a subject type to the location of its policy fragment.
// The "*" entry is the fallback for any subject type without its own entry.
// Templates substitute {pkg_namespace}, {pkg_name}, {rev} and {subject_id};
// a git+ scheme switches the fetch to `git archive --remote`.
type URLTemplates map[string]string

// Resolver fetches and parses policy fragments. Fetches are memoized by
// resolved URL for the resolver's lifetime; create one per evaluation.
type Resolver struct {
	session   *retrieval.Session
	builds    koji.BuildSource
	templates URLTemplates

	mu   sync.Mutex
	memo map[string]fragmentEntry
}

type fragmentEntry struct {
	policies []*policy.Policy
	err      error
}

func NewResolver(session *retrieval.Session, builds koji.BuildSource, templates URLTemplates) *Resolver {
	return &Resolver{
		session:   session,
		builds:    builds,
		templates: templates,
		memo:      make(map[string]fragmentEntry),
	}
}

// FragmentPolicies implements policy.RemoteFragmentSource. It returns
// (nil, nil) when the subject has no fragment, parsed policies when it
// does, a schema-classified error when the fragment is malformed, and a
// transport error otherwise.
func (r *Resolver) FragmentPolicies(ctx context.Context, subj subject.Subject) ([]*policy.Policy, error) {
	template, ok := r.templates[subj.Type]
	if !ok {
		template, ok = r.templates["*"]
	}
	if !ok {
		return nil, nil
	}

	fragmentURL, rev, err := r.resolveURL(template, subj)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry, ok := r.memo[fragmentURL]
	r.mu.Unlock()
	if ok {
		return entry.policies, entry.err
	}

	policies, err := r.fetchAndParse(ctx, fragmentURL, rev)
	r.mu.Lock()
	r.memo[fragmentURL] = fragmentEntry{policies: policies, err: err}
	r.mu.Unlock()
	return policies, err
}

// resolveURL substitutes template variables. Templates that reference the
// build's SCM coordinates trigger a Koji lookup; templates built from the
// subject id alone do not.
func (r *Resolver) resolveURL(template string, subj subject.Subject) (fragmentURL, rev string, err error) {
	resolved := strings.ReplaceAll(template, "{subject_id}", subj.Identifier)
	if !strings.Contains(resolved, "{") {
		return resolved, "", nil
	}

	build, err := r.builds.GetBuild(subj.Identifier)
	if err != nil {
		return "", "", err
	}
	scm, err := koji.ParseSCM(build, subj.Identifier)
	if err != nil {
		return "", "", err
	}
	resolved = strings.ReplaceAll(resolved, "{pkg_namespace}", scm.Namespace)
	resolved = strings.ReplaceAll(resolved, "{pkg_name}", scm.PkgName)
	resolved = strings.ReplaceAll(resolved, "{rev}", scm.Revision)
	return resolved, scm.Revision, nil
}

func (r *Resolver) fetchAndParse(ctx context.Context, fragmentURL, rev string) ([]*policy.Policy, error) {
	var data []byte
	var err error
	if strings.HasPrefix(fragmentURL, "git+") {
		data, err = fetchGitArchive(ctx, strings.TrimPrefix(fragmentURL, "git+"), rev)
	} else {
		data, err = r.fetchHTTP(ctx, fragmentURL)
	}
	if err != nil || data == nil {
		return nil, err
	}

	policies, err := policy.ParseRemotePolicies(data)
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// fetchHTTP checks existence with a HEAD first so a subject without a
// fragment costs no body transfer, then fetches the file.
func (r *Resolver) fetchHTTP(ctx context.Context, fragmentURL string) ([]byte, error) {
	head, err := r.session.Head(ctx, fragmentURL)
	if err != nil {
		return nil, err
	}
	if head.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if !head.OK() {
		return nil, gwerrors.WrapGateway(
			fmt.Errorf("checking %s: %s", fragmentURL, head.Error()), head.StatusCode)
	}

	resp, err := r.session.Get(ctx, fragmentURL)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, gwerrors.WrapGateway(
			fmt.Errorf("fetching %s: %s", fragmentURL, resp.Error()), resp.StatusCode)
	}
	return resp.Body, nil
}

// fetchGitArchive pulls a single file out of a remote git repository
// without cloning it. Some dist-git deployments expose no raw-file HTTP
// endpoint, only the git wire protocol.
func fetchGitArchive(ctx context.Context, remote, rev string) ([]byte, error) {
	if rev == "" {
		rev = "HEAD"
	}
	cmd := exec.CommandContext(ctx, "git", "archive", "--remote="+remote, rev, fragmentFileName)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if strings.Contains(msg, "did not match any files") ||
			strings.Contains(msg, "path not found") {
			return nil, nil
		}
		return nil, gwerrors.WrapGateway(
			fmt.Errorf("git archive %s: %v: %s", remote, err, strings.TrimSpace(msg)), 502)
	}
	return extractTarFile(stdout.Bytes(), fragmentFileName)
}

func extractTarFile(archive []byte, name string) ([]byte, error) {
	reader := tar.NewReader(bytes.NewReader(archive))
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read git archive: %w", err)
		}
		if header.Name == name {
			return io.ReadAll(reader)
		}
	}
}
