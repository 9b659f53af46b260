package koji

import (
	"errors"
	"testing"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
)

func TestParseSCM(t *testing.T) {
	build := &Build{Source: "git+https://src.fedoraproject.org/rpms/nethack.git#0123abcd"}
	scm, err := ParseSCM(build, "nethack-1.2.3-1.fc26")
	if err != nil {
		t.Fatalf("parse scm: %v", err)
	}
	if scm.Namespace != "rpms" || scm.PkgName != "nethack" || scm.Revision != "0123abcd" {
		t.Fatalf("unexpected scm %#v", scm)
	}
}

func TestParseSCMNoGitSuffix(t *testing.T) {
	build := &Build{Source: "git://pkgs.devel.example.com/containers/httpd#abcdef01"}
	scm, err := ParseSCM(build, "httpd-1-1")
	if err != nil {
		t.Fatalf("parse scm: %v", err)
	}
	if scm.Namespace != "containers" || scm.PkgName != "httpd" {
		t.Fatalf("unexpected scm %#v", scm)
	}
}

func TestParseSCMMissingSource(t *testing.T) {
	_, err := ParseSCM(&Build{}, "nethack-1.2.3-1.fc26")
	if err == nil || !gwerrors.IsNoSource(err) {
		t.Fatalf("expected no-source error, got %v", err)
	}
}

func TestParseSCMMissingRevision(t *testing.T) {
	build := &Build{Source: "git+https://src.fedoraproject.org/rpms/nethack.git"}
	_, err := ParseSCM(build, "nethack-1.2.3-1.fc26")
	if err == nil || !gwerrors.IsGateway(err) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

type countingSource struct {
	calls int
	build *Build
	err   error
}

func (c *countingSource) GetBuild(string) (*Build, error) {
	c.calls++
	return c.build, c.err
}

func TestMemoizingSource(t *testing.T) {
	upstream := &countingSource{build: &Build{TaskID: 7}}
	src := NewMemoizingSource(upstream)
	for i := 0; i < 3; i++ {
		build, err := src.GetBuild("nethack-1.2.3-1.fc26")
		if err != nil {
			t.Fatalf("get build: %v", err)
		}
		if build.TaskID != 7 {
			t.Fatalf("unexpected build %#v", build)
		}
	}
	if upstream.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", upstream.calls)
	}
}

func TestMemoizingSourceCachesErrors(t *testing.T) {
	wantErr := errors.New("hub down")
	upstream := &countingSource{err: wantErr}
	src := NewMemoizingSource(upstream)
	for i := 0; i < 2; i++ {
		if _, err := src.GetBuild("nethack-1.2.3-1.fc26"); !errors.Is(err, wantErr) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	}
	if upstream.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", upstream.calls)
	}
}
