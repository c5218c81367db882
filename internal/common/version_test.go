package common

import (
	"strings"
	"testing"
)

func TestGetFullVersion(t *testing.T) {
	got := GetFullVersion()
	if !strings.Contains(got, GetVersion()) {
		t.Errorf("full version %q missing version %q", got, GetVersion())
	}
	if !strings.Contains(got, "build: "+GetBuild()) {
		t.Errorf("full version %q missing build %q", got, GetBuild())
	}
	if !strings.Contains(got, "commit: "+GetGitCommit()) {
		t.Errorf("full version %q missing commit %q", got, GetGitCommit())
	}
}
