package obs

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveBuildKeepsExplicitValues(t *testing.T) {
	b := ResolveBuild("1.2.3", "abc123")
	assert.Equal(t, "1.2.3", b.Version)
	assert.Equal(t, "abc123", b.Commit)
	assert.Equal(t, runtime.Version(), b.GoVersion)
}

func TestInitBuildInfoSetsCurrent(t *testing.T) {
	want := Build{Version: "9.9.9", Commit: "deadbeef", GoVersion: "go1.24.0"}
	InitBuildInfo(want)
	InitBuildInfo(want)
	assert.Equal(t, want, CurrentBuild())
}

func TestShortRevision(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortRevision("0123456789abcdef0123"))
	assert.Equal(t, "abc", shortRevision("abc"))
}
