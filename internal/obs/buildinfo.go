package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Build identifies the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Dirty     bool   `json:"dirty,omitempty"`
}

var (
	buildOnce sync.Once
	buildMu   sync.RWMutex
	current   = Build{Version: "dev", Commit: "unknown", GoVersion: runtime.Version()}

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Incident desk build information.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// ResolveBuild fills gaps left by -ldflags from the VCS stamp the go tool
// embeds. An explicit commit wins over the stamp.
func ResolveBuild(version, commit string) Build {
	b := Build{Version: version, Commit: commit, GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" || b.Commit == "dev" {
				b.Commit = shortRevision(s.Value)
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	if b.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	return b
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// InitBuildInfo records b for CurrentBuild and exports it as a constant 1
// build_info gauge.
func InitBuildInfo(b Build) {
	buildOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildMu.Lock()
	current = b
	buildMu.Unlock()
	buildInfo.WithLabelValues(b.Version, b.Commit, b.GoVersion).Set(1)
}

// CurrentBuild returns the last value passed to InitBuildInfo.
func CurrentBuild() Build {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return current
}
