package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo labels the build_info gauge of a running ledger process.
type BuildInfo struct {
	Version string
	Commit  string
	// Store is the ledger backend, "postgres" or "memory".
	Store string
}

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Version, commit and ledger store of the running bankcore API.",
		},
		[]string{"version", "commit", "go_version", "store"},
	)
)

// InitBuildInfo publishes bi as the only build_info series.
func InitBuildInfo(bi BuildInfo) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(orUnknown(bi.Version), orUnknown(bi.Commit), runtime.Version(), orUnknown(bi.Store)).Set(1)
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
