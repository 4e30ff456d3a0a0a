package obs

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sacristy_build_info",
			Help: "Always 1; labels carry the running build.",
		},
		[]string{"version", "commit", "go_version"},
	)

	slaSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sacristy_sla_seconds",
		Help: "Configured assignment deadline before directors are alerted.",
	})
)

// InitBuildInfo publishes the build labels and the configured SLA so
// dashboards can relate alert rates to the deadline in force.
func InitBuildInfo(version, commit string, sla time.Duration) {
	buildOnce.Do(func() {
		prometheus.MustRegister(buildInfo, slaSeconds)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
	slaSeconds.Set(sla.Seconds())
}
