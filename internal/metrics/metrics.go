package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the batch collectors on a private registry. A nil
// Recorder records nothing.
type Recorder struct {
	Registry *prometheus.Registry

	UnitsTotal     *prometheus.CounterVec
	RegionsTotal   prometheus.Counter
	TissuePixels   *prometheus.CounterVec
	UnitDurationMs prometheus.Histogram
	LastRunUnix    prometheus.Gauge
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		UnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roimask_units_total",
			Help: "Processed units by status",
		}, []string{"status"}),
		RegionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roimask_regions_total",
			Help: "Total regions decoded",
		}),
		TissuePixels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roimask_tissue_pixels_total",
			Help: "Labeled pixels by tissue",
		}, []string{"tissue"}),
		UnitDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roimask_unit_duration_ms",
			Help:    "Unit pipeline duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		LastRunUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roimask_last_run_timestamp_seconds",
			Help: "Unix time of the last completed batch",
		}),
	}
	r.Registry.MustRegister(r.UnitsTotal, r.RegionsTotal, r.TissuePixels, r.UnitDurationMs, r.LastRunUnix)
	return r
}

// ObserveUnit records one finished unit. pixels maps tissue name to count.
func (r *Recorder) ObserveUnit(status string, regions int, pixels map[string]int, d time.Duration) {
	if r == nil {
		return
	}
	r.UnitsTotal.WithLabelValues(status).Inc()
	r.RegionsTotal.Add(float64(regions))
	for name, n := range pixels {
		r.TissuePixels.WithLabelValues(name).Add(float64(n))
	}
	r.UnitDurationMs.Observe(float64(d.Milliseconds()))
}

// RunFinished stamps the completion time of a batch.
func (r *Recorder) RunFinished(t time.Time) {
	if r == nil {
		return
	}
	r.LastRunUnix.Set(float64(t.Unix()))
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.Registry)
}
