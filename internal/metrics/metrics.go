package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the fetch metrics of one process. It uses its own registry
// so tests and multiple servers never collide on the default one.
type Recorder struct {
	reg *prometheus.Registry

	cycles      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	events      *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	refreshes   *prometheus.CounterVec
}

// NewRecorder registers the calfetch collectors plus the Go and process
// collectors on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calfetch_fetch_cycles_total",
				Help: "Completed fetch cycles by calendar and outcome.",
			},
			[]string{"calendar", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "calfetch_fetch_duration_seconds",
				Help:    "Duration of fetch cycles including decoding and filtering.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"calendar", "status"},
		),
		events: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "calfetch_published_events",
				Help: "Number of events in the last published list.",
			},
			[]string{"calendar"},
		),
		lastSuccess: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "calfetch_last_success_timestamp_seconds",
				Help: "Unix time of the last successful cycle.",
			},
			[]string{"calendar"},
		),
		refreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calfetch_manual_refresh_total",
				Help: "Manual refresh requests by result.",
			},
			[]string{"result"},
		),
	}
}

// Calendar returns the cycle observer for calendar id.
func (r *Recorder) Calendar(id string) *CalendarObserver {
	return &CalendarObserver{r: r, id: id}
}

// Refresh counts a manual refresh request; result is "accepted" or "limited".
func (r *Recorder) Refresh(result string) {
	r.refreshes.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// CalendarObserver labels cycle outcomes with a calendar id rather than its
// URL, which may carry credentials.
type CalendarObserver struct {
	r  *Recorder
	id string
	// now is stubbed in tests.
	now func() time.Time
}

// ObserveCycle records one completed cycle.
func (o *CalendarObserver) ObserveCycle(_ string, took time.Duration, published int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.r.cycles.WithLabelValues(o.id, status).Inc()
	o.r.duration.WithLabelValues(o.id, status).Observe(took.Seconds())
	if err != nil {
		return
	}

	now := time.Now
	if o.now != nil {
		now = o.now
	}
	o.r.events.WithLabelValues(o.id).Set(float64(published))
	o.r.lastSuccess.WithLabelValues(o.id).Set(float64(now().Unix()))
}
