// Package metrics records per-run and per-lane counters in Prometheus form.
// A run's metrics live in their own registry and can be written out as a
// text exposition file once the run is over.
package metrics

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Lane metrics
	LinesIn      *prometheus.CounterVec
	LinesOut     *prometheus.CounterVec
	LaneFailures *prometheus.CounterVec
	DrainErrors  *prometheus.CounterVec

	// Run metrics
	Lanes       prometheus.Gauge
	Stages      prometheus.Gauge
	RunDuration prometheus.Gauge
	StageStarts prometheus.Counter
}

// New creates the collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		LinesIn: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapipe_lane_lines_in_total",
				Help: "Lines assigned to a lane by the distributor",
			},
			[]string{"lane"},
		),
		LinesOut: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapipe_lane_lines_out_total",
				Help: "Lines drained from a lane's last stage",
			},
			[]string{"lane"},
		),
		LaneFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapipe_lane_failures_total",
				Help: "Lanes that finished with a stage, feed or drain error",
			},
			[]string{"lane"},
		),
		DrainErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapipe_lane_drain_errors_total",
				Help: "Drains that stopped before end of file",
			},
			[]string{"lane"},
		),
		Lanes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parapipe_lanes",
			Help: "Number of lanes in the run",
		}),
		Stages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parapipe_stages",
			Help: "Number of stages per lane",
		}),
		RunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parapipe_run_duration_seconds",
			Help: "Wall time of the run",
		}),
		StageStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "parapipe_stage_processes_started_total",
			Help: "Stage processes started across all lanes",
		}),
	}
}

// SetShape records the lane and stage counts.
func (m *Metrics) SetShape(lanes, stages int) {
	if m == nil {
		return
	}
	m.Lanes.Set(float64(lanes))
	m.Stages.Set(float64(stages))
}

// AddStageStarts counts started stage processes.
func (m *Metrics) AddStageStarts(n int) {
	if m == nil {
		return
	}
	m.StageStarts.Add(float64(n))
}

// RecordLineIn counts a line assigned to lane.
func (m *Metrics) RecordLineIn(lane int) {
	if m == nil {
		return
	}
	m.LinesIn.WithLabelValues(strconv.Itoa(lane)).Inc()
}

// RecordLineOut counts a line drained from lane.
func (m *Metrics) RecordLineOut(lane int) {
	if m == nil {
		return
	}
	m.LinesOut.WithLabelValues(strconv.Itoa(lane)).Inc()
}

// RecordLaneDone records how lane finished.
func (m *Metrics) RecordLaneDone(lane int, failed, drainErr bool) {
	if m == nil {
		return
	}
	l := strconv.Itoa(lane)
	if failed {
		m.LaneFailures.WithLabelValues(l).Inc()
	}
	if drainErr {
		m.DrainErrors.WithLabelValues(l).Inc()
	}
}

// SetRunDuration records the wall time of the run.
func (m *Metrics) SetRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Set(d.Seconds())
}

// WriteFile writes every collector to path in the Prometheus text format,
// atomically replacing any previous file.
func (m *Metrics) WriteFile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrap(err, "write metrics")
	}
	return nil
}
