// Package engine runs a pipeline over N lanes in parallel.
//
// The calling goroutine's input is split line by line, round-robin, across N
// lanes. Each lane owns its own chain of stage processes, fed from the lane's
// input queue. Every lane drains its chain into one shared output queue whose
// single consumer, the collector, writes the lines out. A lane's lines keep
// their order; lines of different lanes interleave as they happen to arrive.
//
//	input ─▶ distributor ─▶ queue[0..N) ─▶ lane[0..N) ─▶ chain ─┐
//	                                                             ▼
//	                                  output ◀─ collector ◀─ shared queue
//
// Each producer ends its queue with a sentinel; the collector stops after it
// has seen one sentinel per lane. A lane's sentinel carries its LaneStatus.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcelocantos/parapipe/internal/metrics"
	"github.com/marcelocantos/parapipe/internal/pipeline"
	"github.com/marcelocantos/parapipe/internal/queue"
)

// ErrLaneCount is returned by New for a lane count below one.
var ErrLaneCount = errors.New("lane count must be at least 1")

// Config controls a run.
type Config struct {
	Lanes         int     // number of parallel lanes, >= 1
	QueueCapacity int     // bound on each lane's input queue; 0 is unbounded
	Tag           bool    // prefix each output line with "[<lane>] "
	Rate          float64 // maximum input lines per second; 0 is unlimited
	Chain         pipeline.ChainConfig
}

// Option configures an Engine beyond its Config.
type Option interface {
	apply(e *Engine)
}

type option func(*Engine)

func (o option) apply(e *Engine) {
	o(e)
}

// WithLogger sets the diagnostic logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return option(func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	})
}

// WithMetrics records the run into m.
func WithMetrics(m *metrics.Metrics) Option {
	return option(func(e *Engine) {
		e.metrics = m
	})
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return option(func(e *Engine) {
		e.runID = id
	})
}

// Engine runs one pipeline over a fixed number of lanes.
type Engine struct {
	cfg     Config
	pipe    *pipeline.Pipeline
	logger  *zap.Logger
	metrics *metrics.Metrics
	runID   string
}

// New validates cfg and returns an Engine for p.
func New(p *pipeline.Pipeline, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Lanes < 1 {
		return nil, errors.Wrapf(ErrLaneCount, "got %d", cfg.Lanes)
	}
	if p == nil || p.Len() == 0 {
		return nil, pipeline.ErrEmptySpec
	}
	if cfg.QueueCapacity < 0 {
		return nil, errors.Errorf("queue capacity must not be negative, got %d", cfg.QueueCapacity)
	}
	if cfg.Rate < 0 {
		return nil, errors.Errorf("rate must not be negative, got %g", cfg.Rate)
	}

	e := &Engine{cfg: cfg, pipe: p, logger: zap.NewNop(), runID: uuid.NewString()}
	for _, opt := range opts {
		opt.apply(e)
	}
	return e, nil
}

// RunID identifies this engine's run in logs and the journal.
func (e *Engine) RunID() string {
	return e.runID
}

// Run executes the pipeline over in and writes the merged output to out.
//
// A non-nil error means the run itself failed: a chain could not be started,
// reading in or writing out failed, or ctx was cancelled. Failures inside
// lanes do not make Run fail; they are reported in the returned Report,
// which is non-nil whenever the lanes were started.
func (e *Engine) Run(ctx context.Context, in io.Reader, out io.Writer) (*Report, error) {
	start := time.Now()
	logger := e.logger.With(zap.String("run_id", e.runID))
	logger.Debug("run starting",
		zap.Int("lanes", e.cfg.Lanes),
		zap.String("pipeline", e.pipe.String()))
	e.metrics.SetShape(e.cfg.Lanes, e.pipe.Len())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	chains, err := e.startChains(gctx, logger)
	if err != nil {
		return nil, err
	}

	inputs := make([]*queue.Queue[string], e.cfg.Lanes)
	for i := range inputs {
		inputs[i] = queue.New[string](e.cfg.QueueCapacity)
	}
	output := queue.New[message](0)

	report := &Report{RunID: e.runID, Pipeline: e.pipe.String(), Lanes: make([]LaneStatus, e.cfg.Lanes)}
	for i := range report.Lanes {
		report.Lanes[i].Lane = i
	}

	g.Go(func() error {
		return e.collect(output, out, report.Lanes)
	})
	for i, ch := range chains {
		l := &lane{
			id:      i,
			chain:   ch,
			in:      inputs[i],
			out:     output,
			logger:  logger.With(zap.Int("lane", i)),
			metrics: e.metrics,
		}
		g.Go(func() error {
			l.run()
			return nil
		})
	}
	g.Go(func() error {
		n, err := e.distribute(gctx, in, inputs)
		report.LinesIn = n
		return err
	})

	err = g.Wait()
	report.Duration = time.Since(start)
	e.metrics.SetRunDuration(report.Duration)
	for _, st := range report.Lanes {
		report.LinesOut += st.LinesOut
	}

	logger.Debug("run finished",
		zap.Int("lines_in", report.LinesIn),
		zap.Int("lines_out", report.LinesOut),
		zap.Int("failed_lanes", len(report.Failed())),
		zap.Duration("duration", report.Duration),
		zap.Error(err))
	return report, err
}

// startChain is pipeline.Start; tests replace it to fail a given lane.
var startChain = pipeline.Start

// startChains starts one chain per lane. If any fails the ones already
// running are aborted, so a failed start leaves no stage processes behind.
func (e *Engine) startChains(ctx context.Context, logger *zap.Logger) ([]*pipeline.Chain, error) {
	chains := make([]*pipeline.Chain, 0, e.cfg.Lanes)
	for i := 0; i < e.cfg.Lanes; i++ {
		cfg := e.cfg.Chain
		cfg.Logger = logger.With(zap.Int("lane", i))
		ch, err := startChain(ctx, e.pipe, cfg)
		if err != nil {
			for _, started := range chains {
				_ = started.Abort()
			}
			logger.Error("lane failed to start", zap.Int("lane", i), zap.Error(err))
			return nil, errors.Wrapf(err, "lane %d", i)
		}
		e.metrics.AddStageStarts(e.pipe.Len())
		logger.Debug("lane started", zap.Int("lane", i), zap.Ints("pids", ch.Pids()))
		chains = append(chains, ch)
	}
	return chains, nil
}
