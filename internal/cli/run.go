package cli

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcelocantos/parapipe/internal/config"
	"github.com/marcelocantos/parapipe/internal/engine"
	"github.com/marcelocantos/parapipe/internal/journal"
	"github.com/marcelocantos/parapipe/internal/logging"
	"github.com/marcelocantos/parapipe/internal/metrics"
	"github.com/marcelocantos/parapipe/internal/pipeline"
)

var errNoCommand = errors.New("no pipeline given; use -c \"cmd1 -> cmd2 -> ...\"")

// loadConfig layers defaults, the config file, the environment and finally
// the flags that were set on cmd.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.LoadFrom(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}

	flags := cmd.Flags()
	if flags.Changed("lanes") {
		cfg.Lanes = opts.lanes
	}
	if flags.Changed("shell") {
		cfg.Shell = opts.shell
	}
	if flags.Changed("queue-capacity") {
		cfg.QueueCapacity = opts.queueCapacity
	}
	if flags.Changed("tag") {
		cfg.Tag = opts.tag
	}
	if flags.Changed("drain-wait") {
		cfg.Drain.Wait = opts.drainWait
	}
	if flags.Changed("rate") {
		cfg.Rate = opts.rate
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = opts.metricsFile
	}
	if flags.Changed("journal") {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = opts.journalPath
	}
	return cfg, nil
}

// runPipeline is the root command: one parallel run over stdin.
func runPipeline(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return usageError(err)
	}
	if opts.command == "" {
		return errNoCommand
	}
	if err := cfg.Validate(); err != nil {
		return usageError(err)
	}
	p, err := pipeline.Parse(opts.command)
	if err != nil {
		return usageError(err)
	}

	stderr := cmd.ErrOrStderr()
	logger, stageStderr, err := logging.NewWriter(cfg.LoggingConfig(), stderr)
	if err != nil {
		return usageError(err)
	}
	defer func() { _ = logger.Sync() }()

	ecfg, err := cfg.EngineConfig()
	if err != nil {
		return usageError(err)
	}
	ecfg.Chain.Stderr = stageWriter(stderr, stageStderr)

	var m *metrics.Metrics
	if cfg.MetricsFile != "" {
		m = metrics.New()
	}
	e, err := engine.New(p, ecfg, engine.WithLogger(logger), engine.WithMetrics(m))
	if err != nil {
		return usageError(err)
	}
	logger.Debug("parapipe starting",
		zap.String("run_id", e.RunID()),
		zap.Int("threads", cfg.Lanes),
		zap.Strings("commands", p.Commands()))

	report, runErr := e.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	code := exitCode(report, runErr)

	if err := m.WriteFile(cfg.MetricsFile); err != nil {
		logger.Warn("metrics not written", zap.String("path", cfg.MetricsFile), zap.Error(err))
	}
	if cfg.Journal.Enabled {
		recordRun(logger, cfg.Journal.Path, journal.NewEntry(e.RunID(), p.Commands(), cfg.Lanes, report, code, runErr))
	}

	switch code {
	case ExitOK:
		return nil
	case ExitPartial:
		return &exitError{code: code, err: errors.Errorf("%d of %d lanes failed", len(report.Failed()), cfg.Lanes)}
	default:
		return &exitError{code: code, err: runErr}
	}
}

// exitCode maps a run's outcome to the process exit status.
func exitCode(report *engine.Report, runErr error) int {
	switch {
	case runErr != nil:
		return ExitFatal
	case report != nil && !report.OK():
		return ExitPartial
	default:
		return ExitOK
	}
}

// recordRun appends the run to the journal. A journal failure does not
// change the outcome of the run.
func recordRun(logger *zap.Logger, path string, e journal.Entry) {
	j, err := journal.Open(path)
	if err != nil {
		logger.Warn("journal unavailable", zap.String("path", path), zap.Error(err))
		return
	}
	if _, err := j.Record(e); err != nil {
		logger.Warn("journal entry not written", zap.String("path", path), zap.Error(err))
	}
}

// stageWriter hands stages the terminal's stderr directly when it is a file,
// and the serialised logger syncer otherwise.
func stageWriter(stderr, locked io.Writer) io.Writer {
	if f, ok := stderr.(*os.File); ok {
		return f
	}
	return locked
}
