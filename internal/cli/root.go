// Package cli implements the parapipe command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit statuses.
const (
	ExitOK      = 0 // every lane succeeded
	ExitUsage   = 1 // bad invocation or configuration; nothing ran
	ExitFatal   = 2 // the run itself failed
	ExitPartial = 3 // the run completed but some lanes failed
)

// exitError carries an exit status out of a command. A nil err means the
// problem has already been reported. usage adds the command's usage text.
type exitError struct {
	code  int
	err   error
	usage bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

// usageError reports a malformed invocation: bad flags, configuration or
// pipeline. Nothing has run yet.
func usageError(err error) error {
	return &exitError{code: ExitUsage, err: err, usage: true}
}

// options holds the flag values. Which of them override the configuration
// is decided by whether the flag was set.
type options struct {
	configPath    string
	command       string
	lanes         int
	shell         string
	queueCapacity int
	tag           bool
	drainWait     string
	rate          float64
	logLevel      string
	metricsFile   string
	journalPath   string
	last          int
}

// NewRootCommand builds the parapipe command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "parapipe -n <lanes> -c \"cmd1 -> cmd2 -> ...\"",
		Short: "Run a shell pipeline over N lanes of standard input in parallel",
		Long: `parapipe reads lines from standard input and deals them round-robin to N
lanes. Each lane runs its own copy of the pipeline, a chain of shell commands
joined by "->", and everything the lanes print is merged onto standard output.
Lines from one lane keep their order; lanes interleave freely.

Exit status is 0 on success, 1 for a usage or configuration error, 2 if the
run failed, and 3 if it completed but at least one lane failed.`,
		Example: `  seq 1000 | parapipe -n 4 -c "sed s/^/n=/ -> tr = :"
  cat urls.txt | parapipe -n 8 --tag -c "xargs -n1 curl -sI -> head -n1"`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, opts)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.command, "command", "c", "", "pipeline to run in every lane, stages joined by \"->\"")
	flags.IntVarP(&opts.lanes, "lanes", "n", 0, "number of parallel lanes (default: number of CPUs)")
	flags.StringVar(&opts.shell, "shell", "", "shell used to run each stage as \"<shell> -c <stage>\"")
	flags.IntVar(&opts.queueCapacity, "queue-capacity", 0, "bound on each lane's input queue, 0 for unbounded")
	flags.BoolVar(&opts.tag, "tag", false, "prefix every output line with \"[<lane>] \"")
	flags.StringVar(&opts.drainWait, "drain-wait", "", "how lanes wait for stage output: poll or backoff")
	flags.Float64Var(&opts.rate, "rate", 0, "maximum input lines per second, 0 for unlimited")
	flags.StringVar(&opts.logLevel, "log-level", "", "diagnostic log level: debug, info, warn or error")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics for the run to this file")

	persistent := root.PersistentFlags()
	persistent.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/parapipe/config.yaml)")
	persistent.StringVar(&opts.journalPath, "journal", "", "run journal file; enables journaling for a run")

	root.AddCommand(newJournalCommand(opts), newVersionCommand(version))
	return root
}

// Execute runs the command line args and returns the process exit status.
func Execute(ctx context.Context, version string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := NewRootCommand(version)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	return resolveError(cmd, stderr, err)
}

// resolveError maps the error a command returned to an exit status,
// reporting it on stderr. Errors that do not carry a status come from
// cobra's own argument handling and get the usage text.
func resolveError(cmd *cobra.Command, stderr io.Writer, err error) int {
	if err == nil {
		return ExitOK
	}
	if ee, ok := err.(*exitError); ok {
		if ee.err != nil {
			fmt.Fprintf(stderr, "parapipe: %v\n", ee.err)
		}
		if ee.usage && cmd != nil {
			fmt.Fprint(stderr, cmd.UsageString())
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "parapipe: %v\n", err)
	if cmd != nil {
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return ExitUsage
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the parapipe version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parapipe %s\n", version)
		},
	}
}
