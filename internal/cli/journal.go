package cli

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/marcelocantos/parapipe/internal/journal"
)

func newJournalCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the run journal",
		Args:  cobra.NoArgs,
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the journal's hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := journalPath(cmd, opts)
			if err != nil {
				return usageError(err)
			}
			if err := journal.Verify(path); err != nil {
				return &exitError{code: ExitUsage, err: errors.Wrap(err, "journal verification FAILED")}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "journal integrity verified")
			return nil
		},
	}

	show := &cobra.Command{
		Use:     "show",
		Aliases: []string{"tail"},
		Short:   "Print the most recent journal entries",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := journalPath(cmd, opts)
			if err != nil {
				return usageError(err)
			}
			entries, err := journal.Tail(path, opts.last)
			if err != nil {
				return &exitError{code: ExitUsage, err: err}
			}
			w := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(w, "no journal entries")
				return nil
			}
			for _, e := range entries {
				data, _ := json.MarshalIndent(e, "", "  ")
				fmt.Fprintf(w, "%s\n", data)
			}
			return nil
		},
	}
	show.Flags().IntVar(&opts.last, "last", 20, "number of entries to show")

	cmd.AddCommand(verify, show)
	return cmd
}

// journalPath is --journal if given, else the configured journal path.
func journalPath(cmd *cobra.Command, opts *options) (string, error) {
	if cmd.Flags().Changed("journal") {
		return opts.journalPath, nil
	}
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return "", err
	}
	if cfg.Journal.Path == "" {
		return "", errors.New("no journal path configured")
	}
	return cfg.Journal.Path, nil
}
