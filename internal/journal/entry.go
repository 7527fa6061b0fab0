package journal

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/marcelocantos/parapipe/internal/engine"
)

// Entry is one run in the journal.
type Entry struct {
	Seq      uint64        `json:"seq"`
	Time     time.Time     `json:"ts"`
	PrevHash string        `json:"prev_hash"`
	RunID    string        `json:"run_id"`
	Pipeline string        `json:"pipeline"`           // canonical pipeline spec
	Stages   []string      `json:"stages"`             // stage commands in order
	Lanes    int           `json:"lanes"`              // lane count
	LinesIn  int           `json:"lines_in"`           // lines read from input
	LinesOut int           `json:"lines_out"`          // lines written to output
	Failures []LaneFailure `json:"failures,omitempty"` // lanes that did not finish cleanly
	ExitCode int           `json:"exit_code"`          // process exit status
	Error    string        `json:"error,omitempty"`    // run error, if any
	Duration float64       `json:"duration_ms"`        // wall time in milliseconds
	Cwd      string        `json:"cwd"`                // working directory
	Hash     string        `json:"hash"`               // SHA-256 of this entry with hash empty
}

// LaneFailure records one failed lane.
type LaneFailure struct {
	Lane  int    `json:"lane"`
	Error string `json:"error"`
}

// NewEntry describes a finished run. report may be nil when the run never
// got its lanes started; runErr is the error that ended the run, if any.
func NewEntry(runID string, stages []string, lanes int, report *engine.Report, exitCode int, runErr error) Entry {
	cwd, _ := os.Getwd()
	e := Entry{
		RunID:    runID,
		Stages:   stages,
		Lanes:    lanes,
		ExitCode: exitCode,
		Cwd:      cwd,
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	if report == nil {
		return e
	}
	e.Pipeline = report.Pipeline
	e.LinesIn = report.LinesIn
	e.LinesOut = report.LinesOut
	e.Duration = float64(report.Duration.Microseconds()) / 1000.0
	for _, st := range report.Failed() {
		e.Failures = append(e.Failures, LaneFailure{Lane: st.Lane, Error: st.Err.Error()})
	}
	return e
}

// digest is the chain hash of e: the SHA-256 of its JSON form with Hash
// cleared.
func (e Entry) digest() (string, error) {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "marshal journal entry")
	}
	return sum(data), nil
}
