package engine

import (
	"time"

	"go.uber.org/multierr"

	"github.com/marcelocantos/parapipe/internal/pipeline"
)

// LaneStatus is what a lane reports with its sentinel.
type LaneStatus struct {
	Lane     int
	LinesIn  int   // lines popped from the lane's input queue
	LinesOut int   // lines drained from the lane's chain
	Err      error // stage, feed and drain errors combined; nil on success
}

// Failed reports whether the lane finished with an error.
func (s LaneStatus) Failed() bool {
	return s.Err != nil
}

// StageErrors returns the stages of this lane that exited unsuccessfully.
func (s LaneStatus) StageErrors() []*pipeline.StageError {
	var out []*pipeline.StageError
	for _, err := range multierr.Errors(s.Err) {
		if se, ok := err.(*pipeline.StageError); ok {
			out = append(out, se)
		}
	}
	return out
}

// Report summarises a completed run.
type Report struct {
	RunID    string
	Pipeline string
	LinesIn  int
	LinesOut int
	Duration time.Duration
	Lanes    []LaneStatus
}

// Failed returns the statuses of lanes that finished with an error.
func (r *Report) Failed() []LaneStatus {
	var failed []LaneStatus
	for _, st := range r.Lanes {
		if st.Failed() {
			failed = append(failed, st)
		}
	}
	return failed
}

// OK reports whether every lane succeeded.
func (r *Report) OK() bool {
	return len(r.Failed()) == 0
}
