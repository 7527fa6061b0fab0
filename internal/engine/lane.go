package engine

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/marcelocantos/parapipe/internal/metrics"
	"github.com/marcelocantos/parapipe/internal/pipeline"
	"github.com/marcelocantos/parapipe/internal/queue"
)

// message is an item on the shared output queue. A sentinel message carries
// the lane's final status instead of a line.
type message struct {
	lane   int
	line   string
	status *LaneStatus
}

// lane binds one chain to its input queue and the shared output queue.
type lane struct {
	id      int
	chain   *pipeline.Chain
	in      *queue.Queue[string]
	out     *queue.Queue[message]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// run feeds the chain from the input queue while a second goroutine drains
// it into the output queue. Only the drain pushes lines, so the lane's output
// order is the chain's output order. The lane's sentinel is pushed exactly
// once, after the chain has been torn down, whatever happened before.
func (l *lane) run() {
	st := &LaneStatus{Lane: l.id}
	defer func() {
		l.out.End(message{lane: l.id, status: st})
	}()

	linesOut := 0
	drained := make(chan error, 1)
	go func() {
		drained <- l.chain.Drain(func(line string) {
			linesOut++
			l.metrics.RecordLineOut(l.id)
			l.out.Push(message{lane: l.id, line: line})
		})
	}()

	// After a feed error the rest of the input is still popped, and dropped,
	// so a producer blocked on a bounded queue is never stranded.
	var feedErr error
	for {
		line, more := l.in.Pop()
		if !more {
			break
		}
		st.LinesIn++
		if feedErr != nil {
			continue
		}
		if err := l.chain.Feed(line); err != nil {
			feedErr = err
			l.logger.Debug("feeding stopped", zap.Int("fed", st.LinesIn-1), zap.Error(err))
		}
	}
	if err := l.chain.CloseFeed(); err != nil && feedErr == nil {
		feedErr = err
	}
	if pipeline.IsBrokenPipe(feedErr) {
		// A stage stopped reading early. Its exit status decides.
		feedErr = nil
	}

	drainErr := <-drained
	waitErr := l.chain.Wait()

	st.LinesOut = linesOut
	st.Err = multierr.Combine(feedErr, drainErr, waitErr)
	l.metrics.RecordLaneDone(l.id, st.Failed(), drainErr != nil)
	if st.Failed() {
		l.logger.Warn("lane failed", zap.Int("lines_in", st.LinesIn), zap.Int("lines_out", st.LinesOut), zap.Error(st.Err))
	} else {
		l.logger.Debug("lane done", zap.Int("lines_in", st.LinesIn), zap.Int("lines_out", st.LinesOut))
	}
}
