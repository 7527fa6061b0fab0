package engine

import (
	"bufio"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/marcelocantos/parapipe/internal/queue"
)

// collect is the only consumer of the shared output queue. It writes every
// line it pops, followed by a newline, until it has seen one sentinel per
// lane, storing each lane's status in statuses. Output is flushed whenever
// the queue runs dry so that slow runs still stream.
func (e *Engine) collect(output *queue.Queue[message], out io.Writer, statuses []LaneStatus) error {
	w := bufio.NewWriter(out)
	var tag []byte

	for ended := 0; ended < len(statuses); {
		msg, more := output.Pop()
		if !more {
			statuses[msg.lane] = *msg.status
			ended++
			continue
		}

		if e.cfg.Tag {
			tag = append(tag[:0], '[')
			tag = strconv.AppendInt(tag, int64(msg.lane), 10)
			tag = append(tag, ']', ' ')
			if _, err := w.Write(tag); err != nil {
				return errors.Wrap(err, "write output")
			}
		}
		if _, err := w.WriteString(msg.line); err != nil {
			return errors.Wrap(err, "write output")
		}
		if err := w.WriteByte('\n'); err != nil {
			return errors.Wrap(err, "write output")
		}

		if output.Len() == 0 {
			if err := w.Flush(); err != nil {
				return errors.Wrap(err, "write output")
			}
		}
	}
	return errors.Wrap(w.Flush(), "write output")
}
