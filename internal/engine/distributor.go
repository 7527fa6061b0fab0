package engine

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/marcelocantos/parapipe/internal/queue"
)

// distribute reads in to completion and pushes line i onto inputs[i mod N].
// A last line without a trailing newline is still a line. Whatever ends the
// input (EOF, a read error or ctx), every input queue gets its sentinel.
func (e *Engine) distribute(ctx context.Context, in io.Reader, inputs []*queue.Queue[string]) (n int, err error) {
	defer func() {
		for _, q := range inputs {
			q.End("")
		}
	}()

	var limiter *rate.Limiter
	if e.cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.Rate), 1)
	}

	r := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line, rerr := r.ReadString('\n')
		if len(line) > 0 {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return n, err
				}
			}
			lane := n % len(inputs)
			inputs[lane].Push(strings.TrimSuffix(line, "\n"))
			e.metrics.RecordLineIn(lane)
			n++
		}
		switch {
		case rerr == io.EOF:
			return n, nil
		case rerr != nil:
			return n, errors.Wrap(rerr, "read input")
		}
	}
}
