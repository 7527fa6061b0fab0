package pipeline

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// WaitStrategy selects how the drain waits when a non-blocking read finds no
// data.
type WaitStrategy int

const (
	// WaitPoll blocks in poll(2) until the descriptor is readable or the
	// poll timeout expires.
	WaitPoll WaitStrategy = iota

	// WaitBackoff sleeps a fixed interval and retries the read.
	WaitBackoff
)

func (w WaitStrategy) String() string {
	switch w {
	case WaitPoll:
		return "poll"
	case WaitBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("wait(%d)", int(w))
	}
}

// ParseWaitStrategy converts a strategy name to a WaitStrategy.
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch s {
	case "poll", "":
		return WaitPoll, nil
	case "backoff":
		return WaitBackoff, nil
	default:
		return 0, errors.Errorf("unknown drain wait strategy: %q", s)
	}
}

// readSize is the most read in one go from the drain descriptor.
const readSize = 64 << 10

// lineBuffer reassembles a byte stream into lines. Bytes after the last
// newline are held until more data or flush.
type lineBuffer struct {
	buf []byte
}

// write appends p and emits every completed line, without its newline.
func (lb *lineBuffer) write(p []byte, emit func(string)) {
	lb.buf = append(lb.buf, p...)
	start := 0
	for {
		i := bytes.IndexByte(lb.buf[start:], '\n')
		if i < 0 {
			break
		}
		emit(string(lb.buf[start : start+i]))
		start += i + 1
	}
	if start > 0 {
		n := copy(lb.buf, lb.buf[start:])
		lb.buf = lb.buf[:n]
	}
}

// flush emits an unterminated trailing line, if any.
func (lb *lineBuffer) flush(emit func(string)) {
	if len(lb.buf) > 0 {
		emit(string(lb.buf))
		lb.buf = lb.buf[:0]
	}
}

// pending reports the number of buffered bytes not yet emitted.
func (lb *lineBuffer) pending() int {
	return len(lb.buf)
}

// drainFD reads the non-blocking descriptor fd until end of file, emitting
// each line as soon as it is complete. On end of file an unterminated last
// line is emitted too. Any other read error ends draining; lines already
// emitted stay emitted and the partial line is dropped.
func drainFD(fd int, cfg *ChainConfig, emit func(string)) error {
	var lb lineBuffer
	buf := make([]byte, readSize)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := waitReadable(fd, cfg); err != nil {
				return errors.Wrap(err, "wait for stage output")
			}
			continue
		case err != nil:
			return errors.Wrapf(err, "read stage output (%d bytes unterminated dropped)", lb.pending())
		case n == 0:
			lb.flush(emit)
			return nil
		}
		lb.write(buf[:n], emit)
	}
}

// waitReadable returns once fd may be readable. A timeout or a spurious
// wake-up is not an error; the caller simply reads again.
func waitReadable(fd int, cfg *ChainConfig) error {
	switch cfg.Wait {
	case WaitBackoff:
		time.Sleep(cfg.Backoff)
		return nil
	default:
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			_, err := unix.Poll(fds, pollMillis(cfg.PollTimeout))
			if err == unix.EINTR {
				continue
			}
			return err
		}
	}
}

func pollMillis(d time.Duration) int {
	if d <= 0 {
		return -1
	}
	if ms := d.Milliseconds(); ms > 0 {
		return int(ms)
	}
	return 1
}
