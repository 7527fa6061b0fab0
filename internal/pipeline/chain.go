package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/execabs"
	"golang.org/x/sys/unix"
)

// DefaultShell interprets each stage command.
const DefaultShell = "/bin/sh"

// ChainConfig controls how a Chain runs its stages.
type ChainConfig struct {
	Shell       string        // command interpreter, invoked as "<Shell> -c <stage>"
	Stderr      io.Writer     // stage stderr; nil means os.Stderr
	Wait        WaitStrategy  // how the drain waits for output
	Backoff     time.Duration // sleep between reads with WaitBackoff
	PollTimeout time.Duration // poll(2) timeout with WaitPoll; <= 0 waits indefinitely
	Logger      *zap.Logger
}

// DefaultChainConfig returns the settings used when nothing is configured.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		Shell:       DefaultShell,
		Wait:        WaitPoll,
		Backoff:     time.Millisecond,
		PollTimeout: 100 * time.Millisecond,
	}
}

// StageError reports a stage that did not exit cleanly.
type StageError struct {
	Stage   int
	Command string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Stage, e.Command, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExitCode returns the stage's exit status, or -1 if it did not exit
// normally (killed by a signal, or never waited).
func (e *StageError) ExitCode() int {
	var exitErr *execabs.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Chain is a live chain of stage processes joined by OS pipes, exactly as a
// shell runs "a | b | c". The parent holds only two descriptors: the feed into
// the first stage's stdin and the drain from the last stage's stdout.
//
// A Chain is driven by two goroutines: one calls Feed and then CloseFeed, the
// other calls Drain. Wait is called once both are done. Abort may replace
// Wait on any path but must not run concurrently with Drain.
type Chain struct {
	cfg    ChainConfig
	logger *zap.Logger
	stages []Stage
	cmds   []*execabs.Cmd

	feed    *os.File
	drainFD int

	feedOnce  sync.Once
	feedErr   error
	drainOnce sync.Once
	drainErr  error
	waitOnce  sync.Once
	waitErr   error
}

// Start creates the pipes, starts one process per stage and returns the
// running chain. If anything fails, every stage already started is killed and
// reaped and every descriptor closed before the error is returned.
//
// Cancelling ctx kills the stages' process groups.
func Start(ctx context.Context, p *Pipeline, cfg ChainConfig) (_ *Chain, err error) {
	if p == nil || p.Len() == 0 {
		return nil, ErrEmptySpec
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Chain{cfg: cfg, logger: logger, stages: p.Stages, drainFD: -1}
	k := p.Len()

	// stdins[i] and stdouts[i] are the child ends handed to stage i. The
	// parent drops its copies once the stages are running.
	stdins := make([]*os.File, k)
	stdouts := make([]*os.File, k)
	closeChildEnds := func() {
		for i := 0; i < k; i++ {
			closeFile(stdins[i])
			closeFile(stdouts[i])
		}
	}
	defer func() {
		if err != nil {
			closeChildEnds()
			c.abort()
		}
	}()

	// Pipe 0 feeds stage 1.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "create feed pipe")
	}
	stdins[0], c.feed = r, w

	// Pipes 1..k-1 join stage i to stage i+1.
	for i := 1; i < k; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, errors.Wrapf(err, "create pipe %d", i)
		}
		stdouts[i-1], stdins[i] = w, r
	}

	// Pipe k is the drain. Its read end stays a raw non-blocking descriptor
	// so the drain can tell "no data yet" from end of file.
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "create drain pipe")
	}
	c.drainFD = fds[0]
	stdouts[k-1] = os.NewFile(uintptr(fds[1]), "drain")
	if err := unix.SetNonblock(c.drainFD, true); err != nil {
		return nil, errors.Wrap(err, "set drain non-blocking")
	}

	for i, st := range p.Stages {
		cmd := execabs.CommandContext(ctx, cfg.Shell, "-c", st.Command)
		cmd.Stdin = stdins[i]
		cmd.Stdout = stdouts[i]
		cmd.Stderr = cfg.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return killGroup(cmd)
		}
		if err := startStage(cmd); err != nil {
			return nil, errors.Wrapf(err, "start stage %d (%s)", st.Index, st.Command)
		}
		c.cmds = append(c.cmds, cmd)
		logger.Debug("stage started",
			zap.Int("stage", st.Index),
			zap.String("program", st.Program()),
			zap.String("command", st.Command),
			zap.Int("pid", cmd.Process.Pid))
	}

	closeChildEnds()
	return c, nil
}

// startStage launches one stage process. Tests swap it out to fail partway
// through a chain.
var startStage = func(cmd *execabs.Cmd) error {
	return cmd.Start()
}

// Pids returns the process IDs of the running stages, in stage order.
func (c *Chain) Pids() []int {
	pids := make([]int, 0, len(c.cmds))
	for _, cmd := range c.cmds {
		pids = append(pids, cmd.Process.Pid)
	}
	return pids
}

// Feed writes line and a terminating newline to the first stage. It blocks
// while the first stage's pipe is full. After a stage has exited the error
// wraps EPIPE; see IsBrokenPipe.
func (c *Chain) Feed(line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := c.feed.Write(buf); err != nil {
		return errors.Wrap(err, "feed stage 1")
	}
	return nil
}

// CloseFeed closes the first stage's stdin. This is the only end-of-file the
// first stage ever sees. Safe to call more than once.
func (c *Chain) CloseFeed() error {
	c.feedOnce.Do(func() {
		if c.feed != nil {
			c.feedErr = c.feed.Close()
		}
	})
	return c.feedErr
}

// Drain reads the last stage's output until end of file, calling emit with
// each line in order. It closes the drain descriptor before returning.
func (c *Chain) Drain(emit func(line string)) error {
	defer c.closeDrain()
	err := drainFD(c.drainFD, &c.cfg, emit)
	if err != nil {
		c.logger.Warn("drain stopped early", zap.Error(err))
	}
	return err
}

// Wait closes the feed if still open, reaps every stage and releases the
// drain descriptor. The result combines a *StageError for every stage that
// exited unsuccessfully.
func (c *Chain) Wait() error {
	c.waitOnce.Do(func() {
		_ = c.CloseFeed()
		for i, cmd := range c.cmds {
			if err := cmd.Wait(); err != nil {
				st := c.stages[i]
				c.waitErr = multierr.Append(c.waitErr,
					&StageError{Stage: st.Index, Command: st.Command, Err: err})
			}
		}
		c.closeDrain()
		c.logger.Debug("chain reaped", zap.Int("stages", len(c.cmds)), zap.Error(c.waitErr))
	})
	return c.waitErr
}

// Abort kills every stage and then tears the chain down as Wait does.
func (c *Chain) Abort() error {
	c.abort()
	return c.Wait()
}

func (c *Chain) abort() {
	_ = c.CloseFeed()
	for _, cmd := range c.cmds {
		if err := killGroup(cmd); err != nil {
			c.logger.Debug("kill stage", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		}
	}
	_ = c.Wait()
}

func (c *Chain) closeDrain() {
	c.drainOnce.Do(func() {
		if c.drainFD >= 0 {
			c.drainErr = unix.Close(c.drainFD)
			c.drainFD = -1
		}
	})
}

// killGroup signals the stage's whole process group, which also reaches
// anything the shell forked.
func killGroup(cmd *execabs.Cmd) error {
	if cmd.Process == nil || cmd.ProcessState != nil {
		return nil
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// IsBrokenPipe reports whether err came from feeding a stage that had
// already closed its stdin.
func IsBrokenPipe(err error) bool {
	return errors.Is(err, unix.EPIPE)
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
