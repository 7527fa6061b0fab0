package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/marcelocantos/parapipe/internal/metrics"
	"github.com/marcelocantos/parapipe/internal/pipeline"
)

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range append([]string{pipeline.DefaultShell}, tools...) {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
}

func newEngine(t *testing.T, spec string, lanes int, opts ...Option) *Engine {
	t.Helper()
	p, err := pipeline.Parse(spec)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Lanes: lanes, Chain: pipeline.DefaultChainConfig()}
	e, err := New(p, cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func run(t *testing.T, e *Engine, input string) ([]string, *Report) {
	t.Helper()
	var out bytes.Buffer
	report, err := e.Run(context.Background(), strings.NewReader(input), &out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return splitOutput(out.String()), report
}

func splitOutput(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func sorted(lines []string) []string {
	out := append([]string(nil), lines...)
	sort.Strings(out)
	return out
}

// untag splits "[lane] text" as written with Config.Tag.
func untag(t *testing.T, line string) (int, string) {
	t.Helper()
	end := strings.Index(line, "] ")
	if !strings.HasPrefix(line, "[") || end < 0 {
		t.Fatalf("untagged output line %q", line)
	}
	lane, err := strconv.Atoi(line[1:end])
	if err != nil {
		t.Fatalf("bad tag in %q: %v", line, err)
	}
	return lane, line[end+2:]
}

func numbered(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "line-%d\n", i)
	}
	return b.String()
}

func TestUppercaseReverse(t *testing.T) {
	requireTools(t, "tr", "rev")
	e := newEngine(t, "tr a-z A-Z -> rev", 2)
	got, report := run(t, e, "abc\ndef\n")

	if diff := cmp.Diff([]string{"CBA", "FED"}, sorted(got)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if !report.OK() {
		t.Errorf("expected success, failed lanes: %+v", report.Failed())
	}
	if report.LinesIn != 2 || report.LinesOut != 2 {
		t.Errorf("expected 2 in / 2 out, got %d / %d", report.LinesIn, report.LinesOut)
	}
	if report.Pipeline != "tr a-z A-Z -> rev" {
		t.Errorf("unexpected pipeline %q", report.Pipeline)
	}
}

// With cat every lane is an identity, so the output is a partition of the
// input: line i in lane i mod N, in input order within the lane.
func TestCatPartitionsInput(t *testing.T) {
	requireTools(t, "cat")
	const lanes, lines = 3, 300
	p, err := pipeline.Parse("cat")
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(p, Config{Lanes: lanes, Tag: true, Chain: pipeline.DefaultChainConfig()})
	if err != nil {
		t.Fatal(err)
	}
	got, report := run(t, e, numbered(lines))

	if len(got) != lines {
		t.Fatalf("expected %d lines, got %d", lines, len(got))
	}
	last := []int{-1, -1, -1}
	seen := map[int]bool{}
	for _, line := range got {
		lane, text := untag(t, line)
		i, err := strconv.Atoi(strings.TrimPrefix(text, "line-"))
		if err != nil {
			t.Fatalf("unexpected line %q", line)
		}
		if i%lanes != lane {
			t.Errorf("line %d went to lane %d, want %d", i, lane, i%lanes)
		}
		if i <= last[lane] {
			t.Errorf("lane %d emitted line %d after line %d", lane, i, last[lane])
		}
		if seen[i] {
			t.Errorf("line %d emitted twice", i)
		}
		last[lane], seen[i] = i, true
	}
	for _, st := range report.Lanes {
		if st.LinesIn != lines/lanes || st.LinesOut != lines/lanes {
			t.Errorf("lane %d: expected %d in/out, got %d/%d", st.Lane, lines/lanes, st.LinesIn, st.LinesOut)
		}
	}
}

// Each lane's output must equal its own input run through the chain on its
// own: awk numbers records per process, so the numbers restart per lane.
func TestPerLaneMatchesReferencePipeline(t *testing.T) {
	requireTools(t, "awk")
	const lanes, lines = 4, 41
	p, err := pipeline.Parse(`awk '{ print NR ":" $0 }' -> cat`)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(p, Config{Lanes: lanes, Tag: true, Chain: pipeline.DefaultChainConfig()})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := run(t, e, numbered(lines))

	perLane := make([][]string, lanes)
	for _, line := range got {
		lane, text := untag(t, line)
		perLane[lane] = append(perLane[lane], text)
	}
	for lane := 0; lane < lanes; lane++ {
		var want []string
		for i, n := lane, 1; i < lines; i, n = i+lanes, n+1 {
			want = append(want, fmt.Sprintf("%d:line-%d", n, i))
		}
		if diff := cmp.Diff(want, perLane[lane]); diff != "" {
			t.Errorf("lane %d mismatch (-want +got):\n%s", lane, diff)
		}
	}
}

func TestLanesWithoutInputStillTerminate(t *testing.T) {
	requireTools(t, "cat")
	e := newEngine(t, "cat", 4)
	got, report := run(t, e, "one\ntwo\n")

	if diff := cmp.Diff([]string{"one", "two"}, sorted(got)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	var in []int
	for _, st := range report.Lanes {
		in = append(in, st.LinesIn)
	}
	if diff := cmp.Diff([]int{1, 1, 0, 0}, in); diff != "" {
		t.Errorf("lines per lane mismatch (-want +got):\n%s", diff)
	}
	if !report.OK() {
		t.Errorf("unexpected failures: %+v", report.Failed())
	}
}

func TestEmptyInput(t *testing.T) {
	requireTools(t, "cat")
	e := newEngine(t, "cat -> cat", 3)
	got, report := run(t, e, "")
	if len(got) != 0 {
		t.Errorf("expected no output, got %q", got)
	}
	if !report.OK() || len(report.Lanes) != 3 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestMissingTrailingNewline(t *testing.T) {
	requireTools(t, "cat")
	e := newEngine(t, "cat", 1)
	got, report := run(t, e, "a\r\nb")
	if diff := cmp.Diff([]string{"a\r", "b"}, got); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if report.LinesIn != 2 {
		t.Errorf("expected 2 lines in, got %d", report.LinesIn)
	}
}

func TestLaneFailureIsReported(t *testing.T) {
	requireTools(t, "cat")
	e := newEngine(t, "cat -> cat; exit 5", 2)
	got, report := run(t, e, "x\ny\nz\n")

	if diff := cmp.Diff([]string{"x", "y", "z"}, sorted(got)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	failed := report.Failed()
	if len(failed) != 2 {
		t.Fatalf("expected both lanes to fail, got %+v", failed)
	}
	for _, st := range failed {
		stageErrs := st.StageErrors()
		if len(stageErrs) != 1 || stageErrs[0].Stage != 2 || stageErrs[0].ExitCode() != 5 {
			t.Errorf("lane %d: unexpected stage errors %v", st.Lane, st.Err)
		}
	}
}

func TestBoundedInputQueues(t *testing.T) {
	requireTools(t, "cat")
	p, err := pipeline.Parse("cat -> cat")
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(p, Config{Lanes: 2, QueueCapacity: 1, Chain: pipeline.DefaultChainConfig()})
	if err != nil {
		t.Fatal(err)
	}
	got, report := run(t, e, numbered(1000))
	if len(got) != 1000 || !report.OK() {
		t.Fatalf("expected 1000 lines and success, got %d lines, failures %+v", len(got), report.Failed())
	}
}

// A stage that stops reading early must not stall the distributor, even
// with bounded queues: the lane keeps consuming its input.
func TestEarlyExitingStageDoesNotStall(t *testing.T) {
	requireTools(t, "head")
	p, err := pipeline.Parse("head -n 1")
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(p, Config{Lanes: 2, QueueCapacity: 1, Chain: pipeline.DefaultChainConfig()})
	if err != nil {
		t.Fatal(err)
	}
	big := strings.Repeat(strings.Repeat("z", 1000)+"\n", 2000)

	done := make(chan struct{})
	var got []string
	var report *Report
	go func() {
		defer close(done)
		got, report = run(t, e, big)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("run stalled")
	}
	if len(got) != 2 {
		t.Errorf("expected one line per lane, got %d", len(got))
	}
	if !report.OK() {
		t.Errorf("broken pipe must not fail a lane: %+v", report.Failed())
	}
	if report.LinesIn != 2000 {
		t.Errorf("expected all 2000 lines consumed, got %d", report.LinesIn)
	}
}

func TestStartFailureAbortsRun(t *testing.T) {
	p, err := pipeline.Parse("cat")
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Lanes: 3, Chain: pipeline.DefaultChainConfig()}
	cfg.Chain.Shell = "/nonexistent/sh"
	e, err := New(p, cfg)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	report, err := e.Run(context.Background(), strings.NewReader("a\n"), &out)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if report != nil || out.Len() != 0 {
		t.Errorf("expected no report and no output, got %+v, %q", report, out.String())
	}
}

// Lanes started before a failing one are torn down before Run returns.
func TestStartFailureReapsEarlierLanes(t *testing.T) {
	requireTools(t, "sleep", "cat")
	e := newEngine(t, "sleep 30 -> cat", 4)

	var pids []int
	calls := 0
	orig := startChain
	t.Cleanup(func() { startChain = orig })
	startChain = func(ctx context.Context, p *pipeline.Pipeline, cfg pipeline.ChainConfig) (*pipeline.Chain, error) {
		calls++
		if calls == 3 {
			return nil, errors.New("out of processes")
		}
		ch, err := orig(ctx, p, cfg)
		if err == nil {
			pids = append(pids, ch.Pids()...)
		}
		return ch, err
	}

	var out bytes.Buffer
	report, err := e.Run(context.Background(), strings.NewReader("a\nb\n"), &out)
	if err == nil || !strings.Contains(err.Error(), "lane 2") {
		t.Fatalf("expected lane 2 start failure, got %v", err)
	}
	if report != nil || out.Len() != 0 {
		t.Errorf("expected no report and no output, got %+v, %q", report, out.String())
	}
	if calls != 3 {
		t.Errorf("expected starting to stop at the failing lane, got %d calls", calls)
	}
	if len(pids) != 4 {
		t.Fatalf("expected 2 stage pids for each of 2 lanes, got %v", pids)
	}
	for _, pid := range pids {
		if err := syscall.Kill(pid, 0); err == nil {
			t.Errorf("pid %d still exists after failed Run", pid)
		}
	}
}

func TestCancelStopsRun(t *testing.T) {
	requireTools(t, "sleep")
	e := newEngine(t, "cat >/dev/null; sleep 30", 2)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	var out bytes.Buffer
	report, _ := e.Run(ctx, strings.NewReader("a\nb\n"), &out)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("run took %v after cancellation", elapsed)
	}
	if report == nil || len(report.Failed()) != 2 {
		t.Errorf("expected both killed lanes to fail, got %+v", report)
	}
}

func TestRateLimit(t *testing.T) {
	requireTools(t, "cat")
	p, err := pipeline.Parse("cat")
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(p, Config{Lanes: 2, Rate: 100, Chain: pipeline.DefaultChainConfig()})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	got, _ := run(t, e, numbered(11))
	if len(got) != 11 {
		t.Fatalf("expected 11 lines, got %d", len(got))
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("11 lines at 100/s took only %v", elapsed)
	}
}

func TestMetricsAreRecorded(t *testing.T) {
	requireTools(t, "cat")
	m := metrics.New()
	e := newEngine(t, "cat -> cat", 2, WithMetrics(m), WithRunID("test-run"))
	if e.RunID() != "test-run" {
		t.Errorf("unexpected run id %q", e.RunID())
	}
	run(t, e, numbered(5))

	if got := testutil.ToFloat64(m.LinesIn.WithLabelValues("0")); got != 3 {
		t.Errorf("lane 0 lines in: expected 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.LinesOut.WithLabelValues("1")); got != 2 {
		t.Errorf("lane 1 lines out: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.StageStarts); got != 4 {
		t.Errorf("stage starts: expected 4, got %v", got)
	}
}

func TestNewValidation(t *testing.T) {
	p, err := pipeline.Parse("cat")
	if err != nil {
		t.Fatal(err)
	}
	for _, lanes := range []int{0, -1} {
		if _, err := New(p, Config{Lanes: lanes}); !errors.Is(err, ErrLaneCount) {
			t.Errorf("lanes=%d: expected ErrLaneCount, got %v", lanes, err)
		}
	}
	if _, err := New(nil, Config{Lanes: 1}); !errors.Is(err, pipeline.ErrEmptySpec) {
		t.Errorf("expected ErrEmptySpec, got %v", err)
	}
	if _, err := New(p, Config{Lanes: 1, QueueCapacity: -1}); err == nil {
		t.Error("expected error for negative capacity")
	}
	if _, err := New(p, Config{Lanes: 1, Rate: -1}); err == nil {
		t.Error("expected error for negative rate")
	}
}
