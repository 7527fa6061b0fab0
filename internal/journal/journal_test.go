package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/marcelocantos/parapipe/internal/engine"
)

func record(t *testing.T, j *Journal, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := Entry{
			RunID:    "run",
			Pipeline: "cat -> rev",
			Stages:   []string{"cat", "rev"},
			Lanes:    2,
			LinesIn:  i,
			LinesOut: i,
			Duration: float64(i),
			Cwd:      "/tmp",
		}
		if _, err := j.Record(e); err != nil {
			t.Fatalf("record entry %d: %v", i, err)
		}
	}
}

func TestRecordAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "journal.jsonl")

	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	record(t, j, 5)

	if err := Verify(path); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	record(t, j, 3)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	mid := len(data) / 2
	if data[mid] == 'a' {
		data[mid] = 'b'
	} else {
		data[mid] = 'a'
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); err == nil {
		t.Fatal("expected verify to detect tampering")
	}
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	record(t, j, 5)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := records(data)
	remaining := append(lines[:2], lines[3:]...)
	var newData []byte
	for _, line := range remaining {
		newData = append(newData, line...)
		newData = append(newData, '\n')
	}
	if err := os.WriteFile(path, newData, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); err == nil {
		t.Fatal("expected verify to detect sequence gap")
	}
}

func TestVerifyEmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	if err := os.WriteFile(path, []byte{}, 0600); err != nil {
		t.Fatal(err)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("empty journal should be valid: %v", err)
	}
}

func TestVerifyMissingJournal(t *testing.T) {
	if err := Verify(filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Fatal("expected an error for a missing journal")
	}
}

func TestJournalResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	record(t, j1, 2)

	j2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	record(t, j2, 1)

	if err := Verify(path); err != nil {
		t.Fatalf("chain should be valid after reopening: %v", err)
	}
	entries, err := Tail(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].Seq != 3 {
		t.Errorf("expected seq 3, got %d", entries[2].Seq)
	}

	last, err := Tail(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 1 || last[0].Seq != 3 {
		t.Errorf("expected only the last entry, got %+v", last)
	}
}

func TestNewEntryFromReport(t *testing.T) {
	report := &engine.Report{
		RunID:    "abc",
		Pipeline: "cat -> false",
		LinesIn:  4,
		LinesOut: 3,
		Duration: 1500 * time.Microsecond,
		Lanes: []engine.LaneStatus{
			{Lane: 0, LinesIn: 2, LinesOut: 2},
			{Lane: 1, LinesIn: 2, LinesOut: 1, Err: errors.New("stage 2 (false): exit status 1")},
		},
	}
	e := NewEntry("abc", []string{"cat", "false"}, 2, report, 3, nil)

	if e.Pipeline != "cat -> false" || e.LinesIn != 4 || e.LinesOut != 3 || e.ExitCode != 3 {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Duration != 1.5 {
		t.Errorf("expected 1.5ms, got %v", e.Duration)
	}
	if len(e.Failures) != 1 || e.Failures[0].Lane != 1 {
		t.Errorf("expected lane 1 to be recorded as failed, got %+v", e.Failures)
	}

	e = NewEntry("def", []string{"cat"}, 4, nil, 2, errors.New("start failed"))
	if e.Error != "start failed" || e.Lanes != 4 || e.Failures != nil {
		t.Errorf("unexpected entry without report %+v", e)
	}
}

func TestChainStartsAtGenesisAndToleratesBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first, err := j.Record(Entry{RunID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if first.PrevHash != genesis {
		t.Fatalf("first prev_hash = %s, want genesis %s", first.PrevHash, genesis)
	}
	if want, _ := first.digest(); first.Hash != want {
		t.Fatalf("hash = %s, want %s", first.Hash, want)
	}

	// Blank lines between entries are not records.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(append([]byte("\n"), data...), "\n  \n"...), 0600); err != nil {
		t.Fatal(err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := j.Record(Entry{RunID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != 2 || second.PrevHash != first.Hash {
		t.Fatalf("second entry seq=%d prev=%s, want seq 2 chained to %s", second.Seq, second.PrevHash, first.Hash)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
