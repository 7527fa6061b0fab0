package journal

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Verify checks the journal's sequence numbers and hash chain. It returns
// nil for a valid or empty journal, or an error naming the first bad line.
func Verify(path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	expectedPrev := genesis
	var prevSeq uint64
	for i, line := range lines {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return errors.Wrapf(err, "line %d: invalid JSON", i+1)
		}
		if entry.Seq != prevSeq+1 {
			return errors.Errorf("line %d: sequence gap: expected %d, got %d", i+1, prevSeq+1, entry.Seq)
		}
		if entry.PrevHash != expectedPrev {
			return errors.Errorf("line %d: prev_hash mismatch: expected %s, got %s", i+1, short(expectedPrev), short(entry.PrevHash))
		}
		computed, err := entry.digest()
		if err != nil {
			return errors.Wrapf(err, "line %d", i+1)
		}
		if entry.Hash != computed {
			return errors.Errorf("line %d: hash mismatch: expected %s, got %s", i+1, short(computed), short(entry.Hash))
		}
		expectedPrev = entry.Hash
		prevSeq = entry.Seq
	}
	return nil
}

// Tail returns the last n entries, oldest first. Lines that do not parse are
// skipped; Verify reports them.
func Tail(path string, n int) ([]Entry, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > len(lines) {
		n = len(lines)
	}

	entries := make([]Entry, 0, n)
	for _, line := range lines[len(lines)-n:] {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func readLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read journal")
	}
	return records(data), nil
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16] + "..."
	}
	return hash
}
