// Package journal keeps an append-only, hash-chained record of runs. Each
// line of the file is one JSON Entry whose hash covers the previous entry's
// hash, so removing or editing a line breaks the chain.
package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Journal appends entries to a journal file.
type Journal struct {
	mu       sync.Mutex
	path     string
	seq      uint64
	prevHash string
}

// Open opens or creates the journal at path, resuming the hash chain from
// its last entry.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}

	j := &Journal{
		path:     path,
		prevHash: genesis,
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if lines := records(data); len(lines) > 0 {
			var last Entry
			if err := json.Unmarshal(lines[len(lines)-1], &last); err != nil {
				return nil, errors.Wrapf(err, "journal %s: last entry", path)
			}
			j.seq = last.Seq
			j.prevHash = last.Hash
		}
	case !os.IsNotExist(err):
		return nil, errors.Wrap(err, "read journal")
	}
	return j, nil
}

// Record stamps e with the next sequence number, the time and the chain
// hashes, then appends it. The stamped entry is returned.
func (j *Journal) Record(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Seq = j.seq + 1
	e.Time = time.Now().UTC()
	e.PrevHash = j.prevHash
	hash, err := e.digest()
	if err != nil {
		return e, err
	}
	e.Hash = hash

	data, err := json.Marshal(e)
	if err != nil {
		return e, errors.Wrap(err, "marshal journal entry")
	}
	data = append(data, '\n')

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return e, errors.Wrap(err, "open journal")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return e, errors.Wrap(err, "write journal entry")
	}
	j.seq = e.Seq
	j.prevHash = e.Hash
	return e, nil
}

// genesis is the prev_hash of the first entry.
var genesis = sum([]byte("parapipe-genesis"))

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// records splits a journal file into its non-blank lines.
func records(data []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			out = append(out, line)
		}
	}
	return out
}
