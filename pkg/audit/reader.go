package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Reader scans audit JSONL files. Used by the explanation service and
// the audit API.
type Reader struct {
	Dir string
}

// RunEntries returns all entries for a single run, in file order.
func (r Reader) RunEntries(runID string) ([]Entry, error) {
	return readEntries(filepath.Join(r.Dir, runID+".jsonl"), nil)
}

// EntriesMentioning scans every run file and returns entries whose
// data payload mentions the exception id. The scan is substring-based
// over the serialized line, matching how run files interleave entries
// from many exceptions.
func (r Reader) EntriesMentioning(exceptionID string) ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(r.Dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, path := range paths {
		entries, err := readEntries(path, func(line string) bool {
			return strings.Contains(line, exceptionID)
		})
		if err != nil {
			// Skip unreadable files; audit reads are best-effort.
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

func readEntries(path string, keep func(line string) bool) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if keep != nil && !keep(line) {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Tolerate truncated trailing lines from crashed runs.
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
