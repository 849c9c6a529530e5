// Package audit appends action records to per-day, line-delimited JSON
// files under the vault's Logs/ bucket and reads them back for briefings
// and the ops API.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one audited action.
type Entry struct {
	Timestamp  string         `json:"timestamp"`
	ActionType string         `json:"action_type"`
	Actor      string         `json:"actor"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result"`
}

// Log writes entries into Logs/YYYY-MM-DD.json files, one JSON object per
// line. Every writer appends through O_APPEND, so the orchestrator, the
// cloud agent, the CLI, and the server can share one day file without
// clobbering each other; the mutex only serializes writers inside one
// process.
type Log struct {
	Dir string
	Now func() time.Time

	mu sync.Mutex
}

// New returns a log rooted at the given Logs/ directory.
func New(dir string) *Log {
	return &Log{Dir: dir, Now: time.Now}
}

func (l *Log) fileFor(day time.Time) string {
	return filepath.Join(l.Dir, day.UTC().Format("2006-01-02")+".json")
}

// Append records one entry in today's log file. Timestamp is filled if the
// caller left it empty. The entry goes out as a single O_APPEND write of
// one line, which is what keeps concurrent writing processes from losing
// each other's entries.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now().UTC()
	if e.Timestamp == "" {
		e.Timestamp = now.Format(time.RFC3339)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	f, err := os.OpenFile(l.fileFor(now), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// ReadRange returns all entries for days in [from, to] inclusive, sorted
// by timestamp. Missing day files are skipped.
func (l *Log) ReadRange(from, to time.Time) ([]Entry, error) {
	var out []Entry
	for day := from.UTC().Truncate(24 * time.Hour); !day.After(to.UTC()); day = day.Add(24 * time.Hour) {
		entries, err := readDay(l.fileFor(day))
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Summary counts entries per action type and failures for a day range.
type Summary struct {
	Total    int            `json:"total"`
	Failures int            `json:"failures"`
	ByAction map[string]int `json:"by_action"`
}

// Summarize aggregates entries for briefings.
func (l *Log) Summarize(from, to time.Time) (Summary, error) {
	entries, err := l.ReadRange(from, to)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{ByAction: map[string]int{}}
	for _, e := range entries {
		s.Total++
		s.ByAction[e.ActionType]++
		if e.Result == "error" || e.Result == "failed" {
			s.Failures++
		}
	}
	return s, nil
}

func readDay(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("decode audit log %s: %w", filepath.Base(path), err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
