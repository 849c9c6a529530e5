// Package health publishes and classifies per-agent liveness records in
// the vault's Signals/ bucket.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Record is one agent's heartbeat, overwritten in place each tick.
type Record struct {
	AgentID   string         `json:"agent_id"`
	Role      string         `json:"role"`
	Timestamp string         `json:"timestamp"`
	Status    string         `json:"status"`
	Counters  map[string]int `json:"counters,omitempty"`
}

// Classification of a peer against a staleness threshold.
type Classification string

const (
	Online    Classification = "online"
	Offline   Classification = "offline"
	NeverSeen Classification = "never_seen"
)

const filePrefix = "HEALTH_"

func recordPath(dir, agentID string) string {
	return filepath.Join(dir, filePrefix+agentID+".json")
}

// Publish writes the agent's health record, replacing any previous one.
// Writes go through a temp file so readers never observe a torn record.
func Publish(dir string, rec Record) error {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode health record: %w", err)
	}
	tmp := recordPath(dir, rec.AgentID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write health record: %w", err)
	}
	if err := os.Rename(tmp, recordPath(dir, rec.AgentID)); err != nil {
		return fmt.Errorf("publish health record: %w", err)
	}
	return nil
}

// Read loads one agent's record. A missing file returns ok=false.
func Read(dir, agentID string) (Record, bool, error) {
	data, err := os.ReadFile(recordPath(dir, agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read health record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode health record %s: %w", agentID, err)
	}
	return rec, true, nil
}

// ReadAll returns every health record in the signals directory, sorted by
// agent id.
func ReadAll(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list health records: %w", err)
	}
	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		agentID := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".json")
		rec, ok, err := Read(dir, agentID)
		if err != nil || !ok {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Classify judges a peer's record age against the threshold. A record that
// was never written, or whose timestamp does not parse, is never_seen.
func Classify(rec Record, seen bool, now time.Time, threshold time.Duration) Classification {
	if !seen {
		return NeverSeen
	}
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return NeverSeen
	}
	if now.Sub(ts) > threshold {
		return Offline
	}
	return Online
}
