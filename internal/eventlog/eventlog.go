// Package eventlog is the append-only, newline-delimited JSON lifecycle-event
// log (spec.md §6 "Metrics log").
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType names the lifecycle events this system emits.
type EventType string

const (
	EventRunnerInstalled EventType = "RunnerInstalled"
	EventRunnerStop      EventType = "RunnerStop"
	EventReconciliation  EventType = "Reconciliation"
)

// Event is one newline-delimited JSON record. Fields beyond Event and
// Timestamp are event-specific and carried in Fields.
type Event struct {
	Event     EventType              `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Fields alongside event/timestamp into one JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["event"] = e.Event
	out["timestamp"] = e.Timestamp
	return json.Marshal(out)
}

// Log is an append-only ndjson sink, safe for concurrent use by the parallel
// per-runner operations spec.md §5 describes.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open appends to (or creates) the ndjson file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}

// Emit appends one event record, as one JSON object per line.
func (l *Log) Emit(eventType EventType, fields map[string]interface{}) error {
	rec := Event{Event: eventType, Timestamp: time.Now().UTC(), Fields: fields}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", eventType, err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write event %s: %w", eventType, err)
	}
	return nil
}

// RunnerInstalled emits a RunnerInstalled event (spec.md Scenario A).
func (l *Log) RunnerInstalled(runnerName string) error {
	return l.Emit(EventRunnerInstalled, map[string]interface{}{"runner_name": runnerName})
}

// RunnerStop emits a RunnerStop event with a status ("flushed", "crashed",
// "phantom", ...) describing why the runner was removed.
func (l *Log) RunnerStop(runnerName, status string) error {
	return l.Emit(EventRunnerStop, map[string]interface{}{
		"runner_name": runnerName,
		"status":      status,
	})
}

// ReconciliationStats are the counters spec.md §4.8 requires on every
// Reconciliation event. Expected is omitted (left at its zero value and
// excluded from the JSON record) in reactive mode, which admits no fixed
// target.
type ReconciliationStats struct {
	Crashed  int            `json:"crashed"`
	Idle     int            `json:"idle"`
	Busy     int            `json:"busy,omitempty"`
	Active   int            `json:"active"`
	Expected *int           `json:"expected,omitempty"`
	Duration time.Duration  `json:"duration_ms"`
}

// Reconciliation emits a Reconciliation event summarizing one cycle.
func (l *Log) Reconciliation(stats ReconciliationStats) error {
	fields := map[string]interface{}{
		"crashed":     stats.Crashed,
		"idle":        stats.Idle,
		"active":      stats.Active,
		"duration_ms": stats.Duration.Milliseconds(),
	}
	if stats.Busy > 0 {
		fields["busy"] = stats.Busy
	}
	if stats.Expected != nil {
		fields["expected"] = *stats.Expected
	}
	return l.Emit(EventReconciliation, fields)
}
