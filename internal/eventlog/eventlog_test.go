package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEmitWritesOneJSONObjectPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if err := log.RunnerInstalled("mgr-a-1"); err != nil {
		t.Fatalf("RunnerInstalled: %v", err)
	}
	if err := log.RunnerStop("mgr-a-1", "crashed"); err != nil {
		t.Fatalf("RunnerStop: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal line 1: %v", err)
	}
	if first["event"] != string(EventRunnerInstalled) {
		t.Errorf("expected RunnerInstalled, got %v", first["event"])
	}
	if first["runner_name"] != "mgr-a-1" {
		t.Errorf("unexpected runner_name: %v", first["runner_name"])
	}
}

func TestReconciliationOmitsExpectedInReactiveMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if err := log.Reconciliation(ReconciliationStats{Crashed: 0, Idle: 2, Active: 2}); err != nil {
		t.Fatalf("Reconciliation: %v", err)
	}

	lines := readLines(t, path)
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := rec["expected"]; present {
		t.Errorf("expected 'expected' field to be omitted in reactive mode, got %v", rec["expected"])
	}
}

func TestReconciliationIncludesExpectedInProactiveMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	expected := 3
	if err := log.Reconciliation(ReconciliationStats{Idle: 3, Active: 3, Expected: &expected}); err != nil {
		t.Fatalf("Reconciliation: %v", err)
	}

	lines := readLines(t, path)
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["expected"] != float64(3) {
		t.Errorf("expected expected=3, got %v", rec["expected"])
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
