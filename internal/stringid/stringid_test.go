package stringid

import "testing"

func TestNewIsUniqueAndShort(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) == 0 {
			t.Fatal("expected non-empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}
