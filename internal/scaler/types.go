// Package scaler is the top-level reconciliation loop (spec.md §4.8): decides
// proactive vs reactive, computes deltas, and orchestrates the Runner Manager
// and (in reactive mode) the Reactive Process Supervisor.
package scaler

// Delta is the net change in runner count a reconciliation cycle applied.
// Positive means net creations, negative net deletions.
type Delta int

// Mode selects proactive (fixed-count) vs reactive (queue-driven)
// reconciliation (spec.md §4.8, GLOSSARY).
type Mode string

const (
	ModeProactive Mode = "proactive"
	ModeReactive  Mode = "reactive"
)
