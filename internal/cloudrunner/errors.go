package cloudrunner

import (
	"fmt"

	"github.com/runnerforge/fleet/internal/cloud"
)

// RunnerCreateError wraps any failure in CreateRunner (spec.md §4.4
// "Launch via Cloud Client... raise RunnerCreateError").
type RunnerCreateError struct {
	InstanceID cloud.InstanceId
	Err        error
}

func (e *RunnerCreateError) Error() string {
	return fmt.Sprintf("cloudrunner: create %s failed: %v", e.InstanceID, e.Err)
}
func (e *RunnerCreateError) Unwrap() error { return e.Err }
