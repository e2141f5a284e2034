package cloud

import "fmt"

// SSHError is a transient SSH reachability failure (spec.md §4.1 "SSH
// contract"). Retryable: the caller (typically the Health Checker) should
// treat it as "not yet reachable", not as a hard failure.
type SSHError struct {
	InstanceID InstanceId
	Err        error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh to %s: %v", e.InstanceID, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// Retryable reports true: an SSHError is always worth retrying within the
// caller's own budget.
func (e *SSHError) Retryable() bool { return true }

// KeyfileError is a fatal local failure to locate or use the private keyfile
// for an instance (spec.md §4.1). Never retryable: the keypair is gone or
// corrupt and retrying the same connection attempt cannot help.
type KeyfileError struct {
	InstanceID InstanceId
	Err        error
}

func (e *KeyfileError) Error() string {
	return fmt.Sprintf("keyfile for %s: %v", e.InstanceID, e.Err)
}

func (e *KeyfileError) Unwrap() error { return e.Err }

// Retryable reports false: a missing or unreadable keyfile will not fix
// itself on a subsequent attempt.
func (e *KeyfileError) Retryable() bool { return false }

// LaunchTimeoutError is returned when LaunchInstance's poll loop exceeds its
// budget (spec.md §4.1 "~10 min").
type LaunchTimeoutError struct {
	InstanceID InstanceId
}

func (e *LaunchTimeoutError) Error() string {
	return fmt.Sprintf("launch of %s timed out waiting for a terminal state", e.InstanceID)
}
