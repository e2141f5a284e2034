// Package stringid provides unique string ID generation for InstanceId
// suffixes (spec.md §3 "InstanceId: a string shaped <prefix>-<random>").
package stringid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a new, short, filename-safe random suffix. It uses the low
// segment of a UUIDv4 rather than a full UUID so that the resulting
// InstanceId stays reasonably short for OpenStack server names and SSH
// keypair names, both of which have practical length limits.
func New() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id[:13], "-", "")
}
