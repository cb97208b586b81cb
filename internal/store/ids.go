package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewThreatID returns a new identifier matching ^THR-[0-9a-f]{12}$.
func NewThreatID() string {
	return "THR-" + shortUUID()
}

// NewActionID returns a new identifier matching ^ACT-[0-9a-f]{12}$.
func NewActionID() string {
	return "ACT-" + shortUUID()
}

// shortUUID returns the first 12 hex nibbles of a random UUIDv4 with its
// dashes stripped.
func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
