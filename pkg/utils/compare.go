package utils

import (
	"github.com/nats-io/nats.go"
)

// StreamConfigEqual compares two NATS stream configurations for equality
// Focuses on core properties only
func StreamConfigEqual(a, b nats.StreamConfig) bool {
	if a.Name != b.Name || a.Retention != b.Retention || a.MaxAge != b.MaxAge || a.Storage != b.Storage {
		return false
	}
	if len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i, subject := range a.Subjects {
		if subject != b.Subjects[i] {
			return false
		}
	}
	return true
}
