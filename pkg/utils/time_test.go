package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNow(t *testing.T) {
	utilsTime := Now()
	assert.WithinDuration(t, time.Now().UTC(), utilsTime, 10*time.Millisecond)
	assert.Equal(t, time.UTC, utilsTime.Location())
}

func TestFormatISO8601(t *testing.T) {
	kyiv := time.FixedZone("EET", 2*60*60)
	ts := time.Date(2024, 3, 6, 12, 30, 0, 0, kyiv)
	assert.Equal(t, "2024-03-06T10:30:00Z", FormatISO8601(ts))
}
