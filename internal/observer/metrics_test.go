package observer

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRespectEnabledFlag(t *testing.T) {
	InitMetrics(true)
	t.Cleanup(func() { InitMetrics(true) })

	before := testutil.ToFloat64(JobsEnqueuedTotal.WithLabelValues("site-metrics", "first_message"))
	IncJobsEnqueued("site-metrics", "first_message")
	assert.Equal(t, before+1, testutil.ToFloat64(JobsEnqueuedTotal.WithLabelValues("site-metrics", "first_message")))

	InitMetrics(false)
	IncJobsEnqueued("site-metrics", "first_message")
	assert.Equal(t, before+1, testutil.ToFloat64(JobsEnqueuedTotal.WithLabelValues("site-metrics", "first_message")))
}

func TestSanitizeTenant(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeTenant(""))
	assert.Equal(t, "site-1", sanitizeTenant("site-1"))
}

func TestAddJobsCancelledIgnoresZero(t *testing.T) {
	InitMetrics(true)
	before := testutil.ToFloat64(JobsCancelledTotal.WithLabelValues("site-cancel"))
	AddJobsCancelled("site-cancel", 0)
	AddJobsCancelled("site-cancel", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(JobsCancelledTotal.WithLabelValues("site-cancel")))
}

func TestObserveDbOperationDurationDoesNotPanic(t *testing.T) {
	InitMetrics(true)
	assert.NotPanics(t, func() {
		ObserveDbOperationDuration("insert", "message", "", time.Millisecond, nil)
		ObserveDbOperationDuration("insert", "message", "site-1", time.Millisecond, errors.New("x"))
		ObserveJobFireLag(-time.Second)
	})
}
