package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSafeGo(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	original := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = original })

	done := make(chan struct{})
	SafeGo(func() { close(done) }, nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function did not run")
	}

	recovered := make(chan interface{}, 1)
	SafeGo(func() { panic("boom") }, func(r interface{}, _ []byte) { recovered <- r })
	select {
	case r := <-recovered:
		assert.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic was not recovered")
	}

	SafeGo(func() { panic("unhandled") }, nil)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("[panic] Recovered from panic in goroutine").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRecoverWithLog(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	ctx := logger.WithLogger(context.Background(), zap.New(core))

	func() {
		defer RecoverWithLog(ctx, "fan out")
		panic("oops")
	}()

	assert.Equal(t, 1, logs.FilterMessage("[panic] Recovered from panic during fan out").Len())
}
