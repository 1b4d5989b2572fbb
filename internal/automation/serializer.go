package automation

import (
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/config"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

// Serializer runs tasks submitted under the same key one at a time and in submission
// order. Distinct keys run concurrently on a shared ants pool. A key holds no goroutine
// while its queue is empty.
type Serializer struct {
	pool *ants.Pool
	log  *zap.Logger

	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

// NewSerializer creates a serializer backed by a pool of cfg.PoolSize goroutines. The pool
// never blocks the submitter: when every worker is busy the drain gets its own goroutine.
func NewSerializer(cfg config.AutomationPoolConfig, baseLogger *zap.Logger) (*Serializer, error) {
	s := &Serializer{
		queues: make(map[string][]func()),
		log:    baseLogger.Named("chat_serializer"),
	}
	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			s.log.Error("Panic recovered in chat serializer", zap.Any("panic_error", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create automation pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Submit appends task to the queue of key. The call never blocks on task execution.
func (s *Serializer) Submit(key string, task func()) {
	s.wg.Add(1)
	s.mu.Lock()
	q, running := s.queues[key]
	s.queues[key] = append(q, task)
	s.mu.Unlock()
	if running {
		return
	}

	if err := s.pool.Submit(func() { s.drain(key) }); err != nil {
		s.log.Warn("Automation pool rejected drain, running on a dedicated goroutine",
			zap.String("key", key), zap.Error(err))
		utils.SafeGo(func() { s.drain(key) }, nil)
	}
}

func (s *Serializer) drain(key string) {
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		task := q[0]
		q[0] = nil
		s.queues[key] = q[1:]
		s.mu.Unlock()

		s.run(key, task)
	}
}

func (s *Serializer) run(key string, task func()) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic recovered in serialized task", zap.String("key", key), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Pending returns the number of keys with queued or running tasks.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Wait blocks until every submitted task has finished or the timeout elapses. It reports
// whether the queues drained.
func (s *Serializer) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close waits for queued tasks up to timeout and releases the pool.
func (s *Serializer) Close(timeout time.Duration) {
	if !s.Wait(timeout) {
		s.log.Warn("Chat serializer closed with pending tasks", zap.Int("keys", s.Pending()))
	}
	s.pool.Release()
}
