// Package replyworker fires due automated replies from the durable job store.
package replyworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/config"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/observer"
	"gitlab.com/timkado/api/livechat-router/internal/storage"
	"gitlab.com/timkado/api/livechat-router/internal/tenant"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

const (
	taskTimeout        = 1 * time.Minute
	claimErrorCooldown = 1 * time.Second
)

// Emitter hands a persisted automated reply to the realtime routers.
type Emitter interface {
	PublishDelivery(ctx context.Context, ev model.DeliveryEvent) error
}

// Worker claims due jobs and executes them on an ants pool. Every job is re-validated
// against the current chat state before a reply is written.
type Worker struct {
	cfg      config.ReplyWorkerConfig
	logger   *zap.Logger
	pool     *ants.Pool
	chats    storage.ChatRepo
	messages storage.MessageRepo
	jobs     storage.JobStore
	emitter  Emitter
	now      func() time.Time

	wakeCh chan struct{}
	stopWg sync.WaitGroup
	taskWg sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// NewWorker creates a worker with a pool of cfg.PoolSize goroutines.
func NewWorker(
	cfg config.ReplyWorkerConfig,
	baseLogger *zap.Logger,
	chats storage.ChatRepo,
	messages storage.MessageRepo,
	jobs storage.JobStore,
	emitter Emitter,
) (*Worker, error) {
	log := baseLogger.Named("reply_worker")
	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithLogger(newAntsLoggerAdapter(log.Named("ants_pool"))),
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(err interface{}) {
			log.Error("Worker panic caught", zap.Any("error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}

	w := &Worker{
		cfg:      cfg,
		logger:   log,
		pool:     pool,
		chats:    chats,
		messages: messages,
		jobs:     jobs,
		emitter:  emitter,
		now:      utils.Now,
		wakeCh:   make(chan struct{}, 1),
	}
	w.logger.Info("Reply worker initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("batch_size", cfg.BatchSize),
	)
	return w, nil
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	derivedCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		cancel()
		return nil
	}
	w.cancel = cancel
	w.stopWg.Add(1)
	w.mu.Unlock()

	w.logger.Info("Starting reply worker...")
	go w.pollLoop(derivedCtx)

	<-derivedCtx.Done()
	w.logger.Info("Reply worker context cancelled, initiating shutdown...")
	return nil
}

// Stop halts polling, waits for running jobs and releases the pool.
func (w *Worker) Stop() {
	w.logger.Info("Stopping reply worker...")
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.stopWg.Wait()
	w.taskWg.Wait()
	w.pool.Release()
	w.logger.Info("Reply worker stopped successfully")
}

// Wake requests an immediate poll. Safe to call from any goroutine.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.stopWg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Poll loop stopping due to context cancellation")
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}

		for {
			claimed, err := w.PollOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("Failed to claim due jobs", zap.Error(err))
				time.Sleep(claimErrorCooldown)
				break
			}
			// A full batch means more jobs are probably due.
			if claimed == 0 || claimed < w.cfg.BatchSize {
				break
			}
		}
	}
}

// PollOnce claims up to one batch of due jobs, bounded by free pool capacity, and
// dispatches them. It returns the number of jobs claimed.
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	limit := w.cfg.BatchSize
	if free := w.pool.Free(); free >= 0 && free < limit {
		limit = free
	}
	observer.SetWorkerBusy(w.pool.Running())
	if limit <= 0 {
		return 0, nil
	}

	jobs, err := w.jobs.ClaimDueJobs(ctx, w.now(), w.cfg.Lease, limit)
	if err != nil {
		return 0, err
	}

	for i := range jobs {
		job := jobs[i]
		w.taskWg.Add(1)
		err := w.pool.Submit(func() {
			defer w.taskWg.Done()
			taskCtx, taskCancel := context.WithTimeout(context.Background(), taskTimeout)
			defer taskCancel()
			w.handle(taskCtx, job)
		})
		if err != nil {
			w.taskWg.Done()
			w.logger.Warn("Failed to submit job to pool, returning it to the queue",
				zap.String("job_id", job.ID), zap.Error(err))
			if rErr := w.jobs.RescheduleJob(ctx, job.ID, w.now().Add(w.cfg.BaseDelay), "pool overloaded"); rErr != nil {
				w.logger.Error("Failed to reschedule rejected job", zap.String("job_id", job.ID), zap.Error(rErr))
			}
		}
	}
	return len(jobs), nil
}

// Wait blocks until every dispatched job has finished.
func (w *Worker) Wait() {
	w.taskWg.Wait()
}

// handle executes one claimed job and records its outcome in the store.
func (w *Worker) handle(ctx context.Context, job model.ScheduledJob) {
	startTime := w.now()
	defer func() {
		observer.ObserveJobProcessingDuration(job.TenantID, time.Since(startTime))
	}()
	observer.ObserveJobFireLag(startTime.Sub(job.FireAt))

	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("chat_id", job.ChatID),
		zap.String("tenant_id", job.TenantID),
		zap.String("trigger", string(job.Trigger)),
		zap.Int("attempt", job.Attempts),
	)
	ctx = logger.WithLogger(tenant.WithTenantID(ctx, job.TenantID), log)

	err := w.execute(ctx, job)
	switch {
	case err == nil:
		w.finish(ctx, job, model.JobDone, "")
		log.Info("Automated reply sent")

	case errors.Is(err, apperrors.ErrStale):
		log.Debug("Discarding stale automated reply", zap.Error(err))
		w.finish(ctx, job, model.JobDiscarded, err.Error())

	case apperrors.IsTransientIOError(err) || apperrors.IsRetryable(err) || apperrors.IsTimeoutError(err):
		if job.Attempts >= w.cfg.MaxAttempts {
			log.Warn("Automated reply exhausted its attempts", zap.Error(err))
			w.finish(ctx, job, model.JobFailed, err.Error())
			return
		}
		delay := calculateBackoffDelay(job.Attempts, w.cfg.BaseDelay, w.cfg.MaxDelay)
		log.Info("Retrying automated reply with backoff", zap.Duration("delay", delay), zap.Error(err))
		if rErr := w.jobs.RescheduleJob(ctx, job.ID, w.now().Add(delay), err.Error()); rErr != nil {
			log.Error("Failed to reschedule job, lease expiry will reclaim it", zap.Error(rErr))
			return
		}
		observer.IncJobRetry(job.TenantID)

	default:
		log.Error("Automated reply failed permanently", zap.Error(err))
		w.finish(ctx, job, model.JobFailed, err.Error())
	}
}

// execute re-validates the chat and, when the reply is still wanted, persists and emits
// it. Stale preconditions are reported as apperrors.ErrStale.
func (w *Worker) execute(ctx context.Context, job model.ScheduledJob) error {
	chat, err := w.chats.GetChat(ctx, job.ChatID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return fmt.Errorf("%w: chat no longer exists", apperrors.ErrStale)
		}
		return fmt.Errorf("load chat: %w", err)
	}
	if chat.IsClosed() {
		return fmt.Errorf("%w: chat is closed", apperrors.ErrStale)
	}

	replied, err := w.messages.HasOperatorMessageSince(ctx, job.ChatID, job.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("check operator replies: %w", err)
	}
	if replied {
		return fmt.Errorf("%w: operator replied after enqueue", apperrors.ErrStale)
	}

	msg := &model.Message{
		ChatID:   job.ChatID,
		TenantID: job.TenantID,
		Sender:   model.SenderSystem,
		Text:     job.Text,
	}
	if err := w.messages.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist automated reply: %w", err)
	}

	visitorID := job.VisitorID
	if visitorID == "" {
		visitorID = chat.VisitorID
	}
	ev := model.DeliveryEvent{
		TenantID:  job.TenantID,
		ChatID:    job.ChatID,
		VisitorID: visitorID,
		Trigger:   string(job.Trigger),
		Message:   *msg,
	}
	// The reply is already stored; retrying here would write it twice. Connected clients
	// miss the live event but see the message on their next history load.
	if err := w.emitter.PublishDelivery(ctx, ev); err != nil {
		logger.FromContext(ctx).Error("Failed to publish delivery event", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, job model.ScheduledJob, status model.JobStatus, reason string) {
	if err := w.jobs.FinishJob(ctx, job.ID, status, reason); err != nil {
		logger.FromContext(ctx).Error("Failed to record job outcome", zap.String("status", string(status)), zap.Error(err))
	}
	observer.IncJobsFinished(job.TenantID, string(job.Trigger), string(status))
}

// calculateBackoffDelay doubles baseDelay for every previous attempt, capped at maxDelay.
func calculateBackoffDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// --- Ants Logger Adapter ---

type antsLoggerAdapter struct {
	logger *zap.Logger
}

func newAntsLoggerAdapter(logger *zap.Logger) *antsLoggerAdapter {
	return &antsLoggerAdapter{logger: logger}
}

func (a *antsLoggerAdapter) Printf(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}
