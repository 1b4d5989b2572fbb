package replyworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/config"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	storagemock "gitlab.com/timkado/api/livechat-router/internal/storage/mock"
)

var fixedNow = time.Date(2024, time.June, 5, 10, 5, 0, 0, time.UTC)

type fakeEmitter struct {
	mu     sync.Mutex
	events []model.DeliveryEvent
	err    error
}

func (f *fakeEmitter) PublishDelivery(_ context.Context, ev model.DeliveryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeEmitter) Events() []model.DeliveryEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DeliveryEvent(nil), f.events...)
}

type fixture struct {
	chats    *storagemock.ChatRepoMock
	messages *storagemock.MessageRepoMock
	jobs     *storagemock.JobStoreMock
	emitter  *fakeEmitter
	logs     *observer.ObservedLogs
	worker   *Worker
}

func testConfig() config.ReplyWorkerConfig {
	return config.ReplyWorkerConfig{
		PoolSize:     4,
		PollInterval: 50 * time.Millisecond,
		BatchSize:    10,
		Lease:        time.Minute,
		MaxAttempts:  3,
		BaseDelay:    2 * time.Second,
		MaxDelay:     time.Minute,
	}
}

func newFixture(t *testing.T) *fixture {
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		chats:    new(storagemock.ChatRepoMock),
		messages: new(storagemock.MessageRepoMock),
		jobs:     new(storagemock.JobStoreMock),
		emitter:  &fakeEmitter{},
		logs:     logs,
	}
	w, err := NewWorker(testConfig(), zap.New(core), f.chats, f.messages, f.jobs, f.emitter)
	require.NoError(t, err)
	w.now = func() time.Time { return fixedNow }
	t.Cleanup(w.Stop)
	f.worker = w
	return f
}

func dueJob() model.ScheduledJob {
	return model.ScheduledJob{
		ID:         "job-1",
		TenantID:   "site-1",
		ChatID:     "chat-1",
		VisitorID:  "v-1",
		Trigger:    model.TriggerNoReply,
		RuleID:     "rule-5",
		Text:       "Thanks for waiting!",
		FireAt:     fixedNow,
		EnqueuedAt: fixedNow.Add(-5 * time.Minute),
		Status:     model.JobProcessing,
		Attempts:   1,
	}
}

func openChat() *model.Chat {
	return &model.Chat{ID: "chat-1", TenantID: "site-1", VisitorID: "v-1", Status: model.ChatStatusOpen}
}

func TestHandle_DeliversSystemReply(t *testing.T) {
	f := newFixture(t)
	job := dueJob()

	f.chats.On("GetChat", mock.Anything, "chat-1").Return(openChat(), nil)
	f.messages.On("HasOperatorMessageSince", mock.Anything, "chat-1", job.EnqueuedAt).Return(false, nil)
	f.messages.On("AppendMessage", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.Sender == model.SenderSystem && m.Text == job.Text && m.ChatID == "chat-1" && m.TenantID == "site-1"
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*model.Message).ID = "msg-auto"
	}).Return(nil).Once()
	f.jobs.On("FinishJob", mock.Anything, "job-1", model.JobDone, "").Return(nil).Once()

	f.worker.handle(context.Background(), job)

	events := f.emitter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "site-1", events[0].TenantID)
	assert.Equal(t, "chat-1", events[0].ChatID)
	assert.Equal(t, "v-1", events[0].VisitorID)
	assert.Equal(t, "msg-auto", events[0].Message.ID)
	assert.Equal(t, model.SenderSystem, events[0].Message.Sender)
	f.messages.AssertExpectations(t)
	f.jobs.AssertExpectations(t)
}

func TestHandle_StaleJobsAreDiscarded(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(f *fixture, job model.ScheduledJob)
	}{
		{
			name: "chat deleted",
			setup: func(f *fixture, job model.ScheduledJob) {
				f.chats.On("GetChat", mock.Anything, "chat-1").Return(nil, fmt.Errorf("%w: chat-1", apperrors.ErrNotFound))
			},
		},
		{
			name: "chat closed",
			setup: func(f *fixture, job model.ScheduledJob) {
				chat := openChat()
				chat.Status = model.ChatStatusClosed
				f.chats.On("GetChat", mock.Anything, "chat-1").Return(chat, nil)
			},
		},
		{
			name: "operator replied after enqueue",
			setup: func(f *fixture, job model.ScheduledJob) {
				f.chats.On("GetChat", mock.Anything, "chat-1").Return(openChat(), nil)
				f.messages.On("HasOperatorMessageSince", mock.Anything, "chat-1", job.EnqueuedAt).Return(true, nil)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			job := dueJob()
			tc.setup(f, job)
			f.jobs.On("FinishJob", mock.Anything, "job-1", model.JobDiscarded, mock.AnythingOfType("string")).Return(nil).Once()

			f.worker.handle(context.Background(), job)

			f.messages.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything)
			assert.Empty(t, f.emitter.Events())
			f.jobs.AssertExpectations(t)

			stale := f.logs.FilterMessage("Discarding stale automated reply").All()
			require.Len(t, stale, 1)
			assert.Equal(t, zapcore.DebugLevel, stale[0].Level)
		})
	}
}

// A cancel only removes pending jobs. A job already claimed by a worker survives it and
// is stopped by the operator-message check once the operator's message is stored.
func TestHandle_ClaimedJobCaughtByOperatorCheck(t *testing.T) {
	f := newFixture(t)
	job := dueJob()

	f.chats.On("GetChat", mock.Anything, "chat-1").Return(openChat(), nil)
	f.messages.On("HasOperatorMessageSince", mock.Anything, "chat-1", job.EnqueuedAt).Return(true, nil)
	f.jobs.On("FinishJob", mock.Anything, "job-1", model.JobDiscarded, mock.Anything).Return(nil).Once()

	f.worker.handle(context.Background(), job)

	assert.Empty(t, f.emitter.Events())
	f.jobs.AssertNotCalled(t, "CancelJobs", mock.Anything, mock.Anything)
}

// Cancellation is best-effort: when the operator's message is not yet stored at the time
// the worker checks, the reply is still delivered.
func TestHandle_CancelRacingWithFiringMayStillDeliver(t *testing.T) {
	f := newFixture(t)
	job := dueJob()

	f.chats.On("GetChat", mock.Anything, "chat-1").Return(openChat(), nil)
	f.messages.On("HasOperatorMessageSince", mock.Anything, "chat-1", job.EnqueuedAt).Return(false, nil)
	f.messages.On("AppendMessage", mock.Anything, mock.Anything).Return(nil)
	f.jobs.On("FinishJob", mock.Anything, "job-1", model.JobDone, "").Return(nil).Once()

	f.worker.handle(context.Background(), job)

	assert.Len(t, f.emitter.Events(), 1)
}

func TestHandle_TransientFailureIsRescheduled(t *testing.T) {
	f := newFixture(t)
	job := dueJob()
	job.Attempts = 2

	f.chats.On("GetChat", mock.Anything, "chat-1").Return(nil, fmt.Errorf("%w: db down", apperrors.ErrTransientIO))
	f.jobs.On("RescheduleJob", mock.Anything, "job-1", fixedNow.Add(4*time.Second), mock.AnythingOfType("string")).Return(nil).Once()

	f.worker.handle(context.Background(), job)

	f.jobs.AssertExpectations(t)
	f.jobs.AssertNotCalled(t, "FinishJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_TransientFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	job := dueJob()
	job.Attempts = 3

	f.chats.On("GetChat", mock.Anything, "chat-1").Return(openChat(), nil)
	f.messages.On("HasOperatorMessageSince", mock.Anything, "chat-1", job.EnqueuedAt).Return(false, nil)
	f.messages.On("AppendMessage", mock.Anything, mock.Anything).Return(fmt.Errorf("%w: connection reset", apperrors.ErrTransientIO))
	f.jobs.On("FinishJob", mock.Anything, "job-1", model.JobFailed, mock.Anything).Return(nil).Once()

	f.worker.handle(context.Background(), job)

	f.jobs.AssertExpectations(t)
	f.jobs.AssertNotCalled(t, "RescheduleJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_PermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	job := dueJob()

	f.chats.On("GetChat", mock.Anything, "chat-1").Return(openChat(), nil)
	f.messages.On("HasOperatorMessageSince", mock.Anything, "chat-1", job.EnqueuedAt).Return(false, nil)
	f.messages.On("AppendMessage", mock.Anything, mock.Anything).Return(fmt.Errorf("%w: text too long", apperrors.ErrBadRequest))
	f.jobs.On("FinishJob", mock.Anything, "job-1", model.JobFailed, mock.Anything).Return(nil).Once()

	f.worker.handle(context.Background(), job)

	f.jobs.AssertExpectations(t)
}

func TestHandle_PublishFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.emitter.err = errors.New("nats: no responders")
	job := dueJob()

	f.chats.On("GetChat", mock.Anything, "chat-1").Return(openChat(), nil)
	f.messages.On("HasOperatorMessageSince", mock.Anything, "chat-1", job.EnqueuedAt).Return(false, nil)
	f.messages.On("AppendMessage", mock.Anything, mock.Anything).Return(nil).Once()
	f.jobs.On("FinishJob", mock.Anything, "job-1", model.JobDone, "").Return(nil).Once()

	f.worker.handle(context.Background(), job)

	f.messages.AssertNumberOfCalls(t, "AppendMessage", 1)
	f.jobs.AssertExpectations(t)
	assert.Equal(t, 1, f.logs.FilterMessage("Failed to publish delivery event").Len())
}

func TestPollOnce_DispatchesClaimedJobs(t *testing.T) {
	f := newFixture(t)
	first, second := dueJob(), dueJob()
	second.ID = "job-2"
	second.ChatID = "chat-2"

	f.jobs.On("ClaimDueJobs", mock.Anything, fixedNow, time.Minute, mock.AnythingOfType("int")).
		Return([]model.ScheduledJob{first, second}, nil).Once()
	f.chats.On("GetChat", mock.Anything, "chat-1").Return(openChat(), nil)
	f.chats.On("GetChat", mock.Anything, "chat-2").Return(nil, apperrors.ErrNotFound)
	f.messages.On("HasOperatorMessageSince", mock.Anything, "chat-1", mock.Anything).Return(false, nil)
	f.messages.On("AppendMessage", mock.Anything, mock.Anything).Return(nil)
	f.jobs.On("FinishJob", mock.Anything, "job-1", model.JobDone, "").Return(nil).Once()
	f.jobs.On("FinishJob", mock.Anything, "job-2", model.JobDiscarded, mock.Anything).Return(nil).Once()

	n, err := f.worker.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.worker.Wait()
	f.jobs.AssertExpectations(t)
	assert.Len(t, f.emitter.Events(), 1)
}

func TestPollOnce_ClaimError(t *testing.T) {
	f := newFixture(t)
	f.jobs.On("ClaimDueJobs", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.ErrTransientIO).Once()

	n, err := f.worker.PollOnce(context.Background())

	assert.ErrorIs(t, err, apperrors.ErrTransientIO)
	assert.Zero(t, n)
}

func TestStart_WakeTriggersPoll(t *testing.T) {
	f := newFixture(t)
	f.worker.cfg.PollInterval = time.Hour

	polled := make(chan struct{}, 1)
	f.jobs.On("ClaimDueJobs", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case polled <- struct{}{}:
			default:
			}
		}).
		Return(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.worker.Start(ctx) }()

	require.Eventually(t, func() bool {
		f.worker.Wake()
		select {
		case <-polled:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCalculateBackoffDelay(t *testing.T) {
	base, maxDelay := 2*time.Second, time.Minute
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{80, time.Minute},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, calculateBackoffDelay(tc.attempt, base, maxDelay), "attempt %d", tc.attempt)
	}
}
