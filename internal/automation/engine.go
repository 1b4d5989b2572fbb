// Package automation decides which automated replies a chat should receive and keeps the
// chat's pending-job set in the durable job store in sync with the latest event.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/businesshours"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/observer"
	"gitlab.com/timkado/api/livechat-router/internal/storage"
	"gitlab.com/timkado/api/livechat-router/internal/tenant"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

const evaluationTimeout = 15 * time.Second

// Decision labels used for metrics and the returned Plan.
const (
	PathNone         = "none"
	PathFirstMessage = "first_message"
	PathOffline      = "offline"
	PathFallback     = "first_message_fallback"
	PathCancelled    = "cancelled"
)

// InboundEvent describes a message that has already been persisted. Position is the
// message's 1-based place in its chat as assigned when it was appended.
type InboundEvent struct {
	TenantID  string
	ChatID    string
	VisitorID string
	MessageID string
	Sender    model.SenderKind
	Text      string
	Position  int64
}

// Plan is the outcome of one evaluation.
type Plan struct {
	// Path is the first-message branch taken, or PathNone for follow-up messages.
	Path      string
	Open      bool
	Cancelled int64
	Jobs      []model.ScheduledJob
}

// Waker nudges idle reply workers after new jobs are committed.
type Waker interface {
	Wake(ctx context.Context) error
}

type nopWaker struct{}

func (nopWaker) Wake(context.Context) error { return nil }

// Engine evaluates inbound messages into scheduled automated replies.
type Engine struct {
	settings   storage.AutomationSettingsRepo
	jobs       storage.JobStore
	waker      Waker
	serializer *Serializer
	now        func() time.Time
	baseLogger *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithWaker sets the collaborator pinged after jobs are enqueued.
func WithWaker(w Waker) Option {
	return func(e *Engine) {
		if w != nil {
			e.waker = w
		}
	}
}

// NewEngine wires an Engine. serializer orders asynchronous evaluations per chat.
func NewEngine(
	settings storage.AutomationSettingsRepo,
	jobs storage.JobStore,
	serializer *Serializer,
	baseLogger *zap.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		settings:   settings,
		jobs:       jobs,
		waker:      nopWaker{},
		serializer: serializer,
		now:        utils.Now,
		baseLogger: baseLogger.Named("automation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnInboundMessage schedules evaluation of ev behind every earlier event of the same chat
// and returns immediately. Failures are logged and never reach the caller.
func (e *Engine) OnInboundMessage(ctx context.Context, ev InboundEvent) {
	taskCtx := context.WithoutCancel(ctx)
	e.serializer.Submit(ev.ChatID, func() {
		ctx, cancel := context.WithTimeout(taskCtx, evaluationTimeout)
		defer cancel()
		if _, err := e.HandleInbound(ctx, ev); err != nil {
			e.logger(ctx, ev).Error("Automation evaluation failed", zap.Error(err))
			observer.IncAutomationDecision(ev.TenantID, "error", "failed")
		}
	})
}

// HandleInbound evaluates ev synchronously. Operator messages cancel every pending job of
// the chat. Visitor messages replace the pending set with the replies due from this
// message: at most one first-message reply, plus the no-reply nudges while open.
func (e *Engine) HandleInbound(ctx context.Context, ev InboundEvent) (*Plan, error) {
	ctx = tenant.WithTenantID(ctx, ev.TenantID)
	log := e.logger(ctx, ev)

	switch ev.Sender {
	case model.SenderOperator:
		n, err := e.CancelPending(ctx, ev.ChatID)
		if err != nil {
			return nil, err
		}
		return &Plan{Path: PathCancelled, Cancelled: n}, nil
	case model.SenderVisitor:
	default:
		log.Debug("Ignoring message for automation", zap.String("sender", string(ev.Sender)))
		return &Plan{Path: PathNone}, nil
	}

	now := e.now()

	hours, err := e.settings.GetBusinessHours(ctx, ev.TenantID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("load business hours: %w", err)
	}
	status := businesshours.Evaluate(hours, now)

	plan := &Plan{Path: PathNone, Open: status.IsOpen}

	if ev.Position == 1 {
		rule, path, err := e.firstMessageRule(ctx, ev.TenantID, status.IsOpen)
		if err != nil {
			return nil, err
		}
		plan.Path = path
		if rule != nil {
			plan.Jobs = append(plan.Jobs, newJob(ev, rule, now))
		}
		observer.IncAutomationDecision(ev.TenantID, string(model.TriggerFirstMessage), path)
	}

	if status.IsOpen {
		rules, err := e.settings.ListActiveRules(ctx, ev.TenantID, model.TriggerNoReply)
		if err != nil {
			return nil, fmt.Errorf("list no-reply rules: %w", err)
		}
		for i := range rules {
			if rules[i].DelaySeconds <= 0 {
				continue
			}
			plan.Jobs = append(plan.Jobs, newJob(ev, &rules[i], now))
		}
	} else {
		observer.IncAutomationDecision(ev.TenantID, string(model.TriggerNoReply), "skipped_offline")
	}

	cancelled, err := e.jobs.ReplaceJobs(ctx, ev.ChatID, plan.Jobs)
	if err != nil {
		return nil, fmt.Errorf("replace scheduled jobs: %w", err)
	}
	plan.Cancelled = cancelled
	observer.AddJobsCancelled(ev.TenantID, cancelled)
	for _, job := range plan.Jobs {
		observer.IncJobsEnqueued(ev.TenantID, string(job.Trigger))
	}

	if len(plan.Jobs) > 0 {
		if err := e.waker.Wake(ctx); err != nil {
			log.Warn("Failed to wake reply workers", zap.Error(err))
		}
	}

	log.Debug("Automation evaluated",
		zap.String("path", plan.Path),
		zap.Bool("open", plan.Open),
		zap.Int64("position", ev.Position),
		zap.Int("jobs", len(plan.Jobs)),
		zap.Int64("cancelled", plan.Cancelled),
	)
	return plan, nil
}

// CancelPending cancels every pending job of the chat. Cancelling nothing is not an error.
func (e *Engine) CancelPending(ctx context.Context, chatID string) (int64, error) {
	n, err := e.jobs.CancelJobs(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled jobs: %w", err)
	}
	if n > 0 {
		siteID, _ := tenant.FromContext(ctx)
		observer.AddJobsCancelled(siteID, n)
		logger.FromContextOr(ctx, e.baseLogger).Debug("Cancelled pending automated replies",
			zap.String("chat_id", chatID), zap.Int64("cancelled", n))
	}
	return n, nil
}

// firstMessageRule picks the greeting for a chat's first message. While closed the offline
// rule wins and the first_message rule stands in when no offline rule exists, so a new
// visitor is never left without a reply.
func (e *Engine) firstMessageRule(ctx context.Context, tenantID string, open bool) (*model.AutoReplyRule, string, error) {
	if open {
		rule, err := e.activeRule(ctx, tenantID, model.TriggerFirstMessage)
		if err != nil || rule == nil {
			return nil, PathNone, err
		}
		return rule, PathFirstMessage, nil
	}

	rule, err := e.activeRule(ctx, tenantID, model.TriggerOffline)
	if err != nil {
		return nil, PathNone, err
	}
	if rule != nil {
		return rule, PathOffline, nil
	}

	rule, err = e.activeRule(ctx, tenantID, model.TriggerFirstMessage)
	if err != nil || rule == nil {
		return nil, PathNone, err
	}
	return rule, PathFallback, nil
}

func (e *Engine) activeRule(ctx context.Context, tenantID string, trigger model.TriggerKind) (*model.AutoReplyRule, error) {
	rule, err := e.settings.FindActiveRule(ctx, tenantID, trigger)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s rule: %w", trigger, err)
	}
	return rule, nil
}

// EnsureDefaults seeds the default rules and schedule for a tenant without settings.
func (e *Engine) EnsureDefaults(ctx context.Context, tenantID string) (bool, error) {
	seeded, err := e.settings.EnsureDefaults(ctx, tenantID, DefaultRules(), businesshours.Default(tenantID))
	if err != nil {
		return false, fmt.Errorf("seed defaults for %s: %w", tenantID, err)
	}
	if seeded {
		logger.FromContextOr(ctx, e.baseLogger).Info("Seeded default automation settings", zap.String("tenant_id", tenantID))
	}
	return seeded, nil
}

func (e *Engine) logger(ctx context.Context, ev InboundEvent) *zap.Logger {
	return logger.FromContextOr(ctx, e.baseLogger).With(
		zap.String("tenant_id", ev.TenantID),
		zap.String("chat_id", ev.ChatID),
		zap.String("message_id", ev.MessageID),
	)
}

func newJob(ev InboundEvent, rule *model.AutoReplyRule, now time.Time) model.ScheduledJob {
	return model.ScheduledJob{
		TenantID:   ev.TenantID,
		ChatID:     ev.ChatID,
		VisitorID:  ev.VisitorID,
		Trigger:    rule.Trigger,
		RuleID:     rule.ID,
		Text:       rule.Text,
		FireAt:     now.Add(rule.Delay()),
		EnqueuedAt: now,
		Status:     model.JobPending,
	}
}
