package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/livechat-router/internal/model"
)

// ChatRepo defines chat storage operations
type ChatRepo interface {
	FindOrCreateChat(ctx context.Context, tenantID, visitorID string) (*model.Chat, bool, error)
	FindLatestChat(ctx context.Context, tenantID, visitorID string) (*model.Chat, error)
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	SetChatStatus(ctx context.Context, chatID string, status model.ChatStatus) error
	RenameVisitor(ctx context.Context, chatID, name string) error
	DeleteChat(ctx context.Context, chatID string) error
}

// MessageRepo defines message storage operations
type MessageRepo interface {
	AppendMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	HasOperatorMessageSince(ctx context.Context, chatID string, since time.Time) (bool, error)
	MarkRead(ctx context.Context, chatID string) (int64, error)
	UnreadCount(ctx context.Context, tenantID string) (int64, error)
	EditMessage(ctx context.Context, messageID, text string) (*model.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ClearMessages(ctx context.Context, chatID string) (int64, error)
}

// AutomationSettingsRepo exposes the tenant's auto-reply rules and business hours.
type AutomationSettingsRepo interface {
	FindActiveRule(ctx context.Context, tenantID string, trigger model.TriggerKind) (*model.AutoReplyRule, error)
	ListActiveRules(ctx context.Context, tenantID string, trigger model.TriggerKind) ([]model.AutoReplyRule, error)
	GetBusinessHours(ctx context.Context, tenantID string) (*model.BusinessHours, error)
	EnsureDefaults(ctx context.Context, tenantID string, rules []model.AutoReplyRule, hours model.BusinessHours) (bool, error)
}

// AccessRepo answers operator authorization questions.
type AccessRepo interface {
	HasTenantAccess(ctx context.Context, tenantID, operatorID string) (bool, error)
}

// JobStore is the durable delayed-job queue.
type JobStore interface {
	ReplaceJobs(ctx context.Context, chatID string, jobs []model.ScheduledJob) (int64, error)
	CancelJobs(ctx context.Context, chatID string) (int64, error)
	ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.ScheduledJob, error)
	FinishJob(ctx context.Context, jobID string, status model.JobStatus, reason string) error
	RescheduleJob(ctx context.Context, jobID string, fireAt time.Time, reason string) error
	PendingJobs(ctx context.Context, chatID string) ([]model.ScheduledJob, error)
}

var (
	_ ChatRepo               = (*PostgresRepo)(nil)
	_ MessageRepo            = (*PostgresRepo)(nil)
	_ AutomationSettingsRepo = (*PostgresRepo)(nil)
	_ AccessRepo             = (*PostgresRepo)(nil)
	_ JobStore               = (*PostgresRepo)(nil)
)
