package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/livechat-router/internal/model"
)

// --- ChatRepo Mock ---

// ChatRepoMock mocks the ChatRepo interface
type ChatRepoMock struct {
	mock.Mock
}

// FindOrCreateChat mocks the FindOrCreateChat method
func (m *ChatRepoMock) FindOrCreateChat(ctx context.Context, tenantID, visitorID string) (*model.Chat, bool, error) {
	args := m.Called(ctx, tenantID, visitorID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Chat), args.Bool(1), args.Error(2)
}

// FindLatestChat mocks the FindLatestChat method
func (m *ChatRepoMock) FindLatestChat(ctx context.Context, tenantID, visitorID string) (*model.Chat, error) {
	args := m.Called(ctx, tenantID, visitorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Chat), args.Error(1)
}

// GetChat mocks the GetChat method
func (m *ChatRepoMock) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Chat), args.Error(1)
}

// SetChatStatus mocks the SetChatStatus method
func (m *ChatRepoMock) SetChatStatus(ctx context.Context, chatID string, status model.ChatStatus) error {
	args := m.Called(ctx, chatID, status)
	return args.Error(0)
}

// RenameVisitor mocks the RenameVisitor method
func (m *ChatRepoMock) RenameVisitor(ctx context.Context, chatID, name string) error {
	args := m.Called(ctx, chatID, name)
	return args.Error(0)
}

// DeleteChat mocks the DeleteChat method
func (m *ChatRepoMock) DeleteChat(ctx context.Context, chatID string) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

// --- MessageRepo Mock ---

// MessageRepoMock mocks the MessageRepo interface
type MessageRepoMock struct {
	mock.Mock
}

// AppendMessage mocks the AppendMessage method
func (m *MessageRepoMock) AppendMessage(ctx context.Context, msg *model.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// GetMessage mocks the GetMessage method
func (m *MessageRepoMock) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

// HasOperatorMessageSince mocks the HasOperatorMessageSince method
func (m *MessageRepoMock) HasOperatorMessageSince(ctx context.Context, chatID string, since time.Time) (bool, error) {
	args := m.Called(ctx, chatID, since)
	return args.Bool(0), args.Error(1)
}

// MarkRead mocks the MarkRead method
func (m *MessageRepoMock) MarkRead(ctx context.Context, chatID string) (int64, error) {
	args := m.Called(ctx, chatID)
	return args.Get(0).(int64), args.Error(1)
}

// UnreadCount mocks the UnreadCount method
func (m *MessageRepoMock) UnreadCount(ctx context.Context, tenantID string) (int64, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(int64), args.Error(1)
}

// EditMessage mocks the EditMessage method
func (m *MessageRepoMock) EditMessage(ctx context.Context, messageID, text string) (*model.Message, error) {
	args := m.Called(ctx, messageID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

// DeleteMessage mocks the DeleteMessage method
func (m *MessageRepoMock) DeleteMessage(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

// ClearMessages mocks the ClearMessages method
func (m *MessageRepoMock) ClearMessages(ctx context.Context, chatID string) (int64, error) {
	args := m.Called(ctx, chatID)
	return args.Get(0).(int64), args.Error(1)
}

// --- AutomationSettingsRepo Mock ---

// SettingsRepoMock mocks the AutomationSettingsRepo interface
type SettingsRepoMock struct {
	mock.Mock
}

// FindActiveRule mocks the FindActiveRule method
func (m *SettingsRepoMock) FindActiveRule(ctx context.Context, tenantID string, trigger model.TriggerKind) (*model.AutoReplyRule, error) {
	args := m.Called(ctx, tenantID, trigger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AutoReplyRule), args.Error(1)
}

// ListActiveRules mocks the ListActiveRules method
func (m *SettingsRepoMock) ListActiveRules(ctx context.Context, tenantID string, trigger model.TriggerKind) ([]model.AutoReplyRule, error) {
	args := m.Called(ctx, tenantID, trigger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.AutoReplyRule), args.Error(1)
}

// GetBusinessHours mocks the GetBusinessHours method
func (m *SettingsRepoMock) GetBusinessHours(ctx context.Context, tenantID string) (*model.BusinessHours, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BusinessHours), args.Error(1)
}

// EnsureDefaults mocks the EnsureDefaults method
func (m *SettingsRepoMock) EnsureDefaults(ctx context.Context, tenantID string, rules []model.AutoReplyRule, hours model.BusinessHours) (bool, error) {
	args := m.Called(ctx, tenantID, rules, hours)
	return args.Bool(0), args.Error(1)
}

// --- AccessRepo Mock ---

// AccessRepoMock mocks the AccessRepo interface
type AccessRepoMock struct {
	mock.Mock
}

// HasTenantAccess mocks the HasTenantAccess method
func (m *AccessRepoMock) HasTenantAccess(ctx context.Context, tenantID, operatorID string) (bool, error) {
	args := m.Called(ctx, tenantID, operatorID)
	return args.Bool(0), args.Error(1)
}

// --- JobStore Mock ---

// JobStoreMock mocks the JobStore interface
type JobStoreMock struct {
	mock.Mock
}

// ReplaceJobs mocks the ReplaceJobs method
func (m *JobStoreMock) ReplaceJobs(ctx context.Context, chatID string, jobs []model.ScheduledJob) (int64, error) {
	args := m.Called(ctx, chatID, jobs)
	return args.Get(0).(int64), args.Error(1)
}

// CancelJobs mocks the CancelJobs method
func (m *JobStoreMock) CancelJobs(ctx context.Context, chatID string) (int64, error) {
	args := m.Called(ctx, chatID)
	return args.Get(0).(int64), args.Error(1)
}

// ClaimDueJobs mocks the ClaimDueJobs method
func (m *JobStoreMock) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.ScheduledJob, error) {
	args := m.Called(ctx, now, lease, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ScheduledJob), args.Error(1)
}

// FinishJob mocks the FinishJob method
func (m *JobStoreMock) FinishJob(ctx context.Context, jobID string, status model.JobStatus, reason string) error {
	args := m.Called(ctx, jobID, status, reason)
	return args.Error(0)
}

// RescheduleJob mocks the RescheduleJob method
func (m *JobStoreMock) RescheduleJob(ctx context.Context, jobID string, fireAt time.Time, reason string) error {
	args := m.Called(ctx, jobID, fireAt, reason)
	return args.Error(0)
}

// PendingJobs mocks the PendingJobs method
func (m *JobStoreMock) PendingJobs(ctx context.Context, chatID string) ([]model.ScheduledJob, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ScheduledJob), args.Error(1)
}
