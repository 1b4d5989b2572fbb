package model

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// NewChat creates a Chat with fake data. Non-zero fields of the override replace the
// defaults.
func NewChat(overrides ...*Chat) *Chat {
	base := &Chat{
		ID:        uuid.NewString(),
		TenantID:  uuid.NewString(),
		VisitorID: "v_" + gofakeit.LetterN(12),
		Status:    ChatStatusOpen,
		CreatedAt: utils.Now().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Minute),
		UpdatedAt: utils.Now(),
	}
	if len(overrides) > 0 && overrides[0] != nil {
		ovr := overrides[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.TenantID != "" {
			base.TenantID = ovr.TenantID
		}
		if ovr.VisitorID != "" {
			base.VisitorID = ovr.VisitorID
		}
		if ovr.VisitorName != nil {
			base.VisitorName = ovr.VisitorName
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
	}
	return base
}

// NewMessage creates a visitor Message with fake text for the given chat.
func NewMessage(chat *Chat, overrides ...*Message) *Message {
	base := &Message{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		TenantID:  chat.TenantID,
		Sender:    SenderVisitor,
		Text:      gofakeit.Sentence(6),
		CreatedAt: utils.Now(),
	}
	if len(overrides) > 0 && overrides[0] != nil {
		ovr := overrides[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.Sender != "" {
			base.Sender = ovr.Sender
		}
		if ovr.Text != "" {
			base.Text = ovr.Text
		}
		if len(ovr.AttachmentData) > 0 {
			base.AttachmentData = ovr.AttachmentData
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
		base.IsRead = ovr.IsRead
	}
	return base
}

// NewRule creates an active AutoReplyRule for a tenant and trigger.
func NewRule(tenantID string, trigger TriggerKind, delaySeconds, order int) *AutoReplyRule {
	return &AutoReplyRule{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Trigger:      trigger,
		Name:         string(trigger),
		Text:         gofakeit.Sentence(8),
		DelaySeconds: delaySeconds,
		Active:       true,
		Order:        order,
	}
}
