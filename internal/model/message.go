package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderVisitor  SenderKind = "visitor"
	SenderOperator SenderKind = "operator"
	// SenderSystem marks automated replies produced by the delayed-reply worker.
	SenderSystem SenderKind = "system"
)

// Valid reports whether k is a known sender kind.
func (k SenderKind) Valid() bool {
	switch k {
	case SenderVisitor, SenderOperator, SenderSystem:
		return true
	}
	return false
}

// Message belongs to exactly one chat. IsRead is only meaningful for visitor messages.
// Position is the 1-based place of the message in its chat, fixed when it is appended;
// it is not stored.
type Message struct {
	ID             string         `json:"id" gorm:"column:id;primaryKey;type:uuid"`
	ChatID         string         `json:"chatId" gorm:"column:chat_id;not null;index:idx_messages_chat_created,priority:1"`
	TenantID       string         `json:"siteId" gorm:"column:tenant_id;not null;index"`
	Sender         SenderKind     `json:"from" gorm:"column:sender;not null"`
	Text           string         `json:"text" gorm:"column:text"`
	AttachmentData datatypes.JSON `json:"attachment,omitempty" gorm:"type:jsonb;column:attachment"`
	IsRead         bool           `json:"isRead" gorm:"column:is_read;not null;default:false"`
	CreatedAt      time.Time      `json:"createdAt" gorm:"column:created_at;not null;index:idx_messages_chat_created,priority:2"`
	EditedAt       *time.Time     `json:"editedAt,omitempty" gorm:"column:edited_at"`
	Position       int64          `json:"-" gorm:"-"`
}

// TableName specifies the table name for GORM.
func (Message) TableName() string {
	return "messages"
}

// Attachment decodes the stored attachment descriptor. A message without an attachment
// returns nil.
func (m *Message) Attachment() (*Attachment, error) {
	if len(m.AttachmentData) == 0 || string(m.AttachmentData) == "null" {
		return nil, nil
	}
	var a Attachment
	if err := json.Unmarshal(m.AttachmentData, &a); err != nil {
		return nil, fmt.Errorf("decode attachment of message %s: %w", m.ID, err)
	}
	return &a, nil
}

// SetAttachment encodes a into the jsonb column. Passing nil clears it.
func (m *Message) SetAttachment(a *Attachment) error {
	if a == nil {
		m.AttachmentData = nil
		return nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attachment: %w", err)
	}
	m.AttachmentData = datatypes.JSON(b)
	return nil
}

// HasContent reports whether the message carries text or an attachment.
func (m *Message) HasContent() bool {
	return m.Text != "" || len(m.AttachmentData) > 0
}
