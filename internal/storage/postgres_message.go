package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

// AppendMessage persists a new message. The id and the authoritative creation timestamp
// are assigned here when absent. The chat row is locked while the message is counted and
// inserted, so msg.Position is exact even when appends to one chat race.
func (r *PostgresRepo) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg.ChatID == "" || msg.TenantID == "" {
		return fmt.Errorf("%w: message requires chat and tenant ids", apperrors.ErrBadRequest)
	}
	if !msg.Sender.Valid() {
		return fmt.Errorf("%w: unknown sender kind %q", apperrors.ErrBadRequest, msg.Sender)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = utils.Now()
	}

	err := r.observed(ctx, "insert", "message", msg.TenantID, commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		return inTx(ctx, db, func(tx *gorm.DB) error {
			if err := lockChat(tx, msg.ChatID); err != nil {
				return err
			}
			var existing int64
			if err := tx.Model(&model.Message{}).Where("chat_id = ?", msg.ChatID).Count(&existing).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if err := tx.Create(msg).Error; err != nil {
				return checkConstraintViolation(err)
			}
			msg.Position = existing + 1
			return nil
		})
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to append message",
			zap.String("chat_id", msg.ChatID), zap.String("sender", string(msg.Sender)), zap.Error(err))
		return err
	}
	return nil
}

// GetMessage finds a message by id.
func (r *PostgresRepo) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var msg model.Message
	err := r.observed(ctx, "get", "message", "", readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.Where("id = ?", messageID).Take(&msg).Error)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// HasOperatorMessageSince reports whether an operator wrote in the chat at or after since.
func (r *PostgresRepo) HasOperatorMessageSince(ctx context.Context, chatID string, since time.Time) (bool, error) {
	var count int64
	err := r.observed(ctx, "operator_since", "message", "", readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.Model(&model.Message{}).
			Where("chat_id = ? AND sender = ? AND created_at >= ?", chatID, model.SenderOperator, since).
			Count(&count).Error)
	})
	return count > 0, err
}

// MarkRead flips the read flag of every unread visitor message in the chat and returns how
// many messages changed.
func (r *PostgresRepo) MarkRead(ctx context.Context, chatID string) (int64, error) {
	var affected int64
	err := r.observed(ctx, "mark_read", "message", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		res := db.Model(&model.Message{}).
			Where("chat_id = ? AND sender = ? AND is_read = ?", chatID, model.SenderVisitor, false).
			Update("is_read", true)
		affected = res.RowsAffected
		return checkConstraintViolation(res.Error)
	})
	return affected, err
}

// UnreadCount returns the number of unread visitor messages across a tenant.
func (r *PostgresRepo) UnreadCount(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := r.observed(ctx, "unread_count", "message", tenantID, readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.Model(&model.Message{}).
			Where("tenant_id = ? AND sender = ? AND is_read = ?", tenantID, model.SenderVisitor, false).
			Count(&count).Error)
	})
	return count, err
}

// EditMessage replaces the text of a message and stamps the edit time.
func (r *PostgresRepo) EditMessage(ctx context.Context, messageID, text string) (*model.Message, error) {
	var msg model.Message
	err := r.observed(ctx, "edit", "message", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		return inTx(ctx, db, func(tx *gorm.DB) error {
			if err := tx.Where("id = ?", messageID).Take(&msg).Error; err != nil {
				return checkConstraintViolation(err)
			}
			now := utils.Now()
			if err := tx.Model(&msg).Updates(map[string]interface{}{"text": text, "edited_at": now}).Error; err != nil {
				return checkConstraintViolation(err)
			}
			msg.Text = text
			msg.EditedAt = &now
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a single message.
func (r *PostgresRepo) DeleteMessage(ctx context.Context, messageID string) error {
	return r.observed(ctx, "delete", "message", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		res := db.Where("id = ?", messageID).Delete(&model.Message{})
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: message %s", apperrors.ErrNotFound, messageID)
		}
		return nil
	})
}

// ClearMessages removes every message of a chat, keeping the chat itself.
func (r *PostgresRepo) ClearMessages(ctx context.Context, chatID string) (int64, error) {
	var affected int64
	err := r.observed(ctx, "clear", "message", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		res := db.Where("chat_id = ?", chatID).Delete(&model.Message{})
		affected = res.RowsAffected
		return checkConstraintViolation(res.Error)
	})
	return affected, err
}
