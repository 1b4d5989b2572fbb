package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/tenant"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

// FindOrCreateChat returns the current chat of a visitor. A closed chat is reopened and a
// missing one is created. created reports whether a new row was inserted. Concurrent calls
// for the same visitor are serialized with a transaction-scoped advisory lock.
func (r *PostgresRepo) FindOrCreateChat(ctx context.Context, tenantID, visitorID string) (*model.Chat, bool, error) {
	if err := tenant.CheckTenant(ctx, tenantID); err != nil {
		return nil, false, fmt.Errorf("%w: %w", apperrors.ErrForbidden, err)
	}
	if tenantID == "" || visitorID == "" {
		return nil, false, fmt.Errorf("%w: tenant and visitor ids are required", apperrors.ErrBadRequest)
	}

	var chat model.Chat
	var created bool
	err := r.observed(ctx, "find_or_create", "chat", tenantID, commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		created = false
		return inTx(ctx, db, func(tx *gorm.DB) error {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", tenantID+":"+visitorID).Error; err != nil {
				return checkConstraintViolation(err)
			}

			err := tx.Where("tenant_id = ? AND visitor_id = ?", tenantID, visitorID).
				Order("created_at DESC").
				Take(&chat).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				now := utils.Now()
				chat = model.Chat{
					ID:        uuid.NewString(),
					TenantID:  tenantID,
					VisitorID: visitorID,
					Status:    model.ChatStatusOpen,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.Create(&chat).Error; err != nil {
					return checkConstraintViolation(err)
				}
				created = true
				return nil
			}
			if err != nil {
				return checkConstraintViolation(err)
			}

			if chat.IsClosed() {
				if err := tx.Model(&chat).Updates(map[string]interface{}{
					"status":     model.ChatStatusOpen,
					"updated_at": utils.Now(),
				}).Error; err != nil {
					return checkConstraintViolation(err)
				}
				chat.Status = model.ChatStatusOpen
			}
			return nil
		})
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to find or create chat",
			zap.String("tenant_id", tenantID), zap.String("visitor_id", visitorID), zap.Error(err))
		return nil, false, err
	}
	return &chat, created, nil
}

// FindLatestChat returns the most recent chat of a visitor, open or closed.
func (r *PostgresRepo) FindLatestChat(ctx context.Context, tenantID, visitorID string) (*model.Chat, error) {
	var chat model.Chat
	err := r.observed(ctx, "find_latest", "chat", tenantID, readRetryMaxElapsedTime, func(db *gorm.DB) error {
		err := db.Where("tenant_id = ? AND visitor_id = ?", tenantID, visitorID).
			Order("created_at DESC").
			Take(&chat).Error
		return checkConstraintViolation(err)
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetChat finds a chat by id.
func (r *PostgresRepo) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var chat model.Chat
	err := r.observed(ctx, "get", "chat", "", readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.Where("id = ?", chatID).Take(&chat).Error)
	})
	if err != nil {
		return nil, err
	}
	if err := tenant.CheckTenant(ctx, chat.TenantID); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}
	return &chat, nil
}

// SetChatStatus updates the status of a chat.
func (r *PostgresRepo) SetChatStatus(ctx context.Context, chatID string, status model.ChatStatus) error {
	return r.updateChat(ctx, "set_status", chatID, map[string]interface{}{"status": status})
}

// RenameVisitor stores the display name the visitor supplied.
func (r *PostgresRepo) RenameVisitor(ctx context.Context, chatID, name string) error {
	return r.updateChat(ctx, "rename", chatID, map[string]interface{}{"visitor_name": name})
}

func (r *PostgresRepo) updateChat(ctx context.Context, op, chatID string, fields map[string]interface{}) error {
	fields["updated_at"] = utils.Now()
	return r.observed(ctx, op, "chat", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		res := db.Model(&model.Chat{}).Where("id = ?", chatID).Updates(fields)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: chat %s", apperrors.ErrNotFound, chatID)
		}
		return nil
	})
}

// DeleteChat removes a chat with its messages and cancels its pending jobs.
func (r *PostgresRepo) DeleteChat(ctx context.Context, chatID string) error {
	return r.observed(ctx, "delete", "chat", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		return inTx(ctx, db, func(tx *gorm.DB) error {
			var chat model.Chat
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", chatID).Take(&chat).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if _, err := cancelPendingJobs(tx, chatID); err != nil {
				return err
			}
			if err := tx.Where("chat_id = ?", chatID).Delete(&model.Message{}).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if err := tx.Delete(&chat).Error; err != nil {
				return checkConstraintViolation(err)
			}
			return nil
		})
	})
}
