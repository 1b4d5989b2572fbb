package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

// ReplaceJobs makes jobs the complete pending set of a chat: every pending job is cancelled
// and the new ones inserted in a single transaction. The chat row is locked for the
// duration so replacements and cancellations for one chat never interleave, even across
// instances.
func (r *PostgresRepo) ReplaceJobs(ctx context.Context, chatID string, jobs []model.ScheduledJob) (int64, error) {
	var cancelled int64
	err := r.observed(ctx, "replace", "scheduled_job", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		cancelled = 0
		return inTx(ctx, db, func(tx *gorm.DB) error {
			if err := lockChat(tx, chatID); err != nil {
				return err
			}
			n, err := cancelPendingJobs(tx, chatID)
			if err != nil {
				return err
			}
			cancelled = n

			if len(jobs) == 0 {
				return nil
			}
			for i := range jobs {
				if jobs[i].ID == "" {
					jobs[i].ID = uuid.NewString()
				}
				jobs[i].ChatID = chatID
				jobs[i].Status = model.JobPending
			}
			return checkConstraintViolation(tx.Create(&jobs).Error)
		})
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to replace scheduled jobs", zap.String("chat_id", chatID), zap.Error(err))
		return 0, err
	}
	return cancelled, nil
}

// CancelJobs cancels every pending job of a chat. Cancelling nothing is not an error.
func (r *PostgresRepo) CancelJobs(ctx context.Context, chatID string) (int64, error) {
	var cancelled int64
	err := r.observed(ctx, "cancel", "scheduled_job", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		cancelled = 0
		return inTx(ctx, db, func(tx *gorm.DB) error {
			if err := lockChat(tx, chatID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			n, err := cancelPendingJobs(tx, chatID)
			cancelled = n
			return err
		})
	})
	return cancelled, err
}

// ClaimDueJobs atomically moves up to limit due jobs to processing and returns them.
// Jobs left in processing longer than lease (a crashed worker) are reclaimed. Rows locked by
// another worker are skipped, so every job is handed to exactly one claimant.
func (r *PostgresRepo) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.ScheduledJob, error) {
	var jobs []model.ScheduledJob
	err := r.observed(ctx, "claim", "scheduled_job", "", defaultRetryMaxElapsedTime, func(db *gorm.DB) error {
		jobs = nil
		return inTx(ctx, db, func(tx *gorm.DB) error {
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("(status = ? AND fire_at <= ?) OR (status = ? AND updated_at <= ?)",
					model.JobPending, now, model.JobProcessing, now.Add(-lease)).
				Order("fire_at ASC").
				Limit(limit).
				Find(&jobs).Error
			if err != nil {
				return checkConstraintViolation(err)
			}
			if len(jobs) == 0 {
				return nil
			}

			ids := make([]string, len(jobs))
			for i := range jobs {
				ids[i] = jobs[i].ID
				jobs[i].Status = model.JobProcessing
				jobs[i].Attempts++
				jobs[i].UpdatedAt = now
			}
			return checkConstraintViolation(tx.Model(&model.ScheduledJob{}).
				Where("id IN ?", ids).
				Updates(map[string]interface{}{
					"status":     model.JobProcessing,
					"attempts":   gorm.Expr("attempts + 1"),
					"updated_at": now,
				}).Error)
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FinishJob records a final status (done, discarded or failed) for a claimed job.
func (r *PostgresRepo) FinishJob(ctx context.Context, jobID string, status model.JobStatus, reason string) error {
	switch status {
	case model.JobDone, model.JobDiscarded, model.JobFailed:
	default:
		return fmt.Errorf("%w: %s is not a final job status", apperrors.ErrBadRequest, status)
	}
	return r.observed(ctx, "finish", "scheduled_job", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.Model(&model.ScheduledJob{}).
			Where("id = ? AND status = ?", jobID, model.JobProcessing).
			Updates(map[string]interface{}{"status": status, "last_error": reason, "updated_at": utils.Now()}).Error)
	})
}

// RescheduleJob returns a claimed job to the pending set to fire again at fireAt.
func (r *PostgresRepo) RescheduleJob(ctx context.Context, jobID string, fireAt time.Time, reason string) error {
	return r.observed(ctx, "reschedule", "scheduled_job", "", commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.Model(&model.ScheduledJob{}).
			Where("id = ? AND status = ?", jobID, model.JobProcessing).
			Updates(map[string]interface{}{
				"status":     model.JobPending,
				"fire_at":    fireAt,
				"last_error": reason,
				"updated_at": utils.Now(),
			}).Error)
	})
}

// PendingJobs lists the pending jobs of a chat ordered by fire time.
func (r *PostgresRepo) PendingJobs(ctx context.Context, chatID string) ([]model.ScheduledJob, error) {
	var jobs []model.ScheduledJob
	err := r.observed(ctx, "list_pending", "scheduled_job", "", readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.
			Where("chat_id = ? AND status = ?", chatID, model.JobPending).
			Order("fire_at ASC").
			Find(&jobs).Error)
	})
	return jobs, err
}

func lockChat(tx *gorm.DB, chatID string) error {
	var chat model.Chat
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", chatID).Take(&chat).Error
	if err != nil {
		return checkConstraintViolation(err)
	}
	return nil
}

func cancelPendingJobs(tx *gorm.DB, chatID string) (int64, error) {
	res := tx.Model(&model.ScheduledJob{}).
		Where("chat_id = ? AND status = ?", chatID, model.JobPending).
		Updates(map[string]interface{}{"status": model.JobCancelled, "updated_at": utils.Now()})
	if res.Error != nil {
		return 0, checkConstraintViolation(res.Error)
	}
	return res.RowsAffected, nil
}
