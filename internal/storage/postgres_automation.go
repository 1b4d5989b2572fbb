package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
)

// FindActiveRule returns the authoritative rule for a trigger: the active rule with the
// lowest order.
func (r *PostgresRepo) FindActiveRule(ctx context.Context, tenantID string, trigger model.TriggerKind) (*model.AutoReplyRule, error) {
	var rule model.AutoReplyRule
	err := r.observed(ctx, "find_active", "rule", tenantID, readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.
			Where("tenant_id = ? AND trigger = ? AND active = ?", tenantID, trigger, true).
			Order("sort_order ASC").
			Take(&rule).Error)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListActiveRules returns every active rule of a trigger ordered by rank.
func (r *PostgresRepo) ListActiveRules(ctx context.Context, tenantID string, trigger model.TriggerKind) ([]model.AutoReplyRule, error) {
	var rules []model.AutoReplyRule
	err := r.observed(ctx, "list_active", "rule", tenantID, readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.
			Where("tenant_id = ? AND trigger = ? AND active = ?", tenantID, trigger, true).
			Order("sort_order ASC").
			Find(&rules).Error)
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// GetBusinessHours returns the schedule of a tenant.
func (r *PostgresRepo) GetBusinessHours(ctx context.Context, tenantID string) (*model.BusinessHours, error) {
	var hours model.BusinessHours
	err := r.observed(ctx, "get", "business_hours", tenantID, readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.Where("tenant_id = ?", tenantID).Take(&hours).Error)
	})
	if err != nil {
		return nil, err
	}
	return &hours, nil
}

// EnsureDefaults seeds rules and business hours for a tenant that has none. Existing
// settings are never overwritten. seeded reports whether rules were inserted.
func (r *PostgresRepo) EnsureDefaults(ctx context.Context, tenantID string, rules []model.AutoReplyRule, hours model.BusinessHours) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenant id is required", apperrors.ErrBadRequest)
	}
	var seeded bool
	err := r.observed(ctx, "ensure_defaults", "rule", tenantID, commitRetryMaxElapsedTime, func(db *gorm.DB) error {
		seeded = false
		return inTx(ctx, db, func(tx *gorm.DB) error {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "defaults:"+tenantID).Error; err != nil {
				return checkConstraintViolation(err)
			}

			var count int64
			if err := tx.Model(&model.AutoReplyRule{}).Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if count == 0 && len(rules) > 0 {
				toInsert := make([]model.AutoReplyRule, len(rules))
				for i, rule := range rules {
					rule.TenantID = tenantID
					if rule.ID == "" {
						rule.ID = uuid.NewString()
					}
					toInsert[i] = rule
				}
				if err := tx.Create(&toInsert).Error; err != nil {
					return checkConstraintViolation(err)
				}
				seeded = true
			}

			hours.TenantID = tenantID
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&hours).Error; err != nil {
				return checkConstraintViolation(err)
			}
			return nil
		})
	})
	return seeded, err
}

// HasTenantAccess reports whether an operator may act on a tenant.
func (r *PostgresRepo) HasTenantAccess(ctx context.Context, tenantID, operatorID string) (bool, error) {
	var count int64
	err := r.observed(ctx, "has_access", "tenant_operator", tenantID, readRetryMaxElapsedTime, func(db *gorm.DB) error {
		return checkConstraintViolation(db.Model(&model.TenantAccess{}).
			Where("tenant_id = ? AND operator_id = ?", tenantID, operatorID).
			Count(&count).Error)
	})
	return count > 0, err
}
