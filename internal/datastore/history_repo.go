package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AlertRepository persists alert lifecycle transitions.
type AlertRepository interface {
	SaveHistory(ctx context.Context, row *AlertHistoryRow) error
	ListHistorySince(ctx context.Context, since time.Time) ([]AlertHistoryRow, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates an AlertRepository backed by the store.
func NewAlertRepository(store *Store) AlertRepository {
	return &alertRepository{db: store.DB()}
}

func (r *alertRepository) SaveHistory(ctx context.Context, row *AlertHistoryRow) error {
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to save alert history: %w", err)
	}
	return nil
}

func (r *alertRepository) ListHistorySince(ctx context.Context, since time.Time) ([]AlertHistoryRow, error) {
	var rows []AlertHistoryRow
	err := r.db.WithContext(ctx).
		Where("occurred_at >= ?", since).
		Order("occurred_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list alert history: %w", err)
	}
	return rows, nil
}

func (r *alertRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("occurred_at < ?", cutoff).Delete(&AlertHistoryRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune alert history before %v: %w", cutoff, result.Error)
	}
	return result.RowsAffected, nil
}

// RecoveryRepository persists executed recovery actions.
type RecoveryRepository interface {
	Save(ctx context.Context, row *RecoveryHistoryRow) error
	ListSince(ctx context.Context, since time.Time) ([]RecoveryHistoryRow, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type recoveryRepository struct {
	db *gorm.DB
}

// NewRecoveryRepository creates a RecoveryRepository backed by the store.
func NewRecoveryRepository(store *Store) RecoveryRepository {
	return &recoveryRepository{db: store.DB()}
}

func (r *recoveryRepository) Save(ctx context.Context, row *RecoveryHistoryRow) error {
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to save recovery history: %w", err)
	}
	return nil
}

func (r *recoveryRepository) ListSince(ctx context.Context, since time.Time) ([]RecoveryHistoryRow, error) {
	var rows []RecoveryHistoryRow
	err := r.db.WithContext(ctx).
		Where("executed_at >= ?", since).
		Order("executed_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery history: %w", err)
	}
	return rows, nil
}

func (r *recoveryRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("executed_at < ?", cutoff).Delete(&RecoveryHistoryRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune recovery history before %v: %w", cutoff, result.Error)
	}
	return result.RowsAffected, nil
}
