package repository

import (
	"context"
	"errors"
	"time"

	"pointledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrWithdrawalNotFound = errors.New("提现单不存在")
	ErrWithdrawalStatus   = errors.New("提现单状态不合法")
)

type WithdrawalRepository struct {
	db *gorm.DB
}

func NewWithdrawalRepository(db *gorm.DB) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

func (r *WithdrawalRepository) Create(ctx context.Context, tx *gorm.DB, w *model.Withdrawal) error {
	return tx.WithContext(ctx).Create(w).Error
}

func (r *WithdrawalRepository) GetByReference(ctx context.Context, tx *gorm.DB, accountID int64, reference string) (*model.Withdrawal, error) {
	if tx == nil {
		tx = r.db
	}
	var w model.Withdrawal
	err := tx.WithContext(ctx).
		Where("account_id = ? AND reference = ?", accountID, reference).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

// UpdateStatus 条件更新状态，只允许状态机定义的流转
func (r *WithdrawalRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus, payoutRef string, at time.Time) error {
	if !model.CanWithdrawalTransition(fromStatus, toStatus) {
		return ErrWithdrawalStatus
	}

	result := tx.WithContext(ctx).
		Model(&model.Withdrawal{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":     toStatus,
			"payout_ref": payoutRef,
			"settled_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWithdrawalStatus
	}
	return nil
}

// SumReserved 账户冻结中的提现总额
func (r *WithdrawalRepository) SumReserved(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var total int64
	err := tx.WithContext(ctx).
		Model(&model.Withdrawal{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id = ? AND status = ?", accountID, model.WithdrawalStatusReserved).
		Scan(&total).Error
	return total, err
}
