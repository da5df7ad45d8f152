package repository

import (
	"context"
	"errors"
	"time"

	"pointledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrLotNotEnough = errors.New("批次剩余不足")
)

type LotRepository struct {
	db *gorm.DB
}

func NewLotRepository(db *gorm.DB) *LotRepository {
	return &LotRepository{db: db}
}

func (r *LotRepository) Create(ctx context.Context, tx *gorm.DB, lot *model.Lot) error {
	return tx.WithContext(ctx).Create(lot).Error
}

// ListOpen 返回账户下剩余大于0的批次，按过期时间、id 升序（先到期先消费）
func (r *LotRepository) ListOpen(ctx context.Context, tx *gorm.DB, accountID int64) ([]*model.Lot, error) {
	if tx == nil {
		tx = r.db
	}
	var lots []*model.Lot
	err := tx.WithContext(ctx).
		Where("account_id = ? AND amount_remaining > 0", accountID).
		Order("expires_at ASC, id ASC").
		Find(&lots).Error
	return lots, err
}

// ListByAccount 返回账户的全部批次（含已清零），对账使用
func (r *LotRepository) ListByAccount(ctx context.Context, tx *gorm.DB, accountID int64) ([]*model.Lot, error) {
	if tx == nil {
		tx = r.db
	}
	var lots []*model.Lot
	err := tx.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id ASC").
		Find(&lots).Error
	return lots, err
}

// Decrement 扣减批次剩余量
//
// 条件更新 amount_remaining >= amount，影响行数为0说明内存中的快照与库不一致，
// 调用方必须回滚整个操作。
func (r *LotRepository) Decrement(ctx context.Context, tx *gorm.DB, lotID int64, amount int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Lot{}).
		Where("id = ? AND amount_remaining >= ?", lotID, amount).
		Updates(map[string]interface{}{
			"amount_remaining": gorm.Expr("amount_remaining - ?", amount),
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLotNotEnough
	}
	return nil
}

// ExpiredAccount 有待过期批次的账户
type ExpiredAccount struct {
	AccountID int64
	UserID    int64
}

// FindAccountsWithExpired 查找存在已到期且剩余大于0批次的账户，按账户 id 升序分页
func (r *LotRepository) FindAccountsWithExpired(ctx context.Context, now time.Time, afterAccountID int64, limit int) ([]ExpiredAccount, error) {
	var out []ExpiredAccount
	err := r.db.WithContext(ctx).
		Table(model.Lot{}.TableName()+" AS l").
		Select("DISTINCT a.id AS account_id, a.user_id AS user_id").
		Joins("JOIN "+model.Account{}.TableName()+" AS a ON a.id = l.account_id").
		Where("l.expires_at <= ? AND l.amount_remaining > 0 AND a.id > ?", now, afterAccountID).
		Order("a.id ASC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}
