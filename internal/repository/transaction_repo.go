package repository

import (
	"context"
	"errors"

	"pointledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("流水不存在")
)

// TransactionRepository 流水表只提供插入和查询，没有更新和删除
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Append 批量追加流水
func (r *TransactionRepository) Append(ctx context.Context, tx *gorm.DB, lines []*model.Transaction) error {
	if len(lines) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&lines).Error
}

// FindByReference 按 (account, reference) 查找同一次操作写入的全部流水
func (r *TransactionRepository) FindByReference(ctx context.Context, tx *gorm.DB, accountID int64, reference string) ([]*model.Transaction, error) {
	var lines []*model.Transaction
	err := r.conn(tx).WithContext(ctx).
		Where("account_id = ? AND reference = ?", accountID, reference).
		Order("line_no ASC").
		Find(&lines).Error
	return lines, err
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.conn(tx).WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// CategorySum 类别账面余额
type CategorySum struct {
	Category model.Category
	Total    int64
}

// SumByCategory 按类别汇总流水变动量，即各类别账面余额
func (r *TransactionRepository) SumByCategory(ctx context.Context, tx *gorm.DB, accountID int64) (map[model.Category]int64, error) {
	var rows []CategorySum
	err := r.conn(tx).WithContext(ctx).
		Model(&model.Transaction{}).
		Select("category, COALESCE(SUM(amount), 0) AS total").
		Where("account_id = ?", accountID).
		Group("category").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	sums := make(map[model.Category]int64, len(rows))
	for _, row := range rows {
		sums[row.Category] = row.Total
	}
	return sums, nil
}

// ListByCategory 按 id 升序返回某类别的全部流水，用于退款血缘回放
func (r *TransactionRepository) ListByCategory(ctx context.Context, tx *gorm.DB, accountID int64, category model.Category) ([]*model.Transaction, error) {
	var lines []*model.Transaction
	err := r.conn(tx).WithContext(ctx).
		Where("account_id = ? AND category = ?", accountID, category).
		Order("id ASC").
		Find(&lines).Error
	return lines, err
}

// ListAll 按 id 升序返回账户全部流水，对账回放使用
func (r *TransactionRepository) ListAll(ctx context.Context, tx *gorm.DB, accountID int64) ([]*model.Transaction, error) {
	var lines []*model.Transaction
	err := r.conn(tx).WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id ASC").
		Find(&lines).Error
	return lines, err
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
