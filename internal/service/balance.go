package service

import (
	"context"
	"errors"
	"fmt"

	"pointledger/internal/model"
	"pointledger/internal/repository"

	"gorm.io/gorm"
)

type CategoryBalance struct {
	Category model.Category `json:"category"`
	Amount   int64          `json:"amount"`
}

// Balance 账户余额
//
// Categories 按消费顺序排列；批次型为未过期批次剩余之和，资金池为账面余额。
// Held 为冻结中的提现金额，已从 BONUS 扣出，不计入 Total。
type Balance struct {
	UserID     int64             `json:"user_id"`
	Categories []CategoryBalance `json:"categories"`
	Held       int64             `json:"held"`
	Total      int64             `json:"total"`
}

// Of 某个类别的可用余额
func (b *Balance) Of(c model.Category) int64 {
	for _, cb := range b.Categories {
		if cb.Category == c {
			return cb.Amount
		}
	}
	return 0
}

func emptyBalance(userID int64) *Balance {
	b := &Balance{UserID: userID}
	for _, c := range model.ConsumptionOrder {
		b.Categories = append(b.Categories, CategoryBalance{Category: c})
	}
	return b
}

// GetBalance 查询余额
//
// 在一个只读事务内读取批次和流水汇总，不会看到进行中的变更的中间状态。
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return emptyBalance(userID), nil
		}
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	var balance *Balance
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap, err := s.loadSnapshot(ctx, tx, account.ID, s.now())
		if err != nil {
			return err
		}
		held, err := s.withdrawalRepo.SumReserved(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("汇总冻结金额失败: %w", err)
		}

		balance = &Balance{UserID: userID, Held: held}
		for _, c := range model.ConsumptionOrder {
			amount := snap.available(c)
			balance.Categories = append(balance.Categories, CategoryBalance{Category: c, Amount: amount})
			balance.Total += amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// OpenAccount 开户，已存在时直接返回
func (s *LedgerService) OpenAccount(ctx context.Context, userID int64) (*model.Account, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("用户ID不合法: %d", userID)
	}
	account, err := s.accountRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("开户失败: %w", err)
	}
	return account, nil
}

type TransactionPage struct {
	Total int64                `json:"total"`
	Items []*model.Transaction `json:"items"`
}

// ListTransactions 分页查询流水，最新的在前
func (s *LedgerService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) (*TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return &TransactionPage{Items: []*model.Transaction{}}, nil
		}
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	items, total, err := s.transRepo.ListByAccount(ctx, account.ID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return &TransactionPage{Total: total, Items: items}, nil
}

// GetTransaction 按流水号查询
func (s *LedgerService) GetTransaction(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	t, err := s.transRepo.GetByTransactionNo(ctx, nil, transactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionNo)
		}
		return nil, err
	}
	return t, nil
}
