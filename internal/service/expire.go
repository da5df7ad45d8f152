package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointledger/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExpireResult 单个账户一次过期处理的结果
type ExpireResult struct {
	UserID int64  `json:"user_id"`
	Lots   int    `json:"lots"`
	Amount int64  `json:"amount"`
	Lines  []Line `json:"lines"`
}

const expirePrefix = "expire:"

// ExpireReference 批次过期流水的 reference，按批次号保证同一批次只过期一次
func ExpireReference(lotNo string) string {
	return expirePrefix + lotNo
}

// ExpireLots 清零账户下所有已到期的批次
//
// 一个账户一个事务，每个批次写一行 expire 流水。
// 已经过期处理过的批次（剩余为0或 reference 已存在）静默跳过。
func (s *LedgerService) ExpireLots(ctx context.Context, userID int64) (result *ExpireResult, err error) {
	start := time.Now()
	defer func() { s.observe(opExpire, start, userID, "", false, err) }()

	result = &ExpireResult{UserID: userID}
	err = s.withAccount(ctx, userID, func(tx *gorm.DB, account *model.Account) error {
		now := s.now()
		snap, err := s.loadSnapshot(ctx, tx, account.ID, now)
		if err != nil {
			return err
		}

		running := make(map[model.Category]int64)
		for c, v := range snap.book {
			running[c] = v
		}

		var staged []*model.Transaction
		for _, lot := range snap.expired() {
			if err := s.expireLot(ctx, tx, account.ID, lot); err != nil {
				if errors.Is(err, ErrLotAlreadyExpired) {
					s.log.Debug("批次已过期处理，跳过", zap.String("lot_no", lot.LotNo))
					continue
				}
				return err
			}

			e := entry{kind: model.KindExpire, reference: ExpireReference(lot.LotNo)}
			line := s.newTransaction(account, e, 0, lot.Category, lot, -lot.AmountRemaining, running[lot.Category], now)
			running[lot.Category] = line.BalanceAfter
			staged = append(staged, line)
			result.Lots++
			result.Amount += lot.AmountRemaining
		}

		if len(staged) == 0 {
			return nil
		}
		if err := s.commit(ctx, tx, account, opExpire, "", staged, now); err != nil {
			return err
		}
		result.Lines = toLines(staged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// expireLot 清零单个批次，重复处理返回 ErrLotAlreadyExpired
func (s *LedgerService) expireLot(ctx context.Context, tx *gorm.DB, accountID int64, lot *model.Lot) error {
	if lot.AmountRemaining == 0 {
		return ErrLotAlreadyExpired
	}
	lines, err := s.findReference(ctx, tx, accountID, ExpireReference(lot.LotNo))
	if err != nil {
		return err
	}
	if lines != nil {
		return ErrLotAlreadyExpired
	}
	if err := s.lotRepo.Decrement(ctx, tx, lot.ID, lot.AmountRemaining); err != nil {
		return fmt.Errorf("清零批次 %s 失败: %w", lot.LotNo, err)
	}
	return nil
}

// ExpiredAccounts 有待过期批次的账户，按账户 id 升序
func (s *LedgerService) ExpiredAccounts(ctx context.Context, afterAccountID int64, limit int) ([]int64, int64, error) {
	accounts, err := s.lotRepo.FindAccountsWithExpired(ctx, s.now(), afterAccountID, limit)
	if err != nil {
		return nil, afterAccountID, fmt.Errorf("查询过期批次失败: %w", err)
	}
	userIDs := make([]int64, 0, len(accounts))
	cursor := afterAccountID
	for _, a := range accounts {
		userIDs = append(userIDs, a.UserID)
		cursor = a.AccountID
	}
	return userIDs, cursor, nil
}
