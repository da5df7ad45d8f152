package service

import (
	"context"
	"errors"
	"fmt"

	"pointledger/internal/model"
	"pointledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 对账
// ============================================================================
//
// 从流水回放账户状态，与批次表、提现单比对：
//   1. 流水方向与类型一致（出账为负，入账为正）
//   2. 每个类别 balance_before/balance_after 首尾相接，且不为负
//   3. 每个批次的流水汇总等于批次剩余，且 0 <= 剩余 <= 发放
//   4. 批次型类别流水汇总等于该类别批次剩余之和
//   5. BONUS 冻结流水净额等于 RESERVED 提现单金额之和
//
// ============================================================================

// VerifyReport 单个账户的对账结果
type VerifyReport struct {
	UserID        int64    `json:"user_id"`
	Transactions  int      `json:"transactions"`
	Lots          int      `json:"lots"`
	Discrepancies []string `json:"discrepancies,omitempty"`
}

func (r *VerifyReport) OK() bool {
	return len(r.Discrepancies) == 0
}

func (r *VerifyReport) addf(format string, args ...interface{}) {
	r.Discrepancies = append(r.Discrepancies, fmt.Sprintf(format, args...))
}

// Verify 对单个账户做一次完整回放
func (s *LedgerService) Verify(ctx context.Context, userID int64) (*VerifyReport, error) {
	report := &VerifyReport{UserID: userID}

	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return report, nil
		}
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lines, err := s.transRepo.ListAll(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("查询流水失败: %w", err)
		}
		lots, err := s.lotRepo.ListByAccount(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("查询批次失败: %w", err)
		}
		held, err := s.withdrawalRepo.SumReserved(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("汇总冻结金额失败: %w", err)
		}

		reconcile(report, lines, lots, held)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !report.OK() {
		s.log.Error("对账不平",
			zap.Int64("user_id", userID),
			zap.Strings("discrepancies", report.Discrepancies),
		)
	}
	return report, nil
}

// VerifyAll 按账户 id 升序逐个对账，返回检查的账户数和不平的账户
func (s *LedgerService) VerifyAll(ctx context.Context, batchSize int) (int, []*VerifyReport, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var (
		checked int
		failed  []*VerifyReport
		cursor  int64
	)
	for {
		accounts, err := s.accountRepo.ListIDs(ctx, cursor, batchSize)
		if err != nil {
			return checked, failed, fmt.Errorf("查询账户失败: %w", err)
		}
		for _, a := range accounts {
			report, err := s.Verify(ctx, a.UserID)
			if err != nil {
				return checked, failed, err
			}
			checked++
			if !report.OK() {
				failed = append(failed, report)
			}
			cursor = a.ID
		}
		if len(accounts) < batchSize {
			return checked, failed, nil
		}
	}
}

// reconcile 纯计算，lines 必须按 id 升序
func reconcile(r *VerifyReport, lines []*model.Transaction, lots []*model.Lot, held int64) {
	r.Transactions = len(lines)
	r.Lots = len(lots)

	running := make(map[model.Category]int64)
	lotDelta := make(map[int64]int64)
	var holdNet int64

	for _, t := range lines {
		if !t.Kind.Valid() {
			r.addf("%s: 未知流水类型 %q", t.TransactionNo, t.Kind)
			continue
		}
		if !t.Category.Valid() {
			r.addf("%s: 未知类别 %q", t.TransactionNo, t.Category)
			continue
		}

		switch {
		case t.Amount == 0:
			r.addf("%s: 变动量为0", t.TransactionNo)
		case t.Kind.Outflow() && t.Amount > 0:
			r.addf("%s: %s 流水金额应为负，实际 %d", t.TransactionNo, t.Kind, t.Amount)
		case (t.Kind == model.KindCredit || t.Kind == model.KindRelease) && t.Amount < 0:
			r.addf("%s: %s 流水金额应为正，实际 %d", t.TransactionNo, t.Kind, t.Amount)
		}

		if t.BalanceBefore != running[t.Category] {
			r.addf("%s: %s 期初 %d，回放得到 %d", t.TransactionNo, t.Category, t.BalanceBefore, running[t.Category])
		}
		if t.BalanceAfter != t.BalanceBefore+t.Amount {
			r.addf("%s: 期末 %d 不等于期初 %d 加变动 %d", t.TransactionNo, t.BalanceAfter, t.BalanceBefore, t.Amount)
		}
		running[t.Category] += t.Amount
		if running[t.Category] < 0 {
			r.addf("%s: %s 余额为负 %d", t.TransactionNo, t.Category, running[t.Category])
		}

		if t.Category.LotBased() {
			if t.LotID == nil {
				r.addf("%s: %s 流水缺少批次", t.TransactionNo, t.Category)
			} else {
				lotDelta[*t.LotID] += t.Amount
			}
		}

		if t.Category == model.CategoryBonus && (t.Kind == model.KindHold || t.Kind == model.KindRelease) {
			holdNet -= t.Amount
		}
	}

	lotSum := make(map[model.Category]int64)
	for _, lot := range lots {
		if lot.AmountRemaining < 0 || lot.AmountRemaining > lot.AmountGranted {
			r.addf("批次 %s: 剩余 %d 超出 [0, %d]", lot.LotNo, lot.AmountRemaining, lot.AmountGranted)
		}
		if lotDelta[lot.ID] != lot.AmountRemaining {
			r.addf("批次 %s: 剩余 %d，流水回放得到 %d", lot.LotNo, lot.AmountRemaining, lotDelta[lot.ID])
		}
		lotSum[lot.Category] += lot.AmountRemaining
	}

	for _, c := range model.LotCategories() {
		if running[c] != lotSum[c] {
			r.addf("%s: 流水汇总 %d 不等于批次剩余之和 %d", c, running[c], lotSum[c])
		}
	}

	if holdNet != held {
		r.addf("BONUS 冻结净额 %d 不等于待处理提现 %d", holdNet, held)
	}
}
