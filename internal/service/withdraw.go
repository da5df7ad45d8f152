package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointledger/internal/model"
	"pointledger/internal/repository"
	"pointledger/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// BONUS 提现
// ============================================================================
//
// 两阶段：
//
//   Reserve  : 创建提现单(RESERVED)，写 hold 流水从 BONUS 扣出
//   Confirm  : 外部打款成功，写 release(+X) 和 withdraw(-X)，状态 CONFIRMED
//   Cancel   : 外部打款失败，写 release(+X) 退回 BONUS，状态 CANCELLED
//
// 三个阶段的流水分别使用 reference、reference#confirm、reference#cancel，
// 各自幂等；终态重复调用返回原结果，相反的终态调用返回 ErrWithdrawalState。
//
// ============================================================================

const (
	confirmSuffix = "#confirm"
	cancelSuffix  = "#cancel"
)

type WithdrawRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference" binding:"required"`
}

type WithdrawalResult struct {
	WithdrawalNo string `json:"withdrawal_no"`
	Reference    string `json:"reference"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	PayoutRef    string `json:"payout_ref,omitempty"`
	Lines        []Line `json:"lines"`
}

func withdrawalResult(w *model.Withdrawal, status string, lines []*model.Transaction) *WithdrawalResult {
	result := &WithdrawalResult{
		WithdrawalNo: w.WithdrawalNo,
		Reference:    w.Reference,
		Amount:       w.Amount,
		Status:       status,
		Lines:        toLines(lines),
	}
	if status == model.WithdrawalStatusConfirmed {
		result.PayoutRef = w.PayoutRef
	}
	return result
}

// ReserveWithdrawal 冻结 BONUS 余额
func (s *LedgerService) ReserveWithdrawal(ctx context.Context, req *WithdrawRequest) (result *WithdrawalResult, err error) {
	start := time.Now()
	replayed := false
	defer func() { s.observe(opWithdrawReserve, start, req.UserID, req.Reference, replayed, err) }()

	if req.Amount <= 0 || req.Amount < s.opts.MinWithdrawAmount {
		return nil, fmt.Errorf("%w: %d，最小提现 %d", ErrInvalidAmount, req.Amount, s.opts.MinWithdrawAmount)
	}
	if req.Reference == "" {
		return nil, ErrMissingReference
	}
	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}

	err = s.withAccount(ctx, req.UserID, func(tx *gorm.DB, account *model.Account) error {
		w, err := s.withdrawalRepo.GetByReference(ctx, tx, account.ID, req.Reference)
		if err == nil {
			replayed = true
			result, err = s.withdrawalReplay(ctx, tx, account.ID, w, model.WithdrawalStatusReserved)
			return err
		}
		if !errors.Is(err, repository.ErrWithdrawalNotFound) {
			return fmt.Errorf("查询提现单失败: %w", err)
		}

		// reference 可能已被其他类型的操作占用
		if lines, err := s.findReference(ctx, tx, account.ID, req.Reference); err != nil {
			return err
		} else if lines != nil {
			return expectKind(lines, model.KindHold)
		}

		book, err := s.transRepo.SumByCategory(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("汇总余额失败: %w", err)
		}
		before := book[model.CategoryBonus]
		if before < req.Amount {
			return fmt.Errorf("%w: BONUS 可用 %d，申请提现 %d", ErrInsufficientBalance, before, req.Amount)
		}

		now := s.now()
		w = &model.Withdrawal{
			WithdrawalNo: idgen.GenerateWithdrawalNo(),
			AccountID:    account.ID,
			Reference:    req.Reference,
			Amount:       req.Amount,
			Status:       model.WithdrawalStatusReserved,
		}
		if err := s.withdrawalRepo.Create(ctx, tx, w); err != nil {
			return fmt.Errorf("创建提现单失败: %w", err)
		}

		e := entry{kind: model.KindHold, reference: req.Reference, remark: w.WithdrawalNo}
		line := s.newTransaction(account, e, 0, model.CategoryBonus, nil, -req.Amount, before, now)
		staged := []*model.Transaction{line}
		if err := s.commit(ctx, tx, account, opWithdrawReserve, req.Reference, staged, now); err != nil {
			return err
		}

		result = withdrawalResult(w, w.Status, staged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConfirmWithdrawal 外部打款成功后确认提现
func (s *LedgerService) ConfirmWithdrawal(ctx context.Context, userID int64, reference, payoutRef string) (*WithdrawalResult, error) {
	return s.settleWithdrawal(ctx, opWithdrawConfirm, userID, reference, payoutRef, "", model.WithdrawalStatusConfirmed)
}

// CancelWithdrawal 取消提现，冻结金额退回 BONUS
func (s *LedgerService) CancelWithdrawal(ctx context.Context, userID int64, reference, reason string) (*WithdrawalResult, error) {
	return s.settleWithdrawal(ctx, opWithdrawCancel, userID, reference, "", reason, model.WithdrawalStatusCancelled)
}

func (s *LedgerService) settleWithdrawal(ctx context.Context, op string, userID int64, reference, payoutRef, reason, target string) (result *WithdrawalResult, err error) {
	start := time.Now()
	replayed := false
	defer func() { s.observe(op, start, userID, reference, replayed, err) }()

	if reference == "" {
		return nil, ErrMissingReference
	}

	err = s.withAccount(ctx, userID, func(tx *gorm.DB, account *model.Account) error {
		w, err := s.withdrawalRepo.GetByReference(ctx, tx, account.ID, reference)
		if err != nil {
			if errors.Is(err, repository.ErrWithdrawalNotFound) {
				return fmt.Errorf("%w: reference=%s", ErrWithdrawalNotFound, reference)
			}
			return fmt.Errorf("查询提现单失败: %w", err)
		}

		switch w.Status {
		case target:
			replayed = true
			result, err = s.withdrawalReplay(ctx, tx, account.ID, w, target)
			return err
		case model.WithdrawalStatusReserved:
		default:
			return fmt.Errorf("%w: 当前 %s，目标 %s", ErrWithdrawalState, w.Status, target)
		}

		book, err := s.transRepo.SumByCategory(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("汇总余额失败: %w", err)
		}
		before := book[model.CategoryBonus]

		now := s.now()
		e := entry{kind: model.KindRelease, remark: w.WithdrawalNo}
		if reason != "" {
			e.remark = w.WithdrawalNo + " " + reason
		}
		var staged []*model.Transaction
		if target == model.WithdrawalStatusConfirmed {
			e.reference = reference + confirmSuffix
			release := s.newTransaction(account, e, 0, model.CategoryBonus, nil, w.Amount, before, now)
			e.kind = model.KindWithdraw
			withdraw := s.newTransaction(account, e, 1, model.CategoryBonus, nil, -w.Amount, release.BalanceAfter, now)
			staged = []*model.Transaction{release, withdraw}
		} else {
			e.reference = reference + cancelSuffix
			staged = []*model.Transaction{s.newTransaction(account, e, 0, model.CategoryBonus, nil, w.Amount, before, now)}
		}

		if err := s.withdrawalRepo.UpdateStatus(ctx, tx, w.ID, w.Status, target, payoutRef, now); err != nil {
			return fmt.Errorf("%w: %v", ErrWithdrawalState, err)
		}
		if err := s.commit(ctx, tx, account, op, reference, staged, now); err != nil {
			return err
		}

		w.Status = target
		w.PayoutRef = payoutRef
		result = withdrawalResult(w, target, staged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// withdrawalReplay 取回某个阶段写入的流水，重建该阶段的返回结果
func (s *LedgerService) withdrawalReplay(ctx context.Context, tx *gorm.DB, accountID int64, w *model.Withdrawal, phase string) (*WithdrawalResult, error) {
	ref := w.Reference
	switch phase {
	case model.WithdrawalStatusConfirmed:
		ref += confirmSuffix
	case model.WithdrawalStatusCancelled:
		ref += cancelSuffix
	}
	lines, err := s.transRepo.FindByReference(ctx, tx, accountID, ref)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return withdrawalResult(w, phase, lines), nil
}
