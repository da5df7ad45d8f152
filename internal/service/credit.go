package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointledger/internal/model"
	"pointledger/pkg/idgen"

	"gorm.io/gorm"
)

type CreditRequest struct {
	UserID   int64          `json:"user_id" binding:"required"`
	Category model.Category `json:"category" binding:"required"`
	Amount   int64          `json:"amount"`
	// Kind 只能为 credit，留空视为 credit
	Kind      model.Kind `json:"kind"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reference string     `json:"reference"`
	Remark    string     `json:"remark"`
}

type CreditResult struct {
	TransactionNo string         `json:"transaction_no"`
	Reference     string         `json:"reference,omitempty"`
	Category      model.Category `json:"category"`
	LotNo         string         `json:"lot_no,omitempty"`
	Amount        int64          `json:"amount"`
	BalanceBefore int64          `json:"balance_before"`
	BalanceAfter  int64          `json:"balance_after"`
}

func creditResultFrom(lines []*model.Transaction) (*CreditResult, error) {
	if err := expectKind(lines, model.KindCredit); err != nil {
		return nil, err
	}
	t := lines[0]
	return &CreditResult{
		TransactionNo: t.TransactionNo,
		Reference:     t.Ref(),
		Category:      t.Category,
		LotNo:         t.LotNo,
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
	}, nil
}

// Credit 入账
//
// 批次型类别新建一个批次，资金池类别只写一行流水。
// reference 已存在时不做任何修改，直接返回首次入账的结果。
func (s *LedgerService) Credit(ctx context.Context, req *CreditRequest) (result *CreditResult, err error) {
	start := time.Now()
	replayed := false
	defer func() { s.observe(opCredit, start, req.UserID, req.Reference, replayed, err) }()

	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	if !req.Category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, req.Category)
	}
	if req.Kind != "" && req.Kind != model.KindCredit {
		return nil, fmt.Errorf("%w: 入账只能为 %s，收到 %q", ErrInvalidKind, model.KindCredit, req.Kind)
	}

	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}

	// 幂等预查，过期时间依赖当前时间，重放时不再校验
	if lines, err := s.lookupReference(ctx, req.UserID, req.Reference); err != nil {
		return nil, err
	} else if lines != nil {
		replayed = true
		return creditResultFrom(lines)
	}

	err = s.withAccount(ctx, req.UserID, func(tx *gorm.DB, account *model.Account) error {
		// 获取锁后再次检查幂等
		lines, err := s.findReference(ctx, tx, account.ID, req.Reference)
		if err != nil {
			return err
		}
		if lines != nil {
			replayed = true
			result, err = creditResultFrom(lines)
			return err
		}

		now := s.now()
		expiresAt, err := req.Category.ResolveExpiry(now, req.ExpiresAt, s.opts.PromoWindow)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExpiry, err)
		}

		book, err := s.transRepo.SumByCategory(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("汇总余额失败: %w", err)
		}

		var lot *model.Lot
		if req.Category.LotBased() {
			lot = &model.Lot{
				LotNo:           idgen.GenerateLotNo(),
				AccountID:       account.ID,
				Category:        req.Category,
				AmountGranted:   req.Amount,
				AmountRemaining: req.Amount,
				GrantedAt:       now,
				ExpiresAt:       expiresAt,
			}
			if err := s.lotRepo.Create(ctx, tx, lot); err != nil {
				return fmt.Errorf("创建批次失败: %w", err)
			}
		}

		e := entry{kind: model.KindCredit, reference: req.Reference, remark: req.Remark}
		line := s.newTransaction(account, e, 0, req.Category, lot, req.Amount, book[req.Category], now)
		if err := s.commit(ctx, tx, account, opCredit, req.Reference, []*model.Transaction{line}, now); err != nil {
			return err
		}

		result, err = creditResultFrom([]*model.Transaction{line})
		return err
	})
	if errors.Is(err, ErrDuplicateReference) {
		return s.replayCredit(ctx, req, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// replayCredit 唯一键冲突说明并发请求已经先写入，按 reference 取回其结果
func (s *LedgerService) replayCredit(ctx context.Context, req *CreditRequest, cause error) (*CreditResult, error) {
	lines, err := s.lookupReference(ctx, req.UserID, req.Reference)
	if err != nil || lines == nil {
		return nil, cause
	}
	return creditResultFrom(lines)
}
