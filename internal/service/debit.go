package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointledger/internal/model"

	"gorm.io/gorm"
)

type DebitRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount"`
	Feature   string `json:"feature" binding:"required"`
	Reference string `json:"reference"`
}

type DebitResult struct {
	Reference    string  `json:"reference,omitempty"`
	Feature      Feature `json:"feature"`
	TotalDebited int64   `json:"total_debited"`
	Lines        []Line  `json:"lines"`
}

func debitResultFrom(lines []*model.Transaction) (*DebitResult, error) {
	if err := expectKind(lines, model.KindDebit); err != nil {
		return nil, err
	}
	result := &DebitResult{
		Reference: lines[0].Ref(),
		Feature:   Feature(lines[0].Feature),
		Lines:     toLines(lines),
	}
	for _, t := range lines {
		result.TotalDebited -= t.Amount
	}
	return result, nil
}

// Debit 功能扣费
//
// 按 PROMO -> SUB -> PAID -> BONUS 的顺序消费，批次先到期先消费。
// 所有类别加起来不够时整体失败，不会写入任何流水。
// 调用方只有在扣费成功后才能执行被计费的动作。
// Feature 只接受 Features 中的枚举值，其他标签返回 ErrUnknownFeature。
func (s *LedgerService) Debit(ctx context.Context, req *DebitRequest) (result *DebitResult, err error) {
	start := time.Now()
	replayed := false
	defer func() { s.observe(opDebit, start, req.UserID, req.Reference, replayed, err) }()

	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	feature, err := ParseFeature(req.Feature)
	if err != nil {
		return nil, err
	}
	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}

	// 幂等预查
	if lines, err := s.lookupReference(ctx, req.UserID, req.Reference); err != nil {
		return nil, err
	} else if lines != nil {
		replayed = true
		return debitResultFrom(lines)
	}

	err = s.withAccount(ctx, req.UserID, func(tx *gorm.DB, account *model.Account) error {
		lines, err := s.findReference(ctx, tx, account.ID, req.Reference)
		if err != nil {
			return err
		}
		if lines != nil {
			replayed = true
			result, err = debitResultFrom(lines)
			return err
		}

		now := s.now()
		snap, err := s.loadSnapshot(ctx, tx, account.ID, now)
		if err != nil {
			return err
		}
		draws, err := snap.planDraws(model.ConsumptionOrder, req.Amount)
		if err != nil {
			return err
		}

		e := entry{kind: model.KindDebit, reference: req.Reference, feature: string(feature)}
		staged, err := s.applyDraws(ctx, tx, account, e, draws, 0, now)
		if err != nil {
			return err
		}
		if err := s.commit(ctx, tx, account, opDebit, req.Reference, staged, now); err != nil {
			return err
		}

		result, err = debitResultFrom(staged)
		return err
	})
	if errors.Is(err, ErrDuplicateReference) {
		lines, lerr := s.lookupReference(ctx, req.UserID, req.Reference)
		if lerr != nil || lines == nil {
			return nil, err
		}
		replayed = true
		return debitResultFrom(lines)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Charge 按定价表扣费
func (s *LedgerService) Charge(ctx context.Context, userID int64, feature, reference string) (*DebitResult, error) {
	f, err := ParseFeature(feature)
	if err != nil {
		return nil, err
	}
	if s.prices == nil {
		return nil, fmt.Errorf("%w: 未加载定价表", ErrUnknownFeature)
	}
	cost, err := s.prices.Cost(f)
	if err != nil {
		return nil, err
	}
	return s.Debit(ctx, &DebitRequest{
		UserID:    userID,
		Amount:    cost,
		Feature:   string(f),
		Reference: reference,
	})
}
