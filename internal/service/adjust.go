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

// AdjustRequest 人工调账
//
// 二次授权由调用方完成，这里只检查 Elevated 标记和操作人。
type AdjustRequest struct {
	UserID    int64          `json:"user_id" binding:"required"`
	Category  model.Category `json:"category" binding:"required"`
	Delta     int64          `json:"delta"`
	Reason    string         `json:"reason" binding:"required"`
	Actor     string         `json:"actor"`
	Elevated  bool           `json:"-"`
	ExpiresAt *time.Time     `json:"expires_at"`
	Reference string         `json:"reference"`
}

type AdjustResult struct {
	Reference string         `json:"reference,omitempty"`
	Category  model.Category `json:"category"`
	Delta     int64          `json:"delta"`
	Lines     []Line         `json:"lines"`
}

func adjustResultFrom(lines []*model.Transaction) (*AdjustResult, error) {
	if err := expectKind(lines, model.KindAdjust); err != nil {
		return nil, err
	}
	result := &AdjustResult{
		Reference: lines[0].Ref(),
		Category:  lines[0].Category,
		Lines:     toLines(lines),
	}
	for _, t := range lines {
		result.Delta += t.Amount
	}
	return result, nil
}

// Adjust 调账
//
// 正向：批次型类别新建批次，过期时间必须由调用方给出；资金池直接加。
// 负向：批次型类别按先到期先扣的顺序逐批扣减，每个批次一行；资金池不允许扣成负数。
func (s *LedgerService) Adjust(ctx context.Context, req *AdjustRequest) (result *AdjustResult, err error) {
	start := time.Now()
	replayed := false
	defer func() { s.observe(opAdjust, start, req.UserID, req.Reference, replayed, err) }()

	if !req.Elevated || req.Actor == "" {
		return nil, ErrUnauthorizedAdjustment
	}
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: 调账金额不能为0", ErrInvalidAmount)
	}
	if !req.Category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, req.Category)
	}

	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}

	if lines, err := s.lookupReference(ctx, req.UserID, req.Reference); err != nil {
		return nil, err
	} else if lines != nil {
		replayed = true
		return adjustResultFrom(lines)
	}

	err = s.withAccount(ctx, req.UserID, func(tx *gorm.DB, account *model.Account) error {
		lines, err := s.findReference(ctx, tx, account.ID, req.Reference)
		if err != nil {
			return err
		}
		if lines != nil {
			replayed = true
			result, err = adjustResultFrom(lines)
			return err
		}

		now := s.now()
		if err := checkAdjustExpiry(req, now); err != nil {
			return err
		}
		e := entry{kind: model.KindAdjust, reference: req.Reference, actor: req.Actor, remark: req.Reason}

		var staged []*model.Transaction
		if req.Delta > 0 {
			staged, err = s.adjustUp(ctx, tx, account, e, req, now)
		} else {
			staged, err = s.adjustDown(ctx, tx, account, e, req, now)
		}
		if err != nil {
			return err
		}
		if err := s.commit(ctx, tx, account, opAdjust, req.Reference, staged, now); err != nil {
			return err
		}

		result, err = adjustResultFrom(staged)
		return err
	})
	if errors.Is(err, ErrDuplicateReference) {
		lines, lerr := s.lookupReference(ctx, req.UserID, req.Reference)
		if lerr != nil || lines == nil {
			return nil, err
		}
		replayed = true
		return adjustResultFrom(lines)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkAdjustExpiry 正向批次调账必须给出未来的过期时间，其余调账不能指定
func checkAdjustExpiry(req *AdjustRequest, now time.Time) error {
	if req.Delta > 0 && req.Category.LotBased() {
		if req.ExpiresAt == nil || !req.ExpiresAt.After(now) {
			return fmt.Errorf("%w: %s 正向调账必须指定未来的过期时间", ErrInvalidExpiry, req.Category)
		}
		return nil
	}
	if req.ExpiresAt != nil {
		return fmt.Errorf("%w: 该调账不能指定过期时间", ErrInvalidExpiry)
	}
	return nil
}

func (s *LedgerService) adjustUp(ctx context.Context, tx *gorm.DB, account *model.Account, e entry, req *AdjustRequest, now time.Time) ([]*model.Transaction, error) {
	book, err := s.transRepo.SumByCategory(ctx, tx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("汇总余额失败: %w", err)
	}

	var lot *model.Lot
	if req.Category.LotBased() {
		lot = &model.Lot{
			LotNo:           idgen.GenerateLotNo(),
			AccountID:       account.ID,
			Category:        req.Category,
			AmountGranted:   req.Delta,
			AmountRemaining: req.Delta,
			GrantedAt:       now,
			ExpiresAt:       req.ExpiresAt.UTC(),
		}
		if err := s.lotRepo.Create(ctx, tx, lot); err != nil {
			return nil, fmt.Errorf("创建批次失败: %w", err)
		}
	}

	return []*model.Transaction{
		s.newTransaction(account, e, 0, req.Category, lot, req.Delta, book[req.Category], now),
	}, nil
}

func (s *LedgerService) adjustDown(ctx context.Context, tx *gorm.DB, account *model.Account, e entry, req *AdjustRequest, now time.Time) ([]*model.Transaction, error) {
	snap, err := s.loadSnapshot(ctx, tx, account.ID, now)
	if err != nil {
		return nil, err
	}
	draws, err := snap.planDraws([]model.Category{req.Category}, -req.Delta)
	if err != nil {
		return nil, err
	}
	return s.applyDraws(ctx, tx, account, e, draws, 0, now)
}
