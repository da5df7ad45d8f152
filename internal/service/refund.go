package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointledger/internal/model"
	"pointledger/internal/repository"

	"gorm.io/gorm"
)

type RefundRequest struct {
	TransactionNo string `json:"transaction_no" binding:"required"`
	// Amount 为0时退还全部可退额度；退款比例由调用方换算后传入
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
}

type RefundResult struct {
	TransactionNo       string `json:"transaction_no"`
	SourceTransactionNo string `json:"source_transaction_no"`
	Reference           string `json:"reference,omitempty"`
	Amount              int64  `json:"amount"`
	BalanceBefore       int64  `json:"balance_before"`
	BalanceAfter        int64  `json:"balance_after"`
}

func refundResultFrom(lines []*model.Transaction, source *model.Transaction) (*RefundResult, error) {
	if err := expectKind(lines, model.KindRefund); err != nil {
		return nil, err
	}
	t := lines[0]
	if t.SourceID == nil || *t.SourceID != source.ID {
		return nil, fmt.Errorf("%w: reference=%s 已用于其他入账的退款", ErrDuplicateReference, t.Ref())
	}
	return &RefundResult{
		TransactionNo:       t.TransactionNo,
		SourceTransactionNo: source.TransactionNo,
		Reference:           t.Ref(),
		Amount:              -t.Amount,
		BalanceBefore:       t.BalanceBefore,
		BalanceAfter:        t.BalanceAfter,
	}, nil
}

// Refund 退还一笔 PAID 入账中尚未被消费、也未被退过的部分
//
// 可退额度通过回放 PAID 流水的血缘得出，见 paidLineage。
func (s *LedgerService) Refund(ctx context.Context, req *RefundRequest) (result *RefundResult, err error) {
	start := time.Now()
	replayed := false
	var userID int64
	defer func() { s.observe(opRefund, start, userID, req.Reference, replayed, err) }()

	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}

	source, err := s.transRepo.GetByTransactionNo(ctx, nil, req.TransactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, fmt.Errorf("%w: 原始流水 %s 不存在", ErrRefundNotEligible, req.TransactionNo)
		}
		return nil, fmt.Errorf("查询原始流水失败: %w", err)
	}
	if source.Kind != model.KindCredit || !source.Category.Policy().Refundable {
		return nil, fmt.Errorf("%w: %s 不是 PAID 入账", ErrRefundNotEligible, req.TransactionNo)
	}

	account, err := s.accountRepo.GetByID(ctx, nil, source.AccountID)
	if err != nil {
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}
	userID = account.UserID

	if lines, err := s.lookupReference(ctx, userID, req.Reference); err != nil {
		return nil, err
	} else if lines != nil {
		replayed = true
		return refundResultFrom(lines, source)
	}

	err = s.withAccount(ctx, userID, func(tx *gorm.DB, account *model.Account) error {
		lines, err := s.findReference(ctx, tx, account.ID, req.Reference)
		if err != nil {
			return err
		}
		if lines != nil {
			replayed = true
			result, err = refundResultFrom(lines, source)
			return err
		}

		history, err := s.transRepo.ListByCategory(ctx, tx, account.ID, source.Category)
		if err != nil {
			return fmt.Errorf("查询 %s 流水失败: %w", source.Category, err)
		}

		eligible := paidLineage(history)[source.ID]
		if eligible <= 0 {
			return fmt.Errorf("%w: %s 已全部消费或退款", ErrRefundNotEligible, source.TransactionNo)
		}
		amount := req.Amount
		if amount == 0 {
			amount = eligible
		}
		if amount > eligible {
			return fmt.Errorf("%w: 申请 %d，可退 %d", ErrRefundNotEligible, amount, eligible)
		}

		var book int64
		for _, t := range history {
			book += t.Amount
		}

		now := s.now()
		sourceID := source.ID
		e := entry{kind: model.KindRefund, reference: req.Reference, actor: req.Actor, remark: req.Reason, sourceID: &sourceID}
		line := s.newTransaction(account, e, 0, source.Category, nil, -amount, book, now)
		if err := s.commit(ctx, tx, account, opRefund, req.Reference, []*model.Transaction{line}, now); err != nil {
			return err
		}

		result, err = refundResultFrom([]*model.Transaction{line}, source)
		return err
	})
	if errors.Is(err, ErrDuplicateReference) {
		lines, lerr := s.lookupReference(ctx, userID, req.Reference)
		if lerr != nil || lines == nil {
			return nil, err
		}
		replayed = true
		return refundResultFrom(lines, source)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
