package service

import (
	"testing"
	"time"

	"pointledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allocNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testLot(id int64, c model.Category, remaining int64, expiresIn time.Duration) *model.Lot {
	return &model.Lot{
		ID:              id,
		LotNo:           "LOT" + string(rune('A'+id)),
		Category:        c,
		AmountGranted:   remaining,
		AmountRemaining: remaining,
		ExpiresAt:       allocNow.Add(expiresIn),
	}
}

func TestPlanDraws(t *testing.T) {
	day := 24 * time.Hour
	lots := []*model.Lot{
		testLot(1, model.CategoryPromo, 5, 10*day),
		testLot(2, model.CategoryPromo, 3, 2*day),
		testLot(3, model.CategoryPromo, 9, -day), // 已过期未扫描
		testLot(4, model.CategorySub, 4, 5*day),
		testLot(5, model.CategoryPromo, 0, day),
	}
	book := map[model.Category]int64{
		model.CategoryPromo: 17,
		model.CategorySub:   4,
		model.CategoryPaid:  6,
		model.CategoryBonus: 2,
	}
	snap := newSnapshot(allocNow, book, lots)

	assert.Equal(t, int64(8), snap.available(model.CategoryPromo))
	assert.Equal(t, int64(6), snap.available(model.CategoryPaid))
	require.Len(t, snap.expired(), 1)
	assert.Equal(t, int64(3), snap.expired()[0].ID)

	tests := []struct {
		name    string
		amount  int64
		want    []draw
		wantErr error
	}{
		{
			name:   "先到期的批次先扣",
			amount: 4,
			want: []draw{
				{Category: model.CategoryPromo, Lot: lots[1], Amount: 3, Before: 17, After: 14},
				{Category: model.CategoryPromo, Lot: lots[0], Amount: 1, Before: 14, After: 13},
			},
		},
		{
			name:   "跨类别",
			amount: 14,
			want: []draw{
				{Category: model.CategoryPromo, Lot: lots[1], Amount: 3, Before: 17, After: 14},
				{Category: model.CategoryPromo, Lot: lots[0], Amount: 5, Before: 14, After: 9},
				{Category: model.CategorySub, Lot: lots[3], Amount: 4, Before: 4, After: 0},
				{Category: model.CategoryPaid, Amount: 2, Before: 6, After: 4},
			},
		},
		{
			name:   "全部可用余额",
			amount: 20,
			want: []draw{
				{Category: model.CategoryPromo, Lot: lots[1], Amount: 3, Before: 17, After: 14},
				{Category: model.CategoryPromo, Lot: lots[0], Amount: 5, Before: 14, After: 9},
				{Category: model.CategorySub, Lot: lots[3], Amount: 4, Before: 4, After: 0},
				{Category: model.CategoryPaid, Amount: 6, Before: 6, After: 0},
				{Category: model.CategoryBonus, Amount: 2, Before: 2, After: 0},
			},
		},
		{name: "余额不足", amount: 21, wantErr: ErrInsufficientBalance},
		{name: "金额为0", amount: 0, wantErr: ErrInvalidAmount},
		{name: "金额为负", amount: -1, wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := snap.planDraws(model.ConsumptionOrder, tt.amount)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// 只读快照，规划不改变批次
	assert.Equal(t, int64(5), lots[0].AmountRemaining)
	assert.Equal(t, int64(3), lots[1].AmountRemaining)
}

func TestPlanDraws_SameExpiryOrderedByID(t *testing.T) {
	lots := []*model.Lot{
		testLot(7, model.CategorySub, 2, time.Hour),
		testLot(6, model.CategorySub, 2, time.Hour),
	}
	snap := newSnapshot(allocNow, map[model.Category]int64{model.CategorySub: 4}, lots)

	got, err := snap.planDraws([]model.Category{model.CategorySub}, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(6), got[0].Lot.ID)
	assert.Equal(t, int64(2), got[0].Amount)
	assert.Equal(t, int64(7), got[1].Lot.ID)
	assert.Equal(t, int64(1), got[1].Amount)
}

func TestPlanDraws_NegativePoolCountsAsEmpty(t *testing.T) {
	snap := newSnapshot(allocNow, map[model.Category]int64{model.CategoryPaid: -3}, nil)
	assert.Equal(t, int64(0), snap.available(model.CategoryPaid))

	_, err := snap.planDraws([]model.Category{model.CategoryPaid}, 1)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func paidLine(id int64, kind model.Kind, amount int64, source int64) *model.Transaction {
	t := &model.Transaction{ID: id, Kind: kind, Category: model.CategoryPaid, Amount: amount}
	if source > 0 {
		t.SourceID = &source
	}
	return t
}

func TestPaidLineage(t *testing.T) {
	tests := []struct {
		name  string
		lines []*model.Transaction
		want  map[int64]int64
	}{
		{
			name:  "无消费",
			lines: []*model.Transaction{paidLine(1, model.KindCredit, 20, 0)},
			want:  map[int64]int64{1: 20},
		},
		{
			name: "扣费先消耗最早的入账",
			lines: []*model.Transaction{
				paidLine(1, model.KindCredit, 10, 0),
				paidLine(2, model.KindCredit, 10, 0),
				paidLine(3, model.KindDebit, -12, 0),
			},
			want: map[int64]int64{1: 0, 2: 8},
		},
		{
			name: "退款只冲减来源",
			lines: []*model.Transaction{
				paidLine(1, model.KindCredit, 10, 0),
				paidLine(2, model.KindCredit, 10, 0),
				paidLine(3, model.KindRefund, -4, 2),
				paidLine(4, model.KindDebit, -11, 0),
			},
			want: map[int64]int64{1: 0, 2: 5},
		},
		{
			name: "负向调账按先进先出",
			lines: []*model.Transaction{
				paidLine(1, model.KindCredit, 5, 0),
				paidLine(2, model.KindAdjust, -3, 0),
				paidLine(3, model.KindAdjust, 4, 0),
				paidLine(4, model.KindDebit, -3, 0),
			},
			want: map[int64]int64{1: 0, 3: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, paidLineage(tt.lines))
		})
	}
}
