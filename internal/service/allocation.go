package service

import (
	"fmt"
	"sort"
	"time"

	"pointledger/internal/model"
)

// ============================================================================
// 扣款分配（纯内存计算）
// ============================================================================
//
// 在账户锁内读取一次快照，先在内存中算出全部出账行，再在同一个事务里写库。
// 分配失败时没有任何写操作发生，不需要嵌套回滚。
//
//   类别顺序：PROMO -> SUB -> PAID -> BONUS
//   批次顺序：expires_at 升序，相同时按 id 升序
//   已到期但还没被扫描的批次计入账面余额，但不可消费
//
// ============================================================================

// snapshot 锁内读取的账户状态
type snapshot struct {
	now  time.Time
	book map[model.Category]int64      // 类别账面余额（流水汇总）
	lots map[model.Category][]*model.Lot // 剩余大于0的批次，先到期在前
}

func newSnapshot(now time.Time, book map[model.Category]int64, lots []*model.Lot) *snapshot {
	s := &snapshot{
		now:  now,
		book: book,
		lots: make(map[model.Category][]*model.Lot),
	}
	if s.book == nil {
		s.book = make(map[model.Category]int64)
	}

	sorted := make([]*model.Lot, len(lots))
	copy(sorted, lots)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ExpiresAt.Equal(sorted[j].ExpiresAt) {
			return sorted[i].ExpiresAt.Before(sorted[j].ExpiresAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	for _, lot := range sorted {
		if lot.AmountRemaining > 0 {
			s.lots[lot.Category] = append(s.lots[lot.Category], lot)
		}
	}
	return s
}

// available 类别可用余额：批次型为未过期批次剩余之和，资金池为账面余额
func (s *snapshot) available(c model.Category) int64 {
	if c.LotBased() {
		var sum int64
		for _, lot := range s.lots[c] {
			if !lot.Expired(s.now) {
				sum += lot.AmountRemaining
			}
		}
		return sum
	}
	if s.book[c] < 0 {
		return 0
	}
	return s.book[c]
}

// expired 已到期待扫描的批次，按先到期在前
func (s *snapshot) expired() []*model.Lot {
	var out []*model.Lot
	for _, c := range model.LotCategories() {
		for _, lot := range s.lots[c] {
			if lot.Expired(s.now) {
				out = append(out, lot)
			}
		}
	}
	return out
}

// draw 一条待写入的出账行，Amount 为正数
type draw struct {
	Category model.Category
	Lot      *model.Lot
	Amount   int64
	Before   int64
	After    int64
}

// planDraws 按 categories 的顺序凑出 amount，不足时整体失败
//
// 只读快照，不修改任何批次；Before/After 为逐行推进的类别账面余额。
func (s *snapshot) planDraws(categories []model.Category, amount int64) ([]draw, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	var total int64
	for _, c := range categories {
		total += s.available(c)
	}
	if total < amount {
		return nil, fmt.Errorf("%w: 需要 %d，可用 %d", ErrInsufficientBalance, amount, total)
	}

	running := make(map[model.Category]int64, len(categories))
	for _, c := range categories {
		running[c] = s.book[c]
	}

	var draws []draw
	remaining := amount
	for _, c := range categories {
		if remaining == 0 {
			break
		}

		if c.LotBased() {
			for _, lot := range s.lots[c] {
				if remaining == 0 {
					break
				}
				if lot.Expired(s.now) {
					continue
				}
				take := min64(lot.AmountRemaining, remaining)
				draws = append(draws, draw{Category: c, Lot: lot, Amount: take, Before: running[c], After: running[c] - take})
				running[c] -= take
				remaining -= take
			}
			continue
		}

		take := min64(s.available(c), remaining)
		if take <= 0 {
			continue
		}
		draws = append(draws, draw{Category: c, Amount: take, Before: running[c], After: running[c] - take})
		running[c] -= take
		remaining -= take
	}

	if remaining > 0 {
		// available 已校验过总额，走到这里说明快照自相矛盾
		return nil, fmt.Errorf("%w: 分配后仍剩余 %d", ErrLedgerInconsistent, remaining)
	}
	return draws, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ============================================================================
// PAID 退款血缘
// ============================================================================
//
// 按 id 顺序回放 PAID 流水，得到每笔正向来源（入账、正向调账、释放）还剩多少未被消费：
//   - 正向流水入队，成为新的来源
//   - refund 流水只冲减 SourceID 指向的来源
//   - 其他负向流水（扣费、负向调账）按先进先出消耗最早仍有剩余的来源
//
// 资金池余额恒等于全部来源剩余之和，所以可退额度不会超过池子余额。
//
// ============================================================================

func paidLineage(lines []*model.Transaction) map[int64]int64 {
	remaining := make(map[int64]int64)
	var queue []int64

	for _, t := range lines {
		switch {
		case t.Amount > 0:
			remaining[t.ID] = t.Amount
			queue = append(queue, t.ID)
		case t.Kind == model.KindRefund && t.SourceID != nil:
			remaining[*t.SourceID] += t.Amount
			if remaining[*t.SourceID] < 0 {
				remaining[*t.SourceID] = 0
			}
		case t.Amount < 0:
			need := -t.Amount
			for len(queue) > 0 && need > 0 {
				head := queue[0]
				take := min64(remaining[head], need)
				remaining[head] -= take
				need -= take
				if remaining[head] == 0 {
					queue = queue[1:]
				}
			}
		}
	}
	return remaining
}
