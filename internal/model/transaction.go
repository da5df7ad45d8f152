package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 流水类型
// ============================================================================

// Kind 流水类型
type Kind string

const (
	KindCredit   Kind = "credit"   // 入账
	KindDebit    Kind = "debit"    // 功能扣费
	KindAdjust   Kind = "adjust"   // 人工调账
	KindRefund   Kind = "refund"   // PAID 退款
	KindWithdraw Kind = "withdraw" // BONUS 提现完成
	KindExpire   Kind = "expire"   // 批次过期
	KindHold     Kind = "hold"     // 提现冻结
	KindRelease  Kind = "release"  // 冻结释放
)

// Valid 是否为合法流水类型
func (k Kind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindAdjust, KindRefund, KindWithdraw, KindExpire, KindHold, KindRelease:
		return true
	default:
		return false
	}
}

// Outflow 该类型的流水金额是否必须为负
func (k Kind) Outflow() bool {
	switch k {
	case KindDebit, KindRefund, KindWithdraw, KindExpire, KindHold:
		return true
	case KindCredit, KindRelease:
		return false
	case KindAdjust:
		return false // 调账可正可负
	default:
		panic(fmt.Sprintf("model: 未知流水类型 %q", string(k)))
	}
}

// ============================================================================
// 账户流水
// ============================================================================

// Transaction 积分流水
//
// 【设计原则】
// 1. 只追加，不修改，不删除
// 2. Amount 为有符号变动量，BalanceBefore/BalanceAfter 为该类别账面余额
// 3. 同一次操作可能写多行（每个批次/资金池一行），用 LineNo 区分
// 4. (account_id, reference, line_no) 唯一，一个 reference 只能被一次操作占用
type Transaction struct {
	ID            int64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string   `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID     int64    `gorm:"not null;index:idx_txn_account_created,priority:1;uniqueIndex:uk_txn_account_reference,priority:1" json:"account_id"`
	Category      Category `gorm:"type:varchar(16);not null" json:"category"`
	LotID         *int64   `gorm:"index" json:"lot_id,omitempty"`
	LotNo         string   `gorm:"type:varchar(64)" json:"lot_no,omitempty"`
	Kind          Kind     `gorm:"type:varchar(16);not null" json:"kind"`
	Amount        int64    `gorm:"not null" json:"amount"`
	BalanceBefore int64    `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64    `gorm:"not null" json:"balance_after"`
	Reference     *string  `gorm:"type:varchar(128);uniqueIndex:uk_txn_account_reference,priority:2" json:"reference,omitempty"`
	LineNo        int      `gorm:"not null;default:0;uniqueIndex:uk_txn_account_reference,priority:3" json:"line_no"`
	// SourceID 指向被退款的原始入账流水
	SourceID  *int64    `gorm:"index" json:"source_id,omitempty"`
	Feature   string    `gorm:"type:varchar(32)" json:"feature,omitempty"`
	Actor     string    `gorm:"type:varchar(64)" json:"actor,omitempty"`
	Remark    string    `gorm:"type:varchar(256)" json:"remark,omitempty"`
	CreatedAt time.Time `gorm:"not null;index:idx_txn_account_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string {
	return "ledger_transaction"
}

// Ref 返回 reference 字符串，无则为空
func (t *Transaction) Ref() string {
	if t.Reference == nil {
		return ""
	}
	return *t.Reference
}
