package model

import (
	"time"
)

const (
	WithdrawalStatusReserved  = "RESERVED"
	WithdrawalStatusConfirmed = "CONFIRMED"
	WithdrawalStatusCancelled = "CANCELLED"
)

var withdrawalTransitions = map[string][]string{
	WithdrawalStatusReserved: {WithdrawalStatusConfirmed, WithdrawalStatusCancelled},
}

// CanWithdrawalTransition 提现状态机：只有 RESERVED 可以流转
func CanWithdrawalTransition(from, to string) bool {
	for _, s := range withdrawalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Withdrawal BONUS 提现单
//
// 冻结阶段已经从 BONUS 资金池扣出（hold 流水），外部打款成功后确认，
// 失败则取消并释放回 BONUS。
type Withdrawal struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	WithdrawalNo string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"withdrawal_no"`
	AccountID    int64      `gorm:"not null;uniqueIndex:uk_withdrawal_account_reference,priority:1" json:"account_id"`
	Reference    string     `gorm:"type:varchar(128);not null;uniqueIndex:uk_withdrawal_account_reference,priority:2" json:"reference"`
	Amount       int64      `gorm:"not null" json:"amount"`
	Status       string     `gorm:"type:varchar(16);index;not null" json:"status"`
	PayoutRef    string     `gorm:"type:varchar(128)" json:"payout_ref,omitempty"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Withdrawal) TableName() string {
	return "withdrawal"
}
