package model

import (
	"time"
)

// Lot 批次型类别（PROMO/SUB）的一次发放
//
// 不变量：0 <= AmountRemaining <= AmountGranted。
// 只会被扣款（递减）或过期扫描（清零）修改，剩余为 0 的批次保留用于审计，永不删除。
type Lot struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	LotNo           string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"lot_no"`
	AccountID       int64     `gorm:"not null;index:idx_lot_account_category,priority:1" json:"account_id"`
	Category        Category  `gorm:"type:varchar(16);not null;index:idx_lot_account_category,priority:2" json:"category"`
	AmountGranted   int64     `gorm:"not null" json:"amount_granted"`
	AmountRemaining int64     `gorm:"not null" json:"amount_remaining"`
	GrantedAt       time.Time `gorm:"not null" json:"granted_at"`
	ExpiresAt       time.Time `gorm:"not null;index:idx_lot_expiry" json:"expires_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Lot) TableName() string {
	return "credit_lot"
}

// Expired 在 now 时刻是否已过期
func (l *Lot) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
