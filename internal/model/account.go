package model

import (
	"time"
)

// Account 用户积分账户
//
// 账户本身不保存余额，余额由批次剩余量和流水汇总得出。
// 这一行只作为账户级行锁的目标（SELECT ... FOR UPDATE），
// Version 在每次变更时递增，便于排查并发问题。
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Version   int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
