package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 积分类别与消费策略
// ============================================================================
//
// 四类积分，规则固定，不随账户变化：
//
//	类别   存储   过期                  可退款        可提现  消费顺序
//	PROMO  批次   发放后 7-30 天         否            否      1
//	SUB    批次   订阅周期结束          否            否      2
//	PAID   资金池 永不过期              未消费部分可  否      3
//	BONUS  资金池 永不过期              否            是      4
//
// ============================================================================

// Category 积分类别
type Category string

const (
	CategoryPromo Category = "PROMO"
	CategorySub   Category = "SUB"
	CategoryPaid  Category = "PAID"
	CategoryBonus Category = "BONUS"
)

// Storage 积分的存储方式
type Storage int

const (
	StorageLot  Storage = iota + 1 // 按批次存储，各批次独立过期
	StoragePool                    // 资金池，余额由流水汇总得出
)

// ExpiryRule 过期规则
type ExpiryRule int

const (
	ExpiryNever        ExpiryRule = iota + 1
	ExpiryWindow                  // 发放后固定窗口内过期
	ExpiryPeriodEnd               // 调用方给出周期结束时间
)

// Policy 单个类别的消费策略
type Policy struct {
	Category     Category
	Storage      Storage
	Expiry       ExpiryRule
	Refundable   bool
	Withdrawable bool
	Order        int
}

// ConsumptionOrder 扣款时遍历类别的顺序
var ConsumptionOrder = []Category{CategoryPromo, CategorySub, CategoryPaid, CategoryBonus}

var policies = map[Category]Policy{
	CategoryPromo: {Category: CategoryPromo, Storage: StorageLot, Expiry: ExpiryWindow, Order: 1},
	CategorySub:   {Category: CategorySub, Storage: StorageLot, Expiry: ExpiryPeriodEnd, Order: 2},
	CategoryPaid:  {Category: CategoryPaid, Storage: StoragePool, Expiry: ExpiryNever, Refundable: true, Order: 3},
	CategoryBonus: {Category: CategoryBonus, Storage: StoragePool, Expiry: ExpiryNever, Withdrawable: true, Order: 4},
}

// ParseCategory 解析类别，只接受枚举值
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if _, ok := policies[c]; !ok {
		return "", fmt.Errorf("未知积分类别: %q", s)
	}
	return c, nil
}

// UnmarshalText 请求解析时只接受枚举值
func (c *Category) UnmarshalText(text []byte) error {
	v, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Valid 是否为合法类别
func (c Category) Valid() bool {
	_, ok := policies[c]
	return ok
}

// Policy 返回类别对应的策略，非法类别会 panic（调用前必须校验）
func (c Category) Policy() Policy {
	p, ok := policies[c]
	if !ok {
		panic(fmt.Sprintf("model: 未知积分类别 %q", string(c)))
	}
	return p
}

// LotBased 是否为批次型类别
func (c Category) LotBased() bool {
	switch c {
	case CategoryPromo, CategorySub:
		return true
	case CategoryPaid, CategoryBonus:
		return false
	default:
		panic(fmt.Sprintf("model: 未知积分类别 %q", string(c)))
	}
}

// LotCategories 需要过期扫描的类别
func LotCategories() []Category {
	var out []Category
	for _, c := range ConsumptionOrder {
		if c.LotBased() {
			out = append(out, c)
		}
	}
	return out
}

// PromoWindow 活动积分的过期窗口
type PromoWindow struct {
	Min     time.Duration
	Max     time.Duration
	Default time.Duration
}

// DefaultPromoWindow 7-30 天，默认 30 天
var DefaultPromoWindow = PromoWindow{
	Min:     7 * 24 * time.Hour,
	Max:     30 * 24 * time.Hour,
	Default: 30 * 24 * time.Hour,
}

// ResolveExpiry 根据类别规则确定批次过期时间
//
// PROMO 未指定时使用默认窗口，指定时必须落在 [Min, Max] 内；
// SUB 必须指定且晚于发放时间；资金池类别不允许指定。
func (c Category) ResolveExpiry(grantedAt time.Time, expiresAt *time.Time, w PromoWindow) (time.Time, error) {
	switch c.Policy().Expiry {
	case ExpiryWindow:
		if expiresAt == nil {
			return grantedAt.Add(w.Default), nil
		}
		ttl := expiresAt.Sub(grantedAt)
		if ttl < w.Min || ttl > w.Max {
			return time.Time{}, fmt.Errorf("%s 过期时间必须在发放后 %s 到 %s 之间", c, w.Min, w.Max)
		}
		return expiresAt.UTC(), nil
	case ExpiryPeriodEnd:
		if expiresAt == nil || !expiresAt.After(grantedAt) {
			return time.Time{}, fmt.Errorf("%s 必须指定晚于发放时间的周期结束时间", c)
		}
		return expiresAt.UTC(), nil
	case ExpiryNever:
		if expiresAt != nil {
			return time.Time{}, fmt.Errorf("%s 不会过期，不能指定过期时间", c)
		}
		return time.Time{}, nil
	default:
		panic(fmt.Sprintf("model: 未知过期规则 %d", c.Policy().Expiry))
	}
}
