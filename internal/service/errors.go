package service

import (
	"errors"
)

// ============================================================================
// 账务错误
// ============================================================================
//
// 可重试：ErrBusy、ErrTimeout，调用方用同一个 reference 重试即可，
// 账务状态保证没有被修改。
// 其余均为终态错误，同样保证没有产生任何流水。
//
// ============================================================================

var (
	ErrInvalidAmount          = errors.New("金额不合法")
	ErrInsufficientBalance    = errors.New("余额不足")
	ErrDuplicateReference     = errors.New("reference 已被使用")
	ErrBusy                   = errors.New("账户繁忙，请稍后重试")
	ErrTimeout                = errors.New("操作超时，请稍后重试")
	ErrRefundNotEligible      = errors.New("不满足退款条件")
	ErrUnauthorizedAdjustment = errors.New("调账未授权")
	ErrLotAlreadyExpired      = errors.New("批次已过期处理")
	ErrInvalidCategory        = errors.New("积分类别不合法")
	ErrInvalidExpiry          = errors.New("过期时间不合法")
	ErrInvalidKind            = errors.New("流水类型不合法")
	ErrUnknownFeature         = errors.New("未知的计费功能")
	ErrMissingReference       = errors.New("缺少 reference")
	ErrReservedReference      = errors.New("reference 与系统内部流水格式冲突")
	ErrWithdrawalNotFound     = errors.New("提现单不存在")
	ErrWithdrawalState        = errors.New("提现单状态不允许该操作")
	ErrTransactionNotFound    = errors.New("流水不存在")
	ErrLedgerInconsistent     = errors.New("账本数据不一致")
)

// IsRetryable 是否为可重试错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout)
}

// IsTerminal 业务拒绝，原样重试结果不会改变
func IsTerminal(err error) bool {
	return err != nil && isBusinessError(err) && !IsRetryable(err)
}

// resultLabel 错误分类，用作指标标签
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidCategory),
		errors.Is(err, ErrInvalidExpiry),
		errors.Is(err, ErrInvalidKind),
		errors.Is(err, ErrUnknownFeature),
		errors.Is(err, ErrMissingReference),
		errors.Is(err, ErrReservedReference):
		return "invalid"
	case errors.Is(err, ErrRefundNotEligible):
		return "refund_not_eligible"
	case errors.Is(err, ErrUnauthorizedAdjustment):
		return "unauthorized"
	case errors.Is(err, ErrWithdrawalNotFound), errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrWithdrawalState):
		return "state"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate"
	case errors.Is(err, ErrLedgerInconsistent):
		return "inconsistent"
	default:
		return "error"
	}
}

// isBusinessError 预期内的业务拒绝，只记 Warn
func isBusinessError(err error) bool {
	switch resultLabel(err) {
	case "error", "inconsistent":
		return false
	default:
		return true
	}
}
