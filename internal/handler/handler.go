package handler

import (
	"errors"
	"strconv"

	"pointledger/internal/model"
	"pointledger/internal/service"
	"pointledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// HeaderOperator 管理后台传入的操作人
	HeaderOperator = "X-Operator"
	// HeaderElevated 管理后台完成二次授权后置为 verified
	HeaderElevated = "X-Elevated-Auth"
)

// Handler 账务接口，只做参数解析和错误码映射
type Handler struct {
	ledger *service.LedgerService
	log    *zap.Logger
}

func NewHandler(ledger *service.LedgerService, log *zap.Logger) *Handler {
	return &Handler{ledger: ledger, log: log}
}

// writeError 把账务错误映射为业务码，未知错误只返回通用信息
func (h *Handler) writeError(c *gin.Context, err error) {
	if !service.IsTerminal(err) && !service.IsRetryable(err) {
		h.log.Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
		return
	}

	switch {
	case errors.Is(err, service.ErrBusy):
		response.RetryableError(c, response.CodeBusy, service.ErrBusy.Error())
	case errors.Is(err, service.ErrTimeout):
		response.RetryableError(c, response.CodeTimeout, service.ErrTimeout.Error())
	case errors.Is(err, service.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, service.ErrDuplicateReference):
		response.BusinessError(c, response.CodeDuplicateReference, err.Error())
	case errors.Is(err, service.ErrRefundNotEligible):
		response.BusinessError(c, response.CodeRefundNotEligible, err.Error())
	case errors.Is(err, service.ErrUnauthorizedAdjustment):
		response.BusinessError(c, response.CodeUnauthorizedAdjustment, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, service.ErrUnknownFeature):
		response.BusinessError(c, response.CodeUnknownFeature, err.Error())
	case errors.Is(err, service.ErrWithdrawalNotFound):
		response.BusinessError(c, response.CodeWithdrawalNotFound, err.Error())
	case errors.Is(err, service.ErrWithdrawalState):
		response.BusinessError(c, response.CodeWithdrawalState, err.Error())
	case errors.Is(err, service.ErrTransactionNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidCategory),
		errors.Is(err, service.ErrInvalidExpiry),
		errors.Is(err, service.ErrInvalidKind),
		errors.Is(err, service.ErrMissingReference),
		errors.Is(err, service.ErrReservedReference):
		response.ParamError(c, err.Error())
	default:
		response.BusinessError(c, response.CodeBusinessError, err.Error())
	}
}

func queryUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, balance)
}

// OpenAccount 开户
// POST /api/v1/account/open
func (h *Handler) OpenAccount(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.ledger.OpenAccount(c.Request.Context(), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, account)
}

// ListTransactions 流水列表
// GET /api/v1/account/transactions?user_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.ledger.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      result.Items,
		"total":     result.Total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetTransaction 流水详情
// GET /api/v1/transaction/detail?transaction_no=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	transactionNo := c.Query("transaction_no")
	if transactionNo == "" {
		response.ParamError(c, "transaction_no 参数不能为空")
		return
	}

	t, err := h.ledger.GetTransaction(c.Request.Context(), transactionNo)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, t)
}

// Verify 单账户对账
// GET /api/v1/account/verify?user_id=xxx
func (h *Handler) Verify(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	report, err := h.ledger.Verify(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"ok":     report.OK(),
		"report": report,
	})
}

// ============================================================
// 记账接口
// ============================================================

// Credit 入账
// POST /api/v1/ledger/credit
func (h *Handler) Credit(c *gin.Context) {
	var req service.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Credit(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Debit 扣费
// POST /api/v1/ledger/debit
//
// 调用方只有在返回成功后才能执行被计费的动作。
func (h *Handler) Debit(c *gin.Context) {
	var req service.DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Debit(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Charge 按定价表扣费
// POST /api/v1/ledger/charge
func (h *Handler) Charge(c *gin.Context) {
	var req struct {
		UserID    int64  `json:"user_id" binding:"required"`
		Feature   string `json:"feature" binding:"required"`
		Reference string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Charge(c.Request.Context(), req.UserID, req.Feature, req.Reference)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Refund 退款
// POST /api/v1/ledger/refund
func (h *Handler) Refund(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Refund(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 管理接口
// ============================================================

// Adjust 调账
// POST /api/v1/admin/adjust
//
// 二次授权由管理后台完成，通过请求头传入授权结果和操作人。
func (h *Handler) Adjust(c *gin.Context) {
	var req service.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.Actor = c.GetHeader(HeaderOperator)
	req.Elevated = c.GetHeader(HeaderElevated) == "verified"

	result, err := h.ledger.Adjust(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 提现接口
// ============================================================

// ReserveWithdrawal 冻结提现金额
// POST /api/v1/withdraw/reserve
func (h *Handler) ReserveWithdrawal(c *gin.Context) {
	var req service.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.ReserveWithdrawal(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// SettleWithdrawalRequest 确认或取消提现
type SettleWithdrawalRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	PayoutRef string `json:"payout_ref"`
	Reason    string `json:"reason"`
}

// ConfirmWithdrawal 打款成功
// POST /api/v1/withdraw/confirm
func (h *Handler) ConfirmWithdrawal(c *gin.Context) {
	var req SettleWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.ConfirmWithdrawal(c.Request.Context(), req.UserID, req.Reference, req.PayoutRef)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// CancelWithdrawal 打款失败，退回 BONUS
// POST /api/v1/withdraw/cancel
func (h *Handler) CancelWithdrawal(c *gin.Context) {
	var req SettleWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.CancelWithdrawal(c.Request.Context(), req.UserID, req.Reference, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Categories 积分类别规则
// GET /api/v1/categories
func (h *Handler) Categories(c *gin.Context) {
	policies := make([]model.Policy, 0, len(model.ConsumptionOrder))
	for _, cat := range model.ConsumptionOrder {
		policies = append(policies, cat.Policy())
	}
	response.Success(c, policies)
}
