package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"pointledger/internal/config"
	"pointledger/internal/infrastructure/database"
	"pointledger/internal/infrastructure/lock"
	"pointledger/internal/service"
	"pointledger/pkg/response"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Driver:   config.DriverSQLite,
		Path:     filepath.Join(t.TempDir(), "ledger.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	prices, err := service.NewPriceTable(map[string]int64{
		"content_text":  1,
		"content_image": 3,
		"video_short":   10,
		"video_long":    30,
		"post_publish":  2,
	})
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	locker := lock.NewAccountLocker(client, lock.AccountLockOptions{TTL: 10 * time.Second, RetryInterval: time.Millisecond, MaxRetries: 3})
	ledger := service.NewLedgerService(db, locker, prices, service.Options{OperationTimeout: 5 * time.Second}, log)
	return SetupRouter(ledger, log), mr
}

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Retryable bool            `json:"retryable"`
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers map[string]string) envelope {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestLedgerAPI_CreditChargeBalance(t *testing.T) {
	r, _ := newTestRouter(t)

	env := do(t, r, http.MethodPost, "/api/v1/ledger/credit", gin.H{"user_id": 9, "category": "PAID", "amount": 12, "reference": "topup-1"}, nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	env = do(t, r, http.MethodPost, "/api/v1/ledger/charge", gin.H{"user_id": 9, "feature": "video_short", "reference": "gen-1"}, nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var debit service.DebitResult
	require.NoError(t, json.Unmarshal(env.Data, &debit))
	assert.Equal(t, int64(10), debit.TotalDebited)

	env = do(t, r, http.MethodPost, "/api/v1/ledger/charge", gin.H{"user_id": 9, "feature": "video_short", "reference": "gen-2"}, nil)
	assert.Equal(t, response.CodeInsufficientBalance, env.Code)
	assert.False(t, env.Retryable)

	env = do(t, r, http.MethodGet, "/api/v1/account/balance?user_id=9", nil, nil)
	require.Equal(t, response.CodeSuccess, env.Code)
	var balance service.Balance
	require.NoError(t, json.Unmarshal(env.Data, &balance))
	assert.Equal(t, int64(2), balance.Total)

	env = do(t, r, http.MethodGet, "/api/v1/account/verify?user_id=9", nil, nil)
	require.Equal(t, response.CodeSuccess, env.Code)
	assert.Contains(t, string(env.Data), `"ok":true`)
}

func TestLedgerAPI_ErrorCodes(t *testing.T) {
	r, _ := newTestRouter(t)

	seed := do(t, r, http.MethodPost, "/api/v1/ledger/credit", gin.H{"user_id": 2, "category": "PAID", "amount": 5, "reference": "topup-2"}, nil)
	require.Equal(t, response.CodeSuccess, seed.Code, seed.Message)

	tests := []struct {
		name    string
		method  string
		path    string
		body    interface{}
		headers map[string]string
		code    int
	}{
		{name: "金额为0", method: http.MethodPost, path: "/api/v1/ledger/credit", body: gin.H{"user_id": 1, "category": "PAID", "amount": 0}, code: response.CodeInvalidAmount},
		{name: "未知类别", method: http.MethodPost, path: "/api/v1/ledger/credit", body: gin.H{"user_id": 1, "category": "GOLD", "amount": 1}, code: response.CodeParamError},
		{name: "未知功能", method: http.MethodPost, path: "/api/v1/ledger/debit", body: gin.H{"user_id": 1, "amount": 1, "feature": "hologram"}, code: response.CodeUnknownFeature},
		{name: "缺少用户", method: http.MethodGet, path: "/api/v1/account/balance", code: response.CodeParamError},
		{name: "调账未授权", method: http.MethodPost, path: "/api/v1/admin/adjust", body: gin.H{"user_id": 1, "category": "BONUS", "delta": 5, "reason": "fix"}, headers: map[string]string{HeaderOperator: "ops"}, code: response.CodeUnauthorizedAdjustment},
		{name: "退款原流水不存在", method: http.MethodPost, path: "/api/v1/ledger/refund", body: gin.H{"transaction_no": "T404"}, code: response.CodeRefundNotEligible},
		{name: "提现单不存在", method: http.MethodPost, path: "/api/v1/withdraw/confirm", body: gin.H{"user_id": 1, "reference": "w-404"}, code: response.CodeWithdrawalNotFound},
		{name: "保留格式的 reference", method: http.MethodPost, path: "/api/v1/ledger/credit", body: gin.H{"user_id": 1, "category": "PAID", "amount": 1, "reference": "expire:LOT1"}, code: response.CodeParamError},
		{name: "reference 被其他操作占用", method: http.MethodPost, path: "/api/v1/ledger/debit", body: gin.H{"user_id": 2, "amount": 1, "feature": "content_text", "reference": "topup-2"}, code: response.CodeDuplicateReference},
		{name: "流水不存在", method: http.MethodGet, path: "/api/v1/transaction/detail?transaction_no=T404", code: response.CodeTransactionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, r, tt.method, tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.code, env.Code, env.Message)
		})
	}
}

func TestLedgerAPI_AdjustWithElevation(t *testing.T) {
	r, _ := newTestRouter(t)

	headers := map[string]string{HeaderOperator: "ops", HeaderElevated: "verified"}
	env := do(t, r, http.MethodPost, "/api/v1/admin/adjust", gin.H{"user_id": 3, "category": "BONUS", "delta": 5, "reason": "goodwill", "reference": "adj-1"}, headers)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	// 请求体里的 elevated 字段不会被采纳
	env = do(t, r, http.MethodPost, "/api/v1/admin/adjust", gin.H{"user_id": 3, "category": "BONUS", "delta": 5, "reason": "goodwill", "Elevated": true}, map[string]string{HeaderOperator: "ops"})
	assert.Equal(t, response.CodeUnauthorizedAdjustment, env.Code)
}

func TestLedgerAPI_BusyIsRetryable(t *testing.T) {
	r, mr := newTestRouter(t)

	require.NoError(t, mr.Set(lock.AccountLockKey(5), "someone-else"))

	env := do(t, r, http.MethodPost, "/api/v1/ledger/credit", gin.H{"user_id": 5, "category": "PAID", "amount": 1}, nil)
	assert.Equal(t, response.CodeBusy, env.Code)
	assert.True(t, env.Retryable)
}

func TestWithdrawAPI_ReserveConfirm(t *testing.T) {
	r, _ := newTestRouter(t)

	headers := map[string]string{HeaderOperator: "ops", HeaderElevated: "verified"}
	env := do(t, r, http.MethodPost, "/api/v1/admin/adjust", gin.H{"user_id": 4, "category": "BONUS", "delta": 50, "reason": "referral"}, headers)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	env = do(t, r, http.MethodPost, "/api/v1/withdraw/reserve", gin.H{"user_id": 4, "amount": 20, "reference": "w-1"}, nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	env = do(t, r, http.MethodPost, "/api/v1/withdraw/confirm", gin.H{"user_id": 4, "reference": "w-1", "payout_ref": "bank-1"}, nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var w service.WithdrawalResult
	require.NoError(t, json.Unmarshal(env.Data, &w))
	assert.Equal(t, "CONFIRMED", w.Status)
	assert.Equal(t, "bank-1", w.PayoutRef)

	env = do(t, r, http.MethodPost, "/api/v1/withdraw/cancel", gin.H{"user_id": 4, "reference": "w-1"}, nil)
	assert.Equal(t, response.CodeWithdrawalState, env.Code)
}

func TestHealthAndCategories(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	env := do(t, r, http.MethodGet, "/api/v1/categories", nil, nil)
	require.Equal(t, response.CodeSuccess, env.Code)
	assert.Contains(t, string(env.Data), `"Category":"PROMO"`)
}
