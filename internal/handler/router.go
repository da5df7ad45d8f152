package handler

import (
	"pointledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(ledger *service.LedgerService, log *zap.Logger) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	h := NewHandler(ledger, log)

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.POST("/open", h.OpenAccount)
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
			account.GET("/verify", h.Verify)
		}

		ledgerGroup := api.Group("/ledger")
		{
			ledgerGroup.POST("/credit", h.Credit)
			ledgerGroup.POST("/debit", h.Debit)
			ledgerGroup.POST("/charge", h.Charge)
			ledgerGroup.POST("/refund", h.Refund)
		}

		withdraw := api.Group("/withdraw")
		{
			withdraw.POST("/reserve", h.ReserveWithdrawal)
			withdraw.POST("/confirm", h.ConfirmWithdrawal)
			withdraw.POST("/cancel", h.CancelWithdrawal)
		}

		api.POST("/admin/adjust", h.Adjust)
		api.GET("/transaction/detail", h.GetTransaction)
		api.GET("/categories", h.Categories)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
