package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pointledger/internal/handler"
	"pointledger/internal/infrastructure/mq"
	"pointledger/internal/job"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, outbox sender and expiry sweeper",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	publisher, err := mq.NewKafkaPublisher(&a.cfg.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(a.db, publisher, &a.cfg.Outbox, a.log)
	go outboxSender.Start(ctx)

	sweeperDone := make(chan struct{})
	if a.cfg.Sweeper.Enabled {
		sweeper, err := job.NewExpirySweeper(a.ledger, &a.cfg.Sweeper, a.log)
		if err != nil {
			return err
		}
		go func() {
			defer close(sweeperDone)
			sweeper.Start(ctx)
		}()
	} else {
		close(sweeperDone)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: handler.SetupRouter(a.ledger, a.log),
	}

	// 在 goroutine 中启动服务器
	go func() {
		a.log.Info("服务启动", zap.Int("port", a.cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.log.Info("正在关闭服务...")

	// 先停 HTTP，不再接收新的账务请求
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("服务关闭异常", zap.Error(err))
	}

	// 取消上下文，停止后台任务
	cancel()
	<-sweeperDone

	a.log.Info("服务已关闭")
	return nil
}
