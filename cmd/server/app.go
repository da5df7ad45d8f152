package main

import (
	"fmt"

	"pointledger/internal/config"
	"pointledger/internal/infrastructure/cache"
	"pointledger/internal/infrastructure/database"
	"pointledger/internal/infrastructure/lock"
	"pointledger/internal/infrastructure/logger"
	"pointledger/internal/service"
	"pointledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app 各子命令共用的依赖
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *gorm.DB
	redis  *redis.Client
	ledger *service.LedgerService
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	prices, err := service.NewPriceTable(cfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("定价表配置错误: %w", err)
	}

	// 初始化 ID 生成器
	idgen.Init(1)

	db := database.InitDB(&cfg.Database, log)
	redisClient := cache.InitRedis(&cfg.Redis, log)

	locker := lock.NewAccountLocker(redisClient, lock.AccountLockOptions{
		TTL:           cfg.Ledger.LockTTL,
		RetryInterval: cfg.Ledger.LockRetryInterval,
		MaxRetries:    cfg.Ledger.LockMaxRetries,
	})
	ledger := service.NewLedgerService(db, locker, prices, service.OptionsFromConfig(cfg), log)

	return &app{cfg: cfg, log: log, db: db, redis: redisClient, ledger: ledger}, nil
}

func (a *app) close() {
	if err := a.redis.Close(); err != nil {
		a.log.Warn("关闭 Redis 失败", zap.Error(err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}
