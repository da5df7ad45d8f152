package cache

import (
	"context"
	"fmt"
	"time"

	"pointledger/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// InitRedis 创建 Redis 客户端并检测连通性，失败直接退出进程
func InitRedis(cfg *config.RedisConfig, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("连接 Redis 失败", zap.Error(err))
	}

	log.Info("Redis 连接成功", zap.String("addr", client.Options().Addr))
	return client
}
