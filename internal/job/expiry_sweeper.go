package job

import (
	"context"
	"fmt"

	"pointledger/internal/config"
	"pointledger/internal/infrastructure/metrics"
	"pointledger/internal/service"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ============================================================================
// 批次过期扫描
// ============================================================================
//
// 按 cron 表达式周期执行，每次：
//   1. 按账户 id 升序分页查找有已到期批次的账户
//   2. 逐个账户调用 LedgerService.ExpireLots，一个账户一个事务
//   3. 单个账户失败只计数并跳过，下次扫描会再次处理
//
// 上一次扫描未结束时跳过本次触发。
//
// ============================================================================

type ExpirySweeper struct {
	ledger    *service.LedgerService
	log       *zap.Logger
	schedule  cron.Schedule
	expr      string
	batchSize int
	stopCh    chan struct{}
}

// SweepStats 一次扫描的统计
type SweepStats struct {
	Accounts int
	Lots     int
	Amount   int64
	Failures int
}

func NewExpirySweeper(ledger *service.LedgerService, cfg *config.SweeperConfig, log *zap.Logger) (*ExpirySweeper, error) {
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper.schedule 不合法 %q: %w", cfg.Schedule, err)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpirySweeper{
		ledger:    ledger,
		log:       log.Named("expiry_sweeper"),
		schedule:  schedule,
		expr:      cfg.Schedule,
		batchSize: batchSize,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 阻塞运行，直到 ctx 取消或调用 Stop
func (j *ExpirySweeper) Start(ctx context.Context) {
	j.log.Info("过期扫描任务启动", zap.String("schedule", j.expr))

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(zap.NewStdLog(j.log))),
		cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(j.log))),
	))
	c.Schedule(j.schedule, cron.FuncJob(func() { j.RunOnce(ctx) }))
	c.Start()

	select {
	case <-ctx.Done():
		j.log.Info("收到停止信号，任务退出")
	case <-j.stopCh:
		j.log.Info("任务停止")
	}

	// 等待正在执行的扫描结束
	<-c.Stop().Done()
}

func (j *ExpirySweeper) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一次完整扫描
func (j *ExpirySweeper) RunOnce(ctx context.Context) SweepStats {
	var stats SweepStats
	var cursor int64

	for {
		userIDs, next, err := j.ledger.ExpiredAccounts(ctx, cursor, j.batchSize)
		if err != nil {
			j.log.Error("查询待过期账户失败", zap.Error(err))
			return stats
		}

		for _, userID := range userIDs {
			if ctx.Err() != nil {
				return stats
			}

			result, err := j.ledger.ExpireLots(ctx, userID)
			if err != nil {
				stats.Failures++
				metrics.SweepAccountFailures.Inc()
				j.log.Warn("账户过期处理失败，下次重试", zap.Int64("user_id", userID), zap.Error(err))
				continue
			}

			stats.Accounts++
			stats.Lots += result.Lots
			stats.Amount += result.Amount
			metrics.LotsExpired.Add(float64(result.Lots))
			metrics.PointsExpired.Add(float64(result.Amount))
		}

		if len(userIDs) < j.batchSize {
			break
		}
		cursor = next
	}

	if stats.Lots > 0 || stats.Failures > 0 {
		j.log.Info("过期扫描完成",
			zap.Int("accounts", stats.Accounts),
			zap.Int("lots", stats.Lots),
			zap.Int64("amount", stats.Amount),
			zap.Int("failures", stats.Failures),
		)
	}
	return stats
}
