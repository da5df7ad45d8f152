package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pointledger/internal/config"
	"pointledger/internal/infrastructure/database"
	"pointledger/internal/infrastructure/lock"
	"pointledger/internal/model"
	"pointledger/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLedger(t *testing.T) (*service.LedgerService, *gorm.DB, *clock) {
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

	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	locker := lock.NewAccountLocker(client, lock.AccountLockOptions{TTL: 10 * time.Second, RetryInterval: 2 * time.Millisecond, MaxRetries: 1000})
	ledger := service.NewLedgerService(db, locker, prices, service.Options{OperationTimeout: 10 * time.Second, Now: c.Now}, zaptest.NewLogger(t))
	return ledger, db, c
}

func grantPromo(t *testing.T, ledger *service.LedgerService, userID, amount int64, expiresAt time.Time) {
	t.Helper()
	_, err := ledger.Credit(context.Background(), &service.CreditRequest{
		UserID:    userID,
		Category:  model.CategoryPromo,
		Amount:    amount,
		ExpiresAt: &expiresAt,
	})
	require.NoError(t, err)
}

// fakePublisher 记录发送的消息，failures 次之前一直失败
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	sent     []string
}

func (p *fakePublisher) SendMessage(topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, topic+"/"+key)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestExpirySweeper_RunOnce(t *testing.T) {
	ledger, db, c := newLedger(t)
	ctx := context.Background()

	week := 7 * 24 * time.Hour
	for userID := int64(1); userID <= 5; userID++ {
		grantPromo(t, ledger, userID, 3, c.Now().Add(week))
	}
	grantPromo(t, ledger, 6, 4, c.Now().Add(3*week))

	sweeper, err := NewExpirySweeper(ledger, &config.SweeperConfig{Schedule: "@every 1m", BatchSize: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)

	stats := sweeper.RunOnce(ctx)
	assert.Equal(t, SweepStats{}, stats, "nothing due yet")

	c.Advance(week)
	stats = sweeper.RunOnce(ctx)
	assert.Equal(t, 5, stats.Accounts)
	assert.Equal(t, 5, stats.Lots)
	assert.Equal(t, int64(15), stats.Amount)
	assert.Zero(t, stats.Failures)

	// 再跑一次不会重复过期
	stats = sweeper.RunOnce(ctx)
	assert.Equal(t, SweepStats{}, stats)

	var expired int64
	require.NoError(t, db.Model(&model.Transaction{}).Where("kind = ?", model.KindExpire).Count(&expired).Error)
	assert.Equal(t, int64(5), expired)

	for userID := int64(1); userID <= 6; userID++ {
		report, err := ledger.Verify(ctx, userID)
		require.NoError(t, err)
		assert.True(t, report.OK(), "user %d: %v", userID, report.Discrepancies)
	}
}

func TestNewExpirySweeper_InvalidSchedule(t *testing.T) {
	ledger, _, _ := newLedger(t)
	_, err := NewExpirySweeper(ledger, &config.SweeperConfig{Schedule: "every minute"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestExpirySweeper_StartStop(t *testing.T) {
	ledger, _, _ := newLedger(t)
	sweeper, err := NewExpirySweeper(ledger, &config.SweeperConfig{Schedule: "@every 1h"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sweeper.Start(context.Background())
		close(done)
	}()

	sweeper.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestOutboxSender_DeliversLedgerEvents(t *testing.T) {
	ledger, db, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.Credit(ctx, &service.CreditRequest{UserID: 7, Category: model.CategoryPaid, Amount: 10})
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, &service.DebitRequest{UserID: 7, Amount: 2, Feature: "post_publish"})
	require.NoError(t, err)

	pub := &fakePublisher{}
	sender := NewOutboxSender(db, pub, &config.OutboxConfig{Interval: time.Second, BatchSize: 10, MaxRetryCount: 3}, zaptest.NewLogger(t))
	sender.processPendingMessages(ctx)

	assert.Equal(t, []string{"ledger_events/7", "ledger_events/7"}, pub.sent)

	var pending int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("status = ?", model.OutboxStatusPending).Count(&pending).Error)
	assert.Zero(t, pending)
}

func TestOutboxSender_RetryThenFail(t *testing.T) {
	ledger, db, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.Credit(ctx, &service.CreditRequest{UserID: 8, Category: model.CategoryBonus, Amount: 5})
	require.NoError(t, err)

	pub := &fakePublisher{failures: 100}
	sender := NewOutboxSender(db, pub, &config.OutboxConfig{Interval: time.Second, BatchSize: 10, MaxRetryCount: 3}, zaptest.NewLogger(t))

	var msg model.OutboxMessage
	for i := 1; i <= 2; i++ {
		sender.processPendingMessages(ctx)
		require.NoError(t, db.First(&msg).Error)
		assert.Equal(t, model.OutboxStatusPending, msg.Status)
		assert.Equal(t, i, msg.RetryCount)
	}

	sender.processPendingMessages(ctx)
	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusFailed, msg.Status)
	assert.Equal(t, 3, msg.RetryCount)

	// 失败的消息不再被取出
	pub.failures = 0
	sender.processPendingMessages(ctx)
	assert.Empty(t, pub.sent)
}
