package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pointledger/internal/config"
	"pointledger/internal/infrastructure/lock"
	"pointledger/internal/infrastructure/metrics"
	"pointledger/internal/model"
	"pointledger/internal/repository"
	"pointledger/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ============================================================================
// 账务核心
// ============================================================================
//
// 每个变更操作的执行流程：
//
//   1. 参数校验（金额、类别、功能），不合法直接拒绝，不加锁
//   2. 按 reference 预查一次，已处理过的请求直接返回原结果
//   3. 获取账户锁（Redis），超时/重试耗尽返回 ErrTimeout/ErrBusy
//   4. 开启事务，SELECT ... FOR UPDATE 锁定账户行
//   5. 锁内再查一次 reference（双重检查）
//   6. 读取快照 -> 内存分配 -> 写批次、流水、outbox -> 提交
//   7. 释放锁
//
// 任何一步失败，事务整体回滚，不会留下部分流水。
//
// ============================================================================

const (
	opCredit          = "credit"
	opDebit           = "debit"
	opAdjust          = "adjust"
	opRefund          = "refund"
	opWithdrawReserve = "withdraw_reserve"
	opWithdrawConfirm = "withdraw_confirm"
	opWithdrawCancel  = "withdraw_cancel"
	opExpire          = "expire"
)

// Options 账务核心的运行参数
type Options struct {
	OperationTimeout  time.Duration
	PromoWindow       model.PromoWindow
	MinWithdrawAmount int64
	EventTopic        string
	// Now 时钟，测试中可替换
	Now func() time.Time
}

// OptionsFromConfig 从全局配置构造运行参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OperationTimeout: cfg.Ledger.OperationTimeout,
		PromoWindow: model.PromoWindow{
			Min:     cfg.Ledger.PromoMinTTL,
			Max:     cfg.Ledger.PromoMaxTTL,
			Default: cfg.Ledger.PromoDefaultTTL,
		},
		MinWithdrawAmount: cfg.Ledger.MinWithdrawAmount,
		EventTopic:        cfg.Kafka.Topic.LedgerEvents,
	}
}

type LedgerService struct {
	db             *gorm.DB
	locker         *lock.AccountLocker
	prices         *PriceTable
	opts           Options
	log            *zap.Logger
	accountRepo    *repository.AccountRepository
	lotRepo        *repository.LotRepository
	transRepo      *repository.TransactionRepository
	withdrawalRepo *repository.WithdrawalRepository
	outboxRepo     *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, locker *lock.AccountLocker, prices *PriceTable, opts Options, log *zap.Logger) *LedgerService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	if opts.PromoWindow == (model.PromoWindow{}) {
		opts.PromoWindow = model.DefaultPromoWindow
	}
	if opts.MinWithdrawAmount <= 0 {
		opts.MinWithdrawAmount = 1
	}
	if opts.EventTopic == "" {
		opts.EventTopic = "ledger_events"
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &LedgerService{
		db:             db,
		locker:         locker,
		prices:         prices,
		opts:           opts,
		log:            log.Named("ledger"),
		accountRepo:    repository.NewAccountRepository(db),
		lotRepo:        repository.NewLotRepository(db),
		transRepo:      repository.NewTransactionRepository(db),
		withdrawalRepo: repository.NewWithdrawalRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

func (s *LedgerService) now() time.Time {
	return s.opts.Now().UTC()
}

// ============================================================================
// 结果行
// ============================================================================

// Line 一条流水在结果中的表示，Amount 为有符号变动量
type Line struct {
	TransactionNo string         `json:"transaction_no"`
	Kind          model.Kind     `json:"kind"`
	Category      model.Category `json:"category"`
	LotNo         string         `json:"lot_no,omitempty"`
	Amount        int64          `json:"amount"`
	BalanceBefore int64          `json:"balance_before"`
	BalanceAfter  int64          `json:"balance_after"`
}

func toLine(t *model.Transaction) Line {
	return Line{
		TransactionNo: t.TransactionNo,
		Kind:          t.Kind,
		Category:      t.Category,
		LotNo:         t.LotNo,
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
	}
}

func toLines(ts []*model.Transaction) []Line {
	lines := make([]Line, 0, len(ts))
	for _, t := range ts {
		lines = append(lines, toLine(t))
	}
	return lines
}

// entry 待写入流水的公共字段
type entry struct {
	kind      model.Kind
	reference string
	feature   string
	actor     string
	remark    string
	sourceID  *int64
}

func (s *LedgerService) newTransaction(account *model.Account, e entry, lineNo int, c model.Category, lot *model.Lot, amount, before int64, now time.Time) *model.Transaction {
	t := &model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     account.ID,
		Category:      c,
		Kind:          e.kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		LineNo:        lineNo,
		SourceID:      e.sourceID,
		Feature:       e.feature,
		Actor:         e.actor,
		Remark:        e.remark,
		CreatedAt:     now,
	}
	if e.reference != "" {
		ref := e.reference
		t.Reference = &ref
	}
	if lot != nil {
		lotID := lot.ID
		t.LotID = &lotID
		t.LotNo = lot.LotNo
	}
	return t
}

// ============================================================================
// 并发控制
// ============================================================================

// withAccount 持有账户锁并在事务内锁定账户行后执行 fn
func (s *LedgerService) withAccount(ctx context.Context, userID int64, fn func(tx *gorm.DB, account *model.Account) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	l, err := s.locker.Acquire(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrLockFailed):
			return fmt.Errorf("%w: user_id=%d", ErrBusy, userID)
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: 等待账户锁 user_id=%d", ErrTimeout, userID)
		default:
			return fmt.Errorf("获取账户锁失败: %w", err)
		}
	}
	defer func() {
		// 原 ctx 可能已超时，释放锁用独立的 ctx
		unlockCtx, unlockCancel := context.WithTimeout(context.Background(), time.Second)
		defer unlockCancel()
		if err := l.Unlock(unlockCtx); err != nil {
			s.log.Warn("释放账户锁失败", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("锁定账户失败: %w", err)
		}
		return fn(tx, account)
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicateReference, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && !isBusinessError(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, repository.ErrLotNotEnough):
		return fmt.Errorf("%w: %v", ErrLedgerInconsistent, err)
	default:
		return err
	}
}

// checkReference 拒绝与系统内部流水同格式的 reference：过期流水前缀和提现结算后缀
func checkReference(reference string) error {
	if strings.HasPrefix(reference, expirePrefix) ||
		strings.HasSuffix(reference, confirmSuffix) ||
		strings.HasSuffix(reference, cancelSuffix) {
		return fmt.Errorf("%w: %q", ErrReservedReference, reference)
	}
	return nil
}

// lookupReference 加锁前按 reference 预查，账户不存在视为未处理
func (s *LedgerService) lookupReference(ctx context.Context, userID int64, reference string) ([]*model.Transaction, error) {
	if reference == "" {
		return nil, nil
	}
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}
	lines, err := s.transRepo.FindByReference(ctx, nil, account.ID, reference)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return lines, nil
}

// findReference 锁内按 reference 复查
func (s *LedgerService) findReference(ctx context.Context, tx *gorm.DB, accountID int64, reference string) ([]*model.Transaction, error) {
	if reference == "" {
		return nil, nil
	}
	lines, err := s.transRepo.FindByReference(ctx, tx, accountID, reference)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return lines, nil
}

// expectKind 重放时校验 reference 是否属于同一种操作
func expectKind(lines []*model.Transaction, kinds ...model.Kind) error {
	for _, k := range kinds {
		if lines[0].Kind == k {
			return nil
		}
	}
	return fmt.Errorf("%w: reference=%s 已用于 %s", ErrDuplicateReference, lines[0].Ref(), lines[0].Kind)
}

// loadSnapshot 锁内读取账面余额和未清零批次
func (s *LedgerService) loadSnapshot(ctx context.Context, tx *gorm.DB, accountID int64, now time.Time) (*snapshot, error) {
	book, err := s.transRepo.SumByCategory(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("汇总余额失败: %w", err)
	}
	lots, err := s.lotRepo.ListOpen(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("查询批次失败: %w", err)
	}
	return newSnapshot(now, book, lots), nil
}

// applyDraws 按分配结果扣减批次并生成流水行，lineNo 从 firstLine 开始
func (s *LedgerService) applyDraws(ctx context.Context, tx *gorm.DB, account *model.Account, e entry, draws []draw, firstLine int, now time.Time) ([]*model.Transaction, error) {
	lines := make([]*model.Transaction, 0, len(draws))
	for i, d := range draws {
		if d.Lot != nil {
			if err := s.lotRepo.Decrement(ctx, tx, d.Lot.ID, d.Amount); err != nil {
				return nil, fmt.Errorf("扣减批次 %s 失败: %w", d.Lot.LotNo, err)
			}
		}
		lines = append(lines, s.newTransaction(account, e, firstLine+i, d.Category, d.Lot, -d.Amount, d.Before, now))
	}
	return lines, nil
}

// LedgerEvent 写入 outbox 的账务事件
type LedgerEvent struct {
	EventType  string    `json:"event_type"`
	UserID     int64     `json:"user_id"`
	AccountID  int64     `json:"account_id"`
	Reference  string    `json:"reference,omitempty"`
	Lines      []Line    `json:"lines"`
	OccurredAt time.Time `json:"occurred_at"`
}

// commit 追加流水、递增账户版本并写入 outbox，三者同事务
func (s *LedgerService) commit(ctx context.Context, tx *gorm.DB, account *model.Account, op, reference string, lines []*model.Transaction, now time.Time) error {
	if err := s.transRepo.Append(ctx, tx, lines); err != nil {
		return fmt.Errorf("写入流水失败: %w", err)
	}
	if err := s.accountRepo.BumpVersion(ctx, tx, account.ID); err != nil {
		return fmt.Errorf("更新账户版本失败: %w", err)
	}

	payload, err := json.Marshal(LedgerEvent{
		EventType:  op,
		UserID:     account.UserID,
		AccountID:  account.ID,
		Reference:  reference,
		Lines:      toLines(lines),
		OccurredAt: now,
	})
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: strconv.FormatInt(account.UserID, 10),
		Topic:      s.opts.EventTopic,
		EventType:  op,
		Payload:    datatypes.JSON(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入 outbox 失败: %w", err)
	}
	return nil
}

// observe 记录指标和日志，所有失败都带上账户、操作和 reference
func (s *LedgerService) observe(op string, start time.Time, userID int64, reference string, replayed bool, err error) {
	result := resultLabel(err)
	if replayed && err == nil {
		result = "replay"
	}
	metrics.LedgerOperations.WithLabelValues(op, result).Inc()
	metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("operation", op),
		zap.Int64("user_id", userID),
		zap.String("reference", reference),
		zap.Duration("elapsed", time.Since(start)),
	}
	switch {
	case err == nil && replayed:
		s.log.Info("重复请求，返回首次结果", append(fields, zap.Bool("replay", true))...)
	case err == nil:
		s.log.Debug("账务操作完成", fields...)
	case isBusinessError(err):
		s.log.Warn("账务操作被拒绝", append(fields, zap.Error(err))...)
	default:
		s.log.Error("账务操作失败", append(fields, zap.Error(err))...)
	}
}
