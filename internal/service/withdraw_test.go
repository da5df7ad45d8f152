package service

import (
	"context"
	"testing"

	"pointledger/internal/infrastructure/lock"
	"pointledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithdrawal_ReserveConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.credit(t, 1, model.CategoryBonus, 50, "ref-payout")

	reserved, err := env.svc.ReserveWithdrawal(ctx, &WithdrawRequest{UserID: 1, Amount: 30, Reference: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusReserved, reserved.Status)
	require.Len(t, reserved.Lines, 1)
	assert.Equal(t, model.KindHold, reserved.Lines[0].Kind)

	b := env.balance(t, 1)
	assert.Equal(t, int64(20), b.Of(model.CategoryBonus))
	assert.Equal(t, int64(30), b.Held)
	env.assertBalanced(t, 1)

	again, err := env.svc.ReserveWithdrawal(ctx, &WithdrawRequest{UserID: 1, Amount: 30, Reference: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, reserved, again)

	confirmed, err := env.svc.ConfirmWithdrawal(ctx, 1, "w-1", "bank-778")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusConfirmed, confirmed.Status)
	assert.Equal(t, "bank-778", confirmed.PayoutRef)
	require.Len(t, confirmed.Lines, 2)
	assert.Equal(t, model.KindRelease, confirmed.Lines[0].Kind)
	assert.Equal(t, model.KindWithdraw, confirmed.Lines[1].Kind)

	b = env.balance(t, 1)
	assert.Equal(t, int64(20), b.Of(model.CategoryBonus))
	assert.Equal(t, int64(0), b.Held)

	replay, err := env.svc.ConfirmWithdrawal(ctx, 1, "w-1", "bank-778")
	require.NoError(t, err)
	assert.Equal(t, confirmed, replay)

	_, err = env.svc.CancelWithdrawal(ctx, 1, "w-1", "too late")
	assert.ErrorIs(t, err, ErrWithdrawalState)

	env.assertBalanced(t, 1)
}

func TestWithdrawal_Cancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.credit(t, 1, model.CategoryBonus, 50, "")

	_, err := env.svc.ReserveWithdrawal(ctx, &WithdrawRequest{UserID: 1, Amount: 40, Reference: "w-1"})
	require.NoError(t, err)

	// 冻结后的余额不能再被扣费
	_, err = env.svc.Debit(ctx, &DebitRequest{UserID: 1, Amount: 20, Feature: "video_short"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	cancelled, err := env.svc.CancelWithdrawal(ctx, 1, "w-1", "payout rejected")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusCancelled, cancelled.Status)

	b := env.balance(t, 1)
	assert.Equal(t, int64(50), b.Of(model.CategoryBonus))
	assert.Equal(t, int64(0), b.Held)

	_, err = env.svc.ConfirmWithdrawal(ctx, 1, "w-1", "bank-1")
	assert.ErrorIs(t, err, ErrWithdrawalState)
	env.assertBalanced(t, 1)
}

func TestWithdrawal_Validation(t *testing.T) {
	env := newTestEnv(t, func(o *Options, _ *lock.AccountLockOptions) {
		o.MinWithdrawAmount = 5
	})
	ctx := context.Background()
	env.credit(t, 1, model.CategoryBonus, 10, "")
	env.credit(t, 1, model.CategoryPaid, 100, "")

	_, err := env.svc.ReserveWithdrawal(ctx, &WithdrawRequest{UserID: 1, Amount: 11, Reference: "w-1"})
	assert.ErrorIs(t, err, ErrInsufficientBalance, "only BONUS is withdrawable")

	_, err = env.svc.ReserveWithdrawal(ctx, &WithdrawRequest{UserID: 1, Amount: 0, Reference: "w-2"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.svc.ReserveWithdrawal(ctx, &WithdrawRequest{UserID: 1, Amount: 3, Reference: "w-3"})
	assert.ErrorIs(t, err, ErrInvalidAmount, "below minimum withdrawal")

	_, err = env.svc.ReserveWithdrawal(ctx, &WithdrawRequest{UserID: 1, Amount: 5})
	assert.ErrorIs(t, err, ErrMissingReference)

	_, err = env.svc.ConfirmWithdrawal(ctx, 1, "nope", "")
	assert.ErrorIs(t, err, ErrWithdrawalNotFound)
}
