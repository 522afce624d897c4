package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

func TestIsFatal(t *testing.T) {
	base := errors.New("boom")

	assert.False(t, domain.IsFatal(nil))
	assert.False(t, domain.IsFatal(base))
	assert.Nil(t, domain.Fatal(nil))

	wrapped := fmt.Errorf("outer: %w", domain.Fatal(base))
	assert.True(t, domain.IsFatal(wrapped))
	assert.ErrorIs(t, wrapped, base)

	assert.True(t, domain.IsFatal(&domain.PlanError{Pool: "p", Reason: "r"}))
	assert.True(t, domain.IsFatal(fmt.Errorf("x: %w", &domain.RecoveryError{Failed: "a", Err: base})))
	assert.False(t, domain.IsFatal(&domain.LegsFailedError{}))
}

func TestLegErrorsUnwrap(t *testing.T) {
	e0 := &domain.LegError{Index: 0, LowerBin: 932, UpperBin: 1000, Err: domain.ErrTransient}
	e1 := &domain.LegError{Index: 1, LowerBin: 863, UpperBin: 931, Err: domain.ErrSlippage}

	all := &domain.LegsFailedError{Failures: []*domain.LegError{e0, e1}}
	assert.ErrorIs(t, all, domain.ErrTransient)
	assert.ErrorIs(t, all, domain.ErrSlippage)
	assert.Contains(t, all.Error(), "leg 0 [932,1000]")
	assert.Contains(t, all.Error(), "leg 1 [863,931]")

	partial := &domain.PartialFailureError{Closed: []string{"pos-1"}, Failures: []*domain.LegError{e1}}
	assert.ErrorIs(t, partial, domain.ErrSlippage)
	assert.Contains(t, partial.Error(), "closed pos-1")

	var le *domain.LegError
	require.ErrorAs(t, partial, &le)
	assert.Equal(t, 1, le.Index)
}

func TestUntrackedTxIsFatalAndCarriesReference(t *testing.T) {
	untracked := &domain.UntrackedTxError{Signature: "sig-1", Reason: "no position address"}
	wrapped := fmt.Errorf("create leg 1: %w", untracked)

	assert.True(t, domain.IsFatal(wrapped))
	assert.Equal(t, "sig-1", domain.TxReference(wrapped))
	assert.Empty(t, domain.TxReference(errors.New("boom")))
	assert.Empty(t, domain.TxReference(nil))

	re := &domain.RecoveryError{
		Closed:    []string{"pos-1"},
		Attempted: []string{"pos-1"},
		Untracked: []string{"sig-1"},
		Err:       errors.Join(wrapped),
	}
	assert.Contains(t, re.Error(), "legs landed without a tracked position (tx=[sig-1])")
	assert.Contains(t, re.Error(), "closed=[pos-1]")
	assert.NotContains(t, re.Error(), "closing")
	assert.Equal(t, "sig-1", domain.TxReference(re))
}

func TestTxResultErr(t *testing.T) {
	assert.NoError(t, domain.TxResult{Success: true}.Err())
	assert.EqualError(t, domain.TxResult{Error: "reverted"}.Err(), "reverted")
	assert.EqualError(t, domain.TxResult{}.Err(), "transaction not successful")
}

func TestEventKindValid(t *testing.T) {
	for _, k := range domain.EventKinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, domain.EventKind("order_filled").Valid())
}

func TestAccountKindString(t *testing.T) {
	assert.Equal(t, "found", domain.Found(domain.OnChainInfo{}).Kind.String())
	assert.Equal(t, "not_found", domain.NotFound().Kind.String())
	assert.Equal(t, "error", domain.AccountErr(errors.New("x")).Kind.String())
	assert.Equal(t, "unknown", domain.AccountKind(9).String())
}

func leg(i int, lower, upper int64) domain.PositionLeg {
	return domain.PositionLeg{Index: i, LowerBinID: lower, UpperBinID: upper, AllocatedAmount: decimal.NewFromInt(1)}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    domain.MultiLegPlan
		wantErr string
	}{
		{
			name: "contiguous chain",
			plan: domain.MultiLegPlan{PoolAddress: "p", RequireContiguous: true, Legs: []domain.PositionLeg{leg(0, 932, 1000), leg(1, 863, 931)}},
		},
		{
			name:    "no pool",
			plan:    domain.MultiLegPlan{Legs: []domain.PositionLeg{leg(0, 1, 2)}},
			wantErr: "pool address is empty",
		},
		{
			name:    "no legs",
			plan:    domain.MultiLegPlan{PoolAddress: "p"},
			wantErr: "plan has no legs",
		},
		{
			name:    "overlap",
			plan:    domain.MultiLegPlan{PoolAddress: "p", Legs: []domain.PositionLeg{leg(0, 10, 20), leg(1, 20, 30)}},
			wantErr: "overlap",
		},
		{
			name:    "gap when contiguous required",
			plan:    domain.MultiLegPlan{PoolAddress: "p", RequireContiguous: true, Legs: []domain.PositionLeg{leg(0, 10, 20), leg(1, 22, 30)}},
			wantErr: "gap between [10,20] and [22,30]",
		},
		{
			name: "gap allowed",
			plan: domain.MultiLegPlan{PoolAddress: "p", Legs: []domain.PositionLeg{leg(0, 10, 20), leg(1, 22, 30)}},
		},
		{
			name:    "inverted",
			plan:    domain.MultiLegPlan{PoolAddress: "p", Legs: []domain.PositionLeg{leg(0, 30, 20)}},
			wantErr: "inverted range",
		},
		{
			name: "augment on unknown leg",
			plan: domain.MultiLegPlan{PoolAddress: "p", Legs: []domain.PositionLeg{leg(0, 1, 2)},
				Augments: []domain.AugmentSpec{{LegIndex: 3}}},
			wantErr: "unknown leg 3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
			assert.True(t, domain.IsFatal(err))
		})
	}
}

func TestRawAmounts(t *testing.T) {
	a := domain.RawAmounts{X: decimal.NewFromInt(1), Y: decimal.NewFromInt(2)}
	sum := a.Add(domain.RawAmounts{X: decimal.NewFromInt(3), Y: decimal.Zero})
	assert.Equal(t, "4", sum.X.String())
	assert.Equal(t, "2", sum.Y.String())
	assert.False(t, sum.IsZero())
	assert.True(t, domain.RawAmounts{}.IsZero())
}
