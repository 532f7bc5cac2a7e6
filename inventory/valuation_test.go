package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-swap-go/strategy"
)

func TestValuation(t *testing.T) {
	set := strategy.NewGridLevelSet([]float64{0.001, 0.0015, 0.002})
	require.NoError(t, set.MarkBought(1, 2_000_000)) // 2 个 6 位精度代币

	v := Valuer{QuoteDecimals: 9, BaseDecimals: 6}
	snap := v.Value(0.5, Balances{Quote: 3_000_000_000, Base: 4_000_000}, set, 0.1)

	assert.InDelta(t, 3.0, snap.QuoteBalance, 1e-12)
	assert.InDelta(t, 4.0, snap.BaseBalance, 1e-12)
	assert.InDelta(t, 1.0, snap.InvestedInQuote, 1e-12)
	assert.InDelta(t, 5.0, snap.TotalValueInQuote, 1e-12)
	assert.InDelta(t, 3.9, snap.FreeCapitalInQuote, 1e-12)
	assert.Equal(t, 2, snap.RemainingEmptyLevels)
}

func TestPerLevelBuy(t *testing.T) {
	tests := []struct {
		name     string
		snap     Snapshot
		minOrder float64
		want     float64
		ok       bool
	}{
		{
			name:     "等权分配",
			snap:     Snapshot{FreeCapitalInQuote: 10, QuoteBalance: 20, RemainingEmptyLevels: 5},
			minOrder: 1,
			want:     2,
			ok:       true,
		},
		{
			name:     "没有空档",
			snap:     Snapshot{FreeCapitalInQuote: 1000, QuoteBalance: 1000, RemainingEmptyLevels: 0},
			minOrder: 1,
			ok:       false,
		},
		{
			name:     "低于最小下单额",
			snap:     Snapshot{FreeCapitalInQuote: 4, QuoteBalance: 20, RemainingEmptyLevels: 5},
			minOrder: 1,
			ok:       false,
		},
		{
			name:     "自由资金为负",
			snap:     Snapshot{FreeCapitalInQuote: -3, QuoteBalance: 20, RemainingEmptyLevels: 5},
			minOrder: 0,
			ok:       false,
		},
		{
			name:     "受钱包余额限制",
			snap:     Snapshot{FreeCapitalInQuote: 10, QuoteBalance: 1.6, Reserve: 0.1, RemainingEmptyLevels: 2},
			minOrder: 1,
			want:     1.5,
			ok:       true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := PerLevelBuy(tc.snap, tc.minOrder)
			assert.Equal(t, tc.ok, ok)
			assert.InDelta(t, tc.want, got, 1e-12)
		})
	}
}

func TestReserve(t *testing.T) {
	assert.InDelta(t, 0.3, Reserve(1, 30, 0.01), 1e-12)
	assert.InDelta(t, 0.6, Reserve(2, 30, 0.01), 1e-12)
	assert.Equal(t, 0.0, Reserve(0, 30, 0.01))
}
