// Package inventory 根据实时余额与已买入档位计算可用于买入的自由资金（计价资产单位）。
package inventory

import (
	"grid-swap-go/internal/units"
	"grid-swap-go/strategy"
)

// Snapshot 每个 tick 重新计算，不落盘。金额均为计价资产 UI 单位（如 SOL）。
type Snapshot struct {
	Price                float64
	QuoteBalance         float64
	BaseBalance          float64
	InvestedInQuote      float64
	TotalValueInQuote    float64
	Reserve              float64
	FreeCapitalInQuote   float64
	RemainingEmptyLevels int
}

// Balances 钱包余额（最小单位）
type Balances struct {
	Quote uint64
	Base  uint64
}

// Valuer 负责把余额与阶梯换算成 Snapshot。
type Valuer struct {
	QuoteDecimals uint8
	BaseDecimals  uint8
}

// Value 计算组合估值：
// invested = Σ filled * price，total = quote + base * price，free = total - invested - reserve。
func (v Valuer) Value(price float64, bal Balances, set strategy.GridLevelSet, reserve float64) Snapshot {
	quote := units.ToFloat(bal.Quote, v.QuoteDecimals)
	base := units.ToFloat(bal.Base, v.BaseDecimals)

	invested := 0.0
	for _, l := range set.Levels {
		if l.State() != strategy.LevelFilled {
			continue
		}
		invested += units.ToFloat(l.FilledAmount, v.BaseDecimals) * price
	}
	total := quote + base*price
	return Snapshot{
		Price:                price,
		QuoteBalance:         quote,
		BaseBalance:          base,
		InvestedInQuote:      invested,
		TotalValueInQuote:    total,
		Reserve:              reserve,
		FreeCapitalInQuote:   total - invested - reserve,
		RemainingEmptyLevels: set.EmptyCount(),
	}
}

// PerLevelBuy 等权贪心分配：free / remaining，只有剩余空档 > 0 且结果大于最小下单额时才返回 true。
// 预留资金已在 free 中扣除，不会被分配。
func PerLevelBuy(s Snapshot, minOrder float64) (float64, bool) {
	if s.RemainingEmptyLevels <= 0 || s.FreeCapitalInQuote <= 0 {
		return 0, false
	}
	size := s.FreeCapitalInQuote / float64(s.RemainingEmptyLevels)
	if size <= minOrder {
		return 0, false
	}
	// 不能超过钱包里实际可用的计价资产
	if spendable := s.QuoteBalance - s.Reserve; size > spendable {
		if spendable <= minOrder {
			return 0, false
		}
		size = spendable
	}
	return size, true
}

// Reserve 手续费预留：multiplier * steps * perLevel。
func Reserve(multiplier float64, steps int, perLevel float64) float64 {
	if multiplier <= 0 || steps <= 0 || perLevel <= 0 {
		return 0
	}
	return multiplier * float64(steps) * perLevel
}
