package risk

import (
	"fmt"
	"sync/atomic"
)

// FeeGuard 拒绝优先费超过上限的兑换。上限可在运行中热更新，0 表示不设上限。
type FeeGuard struct {
	ceiling atomic.Uint64
}

func NewFeeGuard(maxPriorityFee uint64) *FeeGuard {
	g := &FeeGuard{}
	g.ceiling.Store(maxPriorityFee)
	return g
}

// SetCeiling 更新上限
func (g *FeeGuard) SetCeiling(v uint64) { g.ceiling.Store(v) }

// Ceiling 当前上限
func (g *FeeGuard) Ceiling() uint64 { return g.ceiling.Load() }

func (g *FeeGuard) PreExecute(e Execution) error {
	ceiling := g.ceiling.Load()
	if ceiling == 0 {
		return nil
	}
	if e.PriorityFee > ceiling {
		return fmt.Errorf("%w: %s fee %d > %d", ErrFeeTooHigh, e.Action, e.PriorityFee, ceiling)
	}
	return nil
}

// MinAmountGuard 拒绝输入数量为 0 或低于下限的兑换（换算取整后可能变成 0）。
type MinAmountGuard struct {
	Min uint64
}

func (g MinAmountGuard) PreExecute(e Execution) error {
	if e.AmountIn == 0 || e.AmountIn < g.Min {
		return fmt.Errorf("%w: %s amount %d < %d", ErrAmountTooSmall, e.Action, e.AmountIn, g.Min)
	}
	return nil
}
