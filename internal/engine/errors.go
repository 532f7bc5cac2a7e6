package engine

import (
	"errors"

	"grid-swap-go/risk"
)

// 错误分类。所有错误都不会终止进程：tick 级错误放弃本次 tick，动作级错误只放弃该动作。
var (
	// ErrNoPriceAvailable 聚合器没有路由或报价失败，本 tick 放弃。
	ErrNoPriceAvailable = errors.New("no price available")
	// ErrInsufficientCapital 自由资金不足以覆盖最小下单额，跳过买入，卖出照常评估。
	ErrInsufficientCapital = errors.New("insufficient capital")
	// ErrFeeTooHigh 优先费超过上限，动作放弃且状态不变。
	ErrFeeTooHigh = risk.ErrFeeTooHigh
	// ErrExecutionFailed 构造、广播或确认失败，动作放弃，下一次满足条件时自然重试。
	ErrExecutionFailed = errors.New("execution failed")
)

// abandonsCrossing 买入被触发但没有成交时，保留上一价格使穿越在下个 tick 仍然成立。
func abandonsCrossing(err error) bool {
	return errors.Is(err, ErrFeeTooHigh) ||
		errors.Is(err, ErrExecutionFailed) ||
		errors.Is(err, ErrNoPriceAvailable)
}

// reason 把错误归类为指标标签。
func reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoPriceAvailable):
		return "no_price"
	case errors.Is(err, ErrInsufficientCapital):
		return "insufficient_capital"
	case errors.Is(err, ErrFeeTooHigh):
		return "fee_too_high"
	case errors.Is(err, risk.ErrAmountTooSmall):
		return "amount_too_small"
	case errors.Is(err, ErrExecutionFailed):
		return "execution_failed"
	default:
		return "error"
	}
}
