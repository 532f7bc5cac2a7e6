package engine

import (
	"grid-swap-go/inventory"
	"grid-swap-go/strategy"
)

// Action 兑换动作
type Action string

const (
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionBulkSell Action = "BULK_SELL"
)

// TickState 在相邻 tick 之间传递的全部可变状态。
// PrevPrice 只有在 HasPrev=true 时有效；进程启动后的第一个 tick 只记录价格，不会触发买入。
type TickState struct {
	Levels    strategy.GridLevelSet
	PrevPrice float64
	HasPrev   bool
}

// NewTickState 以已合并的阶梯作为初始状态。
func NewTickState(levels strategy.GridLevelSet) TickState {
	return TickState{Levels: levels}
}

// Trade 一笔已确认的兑换。
type Trade struct {
	Action      Action
	Level       int // 整体清仓时为 -1
	LevelPrice  float64
	AmountIn    uint64
	AmountOut   uint64
	Signature   string
	PriorityFee uint64
}

// TickResult 单次 tick 的观测结果。Rejected 收集被放弃的动作，不影响其他动作的评估。
type TickResult struct {
	ID       string
	Price    float64
	Snapshot inventory.Snapshot
	Trades   []Trade
	Rejected []error
}
