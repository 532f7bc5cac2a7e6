package strategy

import (
	"errors"
	"fmt"
	"math"
)

// PriceEpsilon 网格价位匹配容差，避免重新生成的阶梯与持久化价位之间的浮点误差。
const PriceEpsilon = 1e-9

// LevelState 单个网格档位的状态：EMPTY -> FILLED -> EMPTY 循环。
type LevelState int

const (
	LevelEmpty LevelState = iota
	LevelFilled
)

func (s LevelState) String() string {
	if s == LevelFilled {
		return "FILLED"
	}
	return "EMPTY"
}

// LadderMode 整个阶梯的伪状态，只在批量卖出期间为 LIQUIDATING。
type LadderMode int

const (
	LadderNormal LadderMode = iota
	LadderLiquidating
)

func (m LadderMode) String() string {
	if m == LadderLiquidating {
		return "LIQUIDATING"
	}
	return "NORMAL"
}

// GridLevel 定义单个网格档位。
// FilledAmount 为买入成交的基础资产最小单位数量，Bought 为 true 时必须 > 0。
type GridLevel struct {
	Price        float64
	Bought       bool
	FilledAmount uint64
}

// State 返回档位状态。
func (l GridLevel) State() LevelState {
	if l.Bought && l.FilledAmount > 0 {
		return LevelFilled
	}
	return LevelEmpty
}

// GridLevelSet 按价格严格递增排列的网格阶梯。
// tick 执行期间由引擎独占，tick 之间由状态存储持久化。
type GridLevelSet struct {
	Levels []GridLevel
	Mode   LadderMode
}

// BuildLadder 生成等差价位：count = steps+1，首项 lower，末项 upper。
func BuildLadder(lower, upper float64, steps int) ([]float64, error) {
	if steps < 1 {
		return nil, fmt.Errorf("steps must be >= 1, got %d", steps)
	}
	if math.IsNaN(lower) || math.IsNaN(upper) || math.IsInf(lower, 0) || math.IsInf(upper, 0) {
		return nil, errors.New("grid bounds must be finite")
	}
	if upper <= lower {
		return nil, fmt.Errorf("upper %.9f must be > lower %.9f", upper, lower)
	}
	prices := make([]float64, steps+1)
	for i := 0; i <= steps; i++ {
		prices[i] = lower + (upper-lower)*float64(i)/float64(steps)
	}
	// 末项直接取 upper，消除累计误差
	prices[steps] = upper
	return prices, nil
}

// NewGridLevelSet 用一组价位构造全部为空的阶梯。
func NewGridLevelSet(prices []float64) GridLevelSet {
	levels := make([]GridLevel, len(prices))
	for i, p := range prices {
		levels[i] = GridLevel{Price: p}
	}
	return GridLevelSet{Levels: levels}
}

// Len 档位数量
func (s GridLevelSet) Len() int { return len(s.Levels) }

// Prices 返回全部价位
func (s GridLevelSet) Prices() []float64 {
	out := make([]float64, len(s.Levels))
	for i, l := range s.Levels {
		out[i] = l.Price
	}
	return out
}

// FilledCount 已买入档位数量
func (s GridLevelSet) FilledCount() int {
	n := 0
	for _, l := range s.Levels {
		if l.State() == LevelFilled {
			n++
		}
	}
	return n
}

// EmptyCount 未买入档位数量
func (s GridLevelSet) EmptyCount() int {
	return len(s.Levels) - s.FilledCount()
}

// TotalFilled 全部已买入档位的基础资产数量之和（最小单位）。
func (s GridLevelSet) TotalFilled() uint64 {
	var total uint64
	for _, l := range s.Levels {
		if l.State() == LevelFilled {
			total += l.FilledAmount
		}
	}
	return total
}

// FindByPrice 按 PriceEpsilon 容差查找价位，找不到返回 -1。
func (s GridLevelSet) FindByPrice(price float64) int {
	for i, l := range s.Levels {
		if PricesMatch(l.Price, price) {
			return i
		}
	}
	return -1
}

// MarkBought 成交确认后把档位置为 FILLED。
func (s *GridLevelSet) MarkBought(idx int, filled uint64) error {
	if idx < 0 || idx >= len(s.Levels) {
		return fmt.Errorf("level index %d out of range", idx)
	}
	if filled == 0 {
		return errors.New("filled amount must be > 0")
	}
	s.Levels[idx].Bought = true
	s.Levels[idx].FilledAmount = filled
	return nil
}

// MarkEmpty 卖出确认后把档位置回 EMPTY。
func (s *GridLevelSet) MarkEmpty(idx int) error {
	if idx < 0 || idx >= len(s.Levels) {
		return fmt.Errorf("level index %d out of range", idx)
	}
	s.Levels[idx].Bought = false
	s.Levels[idx].FilledAmount = 0
	return nil
}

// ResetAll 批量卖出完成后清空整个阶梯。
func (s *GridLevelSet) ResetAll() {
	for i := range s.Levels {
		s.Levels[i].Bought = false
		s.Levels[i].FilledAmount = 0
	}
	s.Mode = LadderNormal
}

// Clone 深拷贝
func (s GridLevelSet) Clone() GridLevelSet {
	levels := make([]GridLevel, len(s.Levels))
	copy(levels, s.Levels)
	return GridLevelSet{Levels: levels, Mode: s.Mode}
}

// PricesMatch 判断两个价位在容差内是否相等。
func PricesMatch(a, b float64) bool {
	return math.Abs(a-b) < PriceEpsilon
}
