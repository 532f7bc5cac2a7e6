package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-swap-go/gateway"
	"grid-swap-go/infrastructure/logger"
	"grid-swap-go/internal/journal"
	"grid-swap-go/internal/units"
	"grid-swap-go/inventory"
	"grid-swap-go/risk"
	"grid-swap-go/strategy"
)

// Config 引擎静态配置，启动后不变。
type Config struct {
	QuoteMint     string // 计价资产，买入时的输入（如 SOL）
	BaseMint      string // 网格买卖的基础资产
	QuoteDecimals uint8
	BaseDecimals  uint8
	Upper         float64 // 阶梯上沿，价格 >= Upper 时整体清仓
	ProbeAmount   uint64  // 采样价格用的计价资产数量（最小单位）
	Reserve       float64 // 手续费预留（计价资产单位），永远不参与买入
	CallTimeout   time.Duration
	ExecTimeout   time.Duration
}

// Tunables 运行中可热更新的参数
type Tunables struct {
	SlippageBps    int
	SellThreshold  float64 // 卖出价下限（计价资产 / 基础资产）
	MinOrder       float64 // 单档买入额下限（计价资产单位）
	MaxPriorityFee uint64  // lamports，0 表示不设上限
}

// PriceOracle 报价源。HasRoute=false 视为本 tick 没有价格。
type PriceOracle interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (gateway.Quote, error)
}

// ExecutionGateway 分两步执行，引擎在两步之间检查优先费。
type ExecutionGateway interface {
	Prepare(ctx context.Context, q gateway.Quote) (gateway.PreparedSwap, error)
	Submit(ctx context.Context, ps gateway.PreparedSwap) (gateway.Fill, error)
}

// BalanceSource 钱包余额
type BalanceSource interface {
	Balances(ctx context.Context) (inventory.Balances, error)
}

// StateStore 持久化阶梯
type StateStore interface {
	Save(set strategy.GridLevelSet) error
}

// TradeJournal 成交流水
type TradeJournal interface {
	Write(r journal.Record) error
}

// Notifier 由 alert.Manager 实现
type Notifier interface {
	SendInfo(message string, fields map[string]interface{}) error
	SendWarning(message string, fields map[string]interface{}) error
	SendError(message string, fields map[string]interface{}) error
}

// Recorder 由 monitor.Monitor 实现
type Recorder interface {
	ObserveTick(outcome string, d time.Duration)
	ObservePortfolio(s inventory.Snapshot, filled int)
	RecordTrade(action string, amountIn uint64, priorityFee uint64)
	RecordRejected(action, reason string)
	ObserveLadderMode(liquidating bool)
}

// Components 引擎依赖组件；Journal / Alerts / Metrics 可为空。
type Components struct {
	Oracle   PriceOracle
	Gateway  ExecutionGateway
	Balances BalanceSource
	Store    StateStore
	Journal  TradeJournal
	Alerts   Notifier
	Metrics  Recorder
	Logger   *logger.Logger
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime       time.Time
	TotalTicks      int64
	AbandonedTicks  int64
	Buys            int64
	Sells           int64
	BulkSells       int64
	RejectedActions int64
	SaveFailures    int64
	LastTickTime    time.Time
	LastPrice       float64
}

// GridEngine 网格决策核心。Tick 不可并发调用，由 Scheduler 保证单飞。
type GridEngine struct {
	cfg Config

	oracle   PriceOracle
	gateway  ExecutionGateway
	balances BalanceSource
	store    StateStore
	journal  TradeJournal
	alerts   Notifier
	metrics  Recorder
	logger   *logger.Logger

	valuer inventory.Valuer
	fee    *risk.FeeGuard
	guard  risk.Guard

	mu       sync.RWMutex
	tunables Tunables

	statsMu sync.RWMutex
	stats   Statistics
}

// New 创建网格引擎
func New(cfg Config, tun Tunables, c Components) (*GridEngine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 60 * time.Second
	}

	fee := risk.NewFeeGuard(tun.MaxPriorityFee)
	e := &GridEngine{
		cfg:      cfg,
		oracle:   c.Oracle,
		gateway:  c.Gateway,
		balances: c.Balances,
		store:    c.Store,
		journal:  c.Journal,
		alerts:   c.Alerts,
		metrics:  c.Metrics,
		logger:   c.Logger,
		valuer:   inventory.Valuer{QuoteDecimals: cfg.QuoteDecimals, BaseDecimals: cfg.BaseDecimals},
		fee:      fee,
		guard:    risk.MultiGuard{Guards: []risk.Guard{fee, risk.MinAmountGuard{Min: 1}}},
		tunables: tun,
	}
	e.stats.StartTime = time.Now()
	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.QuoteMint == "" || cfg.BaseMint == "" {
		return errors.New("quote and base mint required")
	}
	if cfg.QuoteMint == cfg.BaseMint {
		return errors.New("quote and base mint must differ")
	}
	if cfg.Upper <= 0 {
		return errors.New("upper must be positive")
	}
	if cfg.ProbeAmount == 0 {
		return errors.New("probe amount must be positive")
	}
	if cfg.Reserve < 0 {
		return errors.New("reserve must not be negative")
	}
	return nil
}

func validateComponents(c Components) error {
	switch {
	case c.Oracle == nil:
		return errors.New("price oracle required")
	case c.Gateway == nil:
		return errors.New("execution gateway required")
	case c.Balances == nil:
		return errors.New("balance source required")
	case c.Store == nil:
		return errors.New("state store required")
	case c.Logger == nil:
		return errors.New("logger required")
	}
	return nil
}

// Tunables 当前参数
func (e *GridEngine) Tunables() Tunables {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tunables
}

// SetTunables 热更新参数，从下一个 tick 开始生效。
func (e *GridEngine) SetTunables(t Tunables) {
	e.mu.Lock()
	old := e.tunables
	e.tunables = t
	e.mu.Unlock()
	e.fee.SetCeiling(t.MaxPriorityFee)

	e.logger.Info("Grid tunables updated",
		zap.Int("slippage_bps", t.SlippageBps),
		zap.Float64("sell_threshold", t.SellThreshold),
		zap.Float64("min_order", t.MinOrder),
		zap.Uint64("max_priority_fee", t.MaxPriorityFee),
		zap.Float64("old_sell_threshold", old.SellThreshold))
}

// GetStatistics 获取统计信息
func (e *GridEngine) GetStatistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// Tick 执行一次完整的网格评估：
// 采样价格 -> 组合估值 -> 买入（向下穿越） -> 整体清仓或逐档卖出 -> 更新上一价格。
// 返回的 error 非空表示 tick 在拿到价格或余额之前被放弃，此时返回的状态即输入状态。
func (e *GridEngine) Tick(ctx context.Context, st TickState) (TickState, TickResult, error) {
	start := time.Now()
	res := TickResult{ID: uuid.NewString()}
	tun := e.Tunables()
	log := e.logger.With(zap.String("tick_id", res.ID))

	// 1. 采样价格
	price, err := e.samplePrice(ctx, tun)
	if err != nil {
		e.abandon(log, res, err, start)
		return st, res, err
	}
	res.Price = price

	// 2. 组合估值
	bal, err := e.fetchBalances(ctx)
	if err != nil {
		e.abandon(log, res, err, start)
		return st, res, err
	}
	next := TickState{Levels: st.Levels.Clone(), PrevPrice: st.PrevPrice, HasPrev: st.HasPrev}
	snap := e.valuer.Value(price, bal, next.Levels, e.cfg.Reserve)
	res.Snapshot = snap

	// 3. 买入：只认向下穿越，每个 tick 至多一笔
	advance := true
	bought := false
	if idx := crossedLevel(next.Levels, st, price); idx >= 0 {
		trade, err := e.buy(ctx, &next.Levels, idx, snap, tun)
		if err != nil {
			e.reject(log, &res, ActionBuy, err)
			if abandonsCrossing(err) {
				advance = false
			}
		} else {
			bought = true
			e.recordTrade(log, &res, trade, snap)
		}
	}

	// 4. 卖出：价格到达上沿时整体清仓优先，且不再逐档卖出
	canSell := true
	if bought {
		if bal, err = e.fetchBalances(ctx); err != nil {
			log.Warn("Refresh balances after buy failed, skipping sells", zap.Error(err))
			canSell = false
		}
	}
	switch {
	case !canSell:
	case price >= e.cfg.Upper && next.Levels.FilledCount() > 0:
		trade, err := e.bulkSell(ctx, &next.Levels, bal.Base, tun)
		if err != nil {
			e.reject(log, &res, ActionBulkSell, err)
		} else {
			e.recordTrade(log, &res, trade, snap)
		}
	default:
		trade, ok, err := e.ladderSell(ctx, log, &next.Levels, bal.Base, tun)
		if err != nil {
			e.reject(log, &res, ActionSell, err)
		} else if ok {
			e.recordTrade(log, &res, trade, snap)
		}
	}

	// 5. 上一价格：触发的买入未成交时保留旧值，让穿越在下个 tick 重新成立
	if advance {
		next.PrevPrice = price
		next.HasPrev = true
	}

	e.statsMu.Lock()
	e.stats.TotalTicks++
	e.stats.LastTickTime = time.Now()
	e.stats.LastPrice = price
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.ObserveTick("ok", time.Since(start))
		e.metrics.ObservePortfolio(snap, next.Levels.FilledCount())
	}
	log.Info("Grid tick",
		zap.Float64("price", price),
		zap.Float64("free_capital", snap.FreeCapitalInQuote),
		zap.Int("filled_levels", next.Levels.FilledCount()),
		zap.Int("trades", len(res.Trades)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Bool("prev_advanced", advance))
	return next, res, nil
}

// crossedLevel 升序扫描，返回第一个满足 prev > level >= cur 的空档；没有上一价格时不触发。
func crossedLevel(set strategy.GridLevelSet, st TickState, price float64) int {
	if !st.HasPrev {
		return -1
	}
	for i, l := range set.Levels {
		if l.State() != strategy.LevelEmpty {
			continue
		}
		if st.PrevPrice > l.Price && price <= l.Price {
			return i
		}
	}
	return -1
}

func (e *GridEngine) samplePrice(ctx context.Context, tun Tunables) (float64, error) {
	q, err := e.quote(ctx, e.cfg.QuoteMint, e.cfg.BaseMint, e.cfg.ProbeAmount, tun.SlippageBps)
	if err != nil {
		return 0, err
	}
	price := units.Price(q.InAmount, e.cfg.QuoteDecimals, q.OutAmount, e.cfg.BaseDecimals)
	if price <= 0 {
		return 0, fmt.Errorf("%w: probe returned zero output", ErrNoPriceAvailable)
	}
	return price, nil
}

func (e *GridEngine) quote(ctx context.Context, in, out string, amount uint64, slippageBps int) (gateway.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	q, err := e.oracle.Quote(ctx, in, out, amount, slippageBps)
	if err != nil {
		return q, fmt.Errorf("%w: %w", ErrNoPriceAvailable, err)
	}
	if !q.HasRoute {
		return q, fmt.Errorf("%w: no route %s -> %s for %d", ErrNoPriceAvailable, in, out, amount)
	}
	return q, nil
}

func (e *GridEngine) fetchBalances(ctx context.Context) (inventory.Balances, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	bal, err := e.balances.Balances(ctx)
	if err != nil {
		return bal, fmt.Errorf("fetch balances: %w", err)
	}
	return bal, nil
}

func (e *GridEngine) buy(ctx context.Context, set *strategy.GridLevelSet, idx int, snap inventory.Snapshot, tun Tunables) (Trade, error) {
	level := set.Levels[idx]
	size, ok := inventory.PerLevelBuy(snap, tun.MinOrder)
	if !ok {
		return Trade{}, fmt.Errorf("%w: level %d free %.9f over %d empty levels, min order %.9f",
			ErrInsufficientCapital, idx, snap.FreeCapitalInQuote, snap.RemainingEmptyLevels, tun.MinOrder)
	}
	amountIn := units.FromFloat(size, e.cfg.QuoteDecimals)
	q, err := e.quote(ctx, e.cfg.QuoteMint, e.cfg.BaseMint, amountIn, tun.SlippageBps)
	if err != nil {
		return Trade{}, err
	}
	fill, err := e.execute(ctx, ActionBuy, q)
	if err != nil {
		return Trade{}, err
	}
	if err := set.MarkBought(idx, fill.FilledAmount); err != nil {
		return Trade{}, fmt.Errorf("%w: %s confirmed with unusable fill: %w", ErrExecutionFailed, fill.Signature, err)
	}
	e.persist(*set, ActionBuy)
	return Trade{
		Action:      ActionBuy,
		Level:       idx,
		LevelPrice:  level.Price,
		AmountIn:    q.InAmount,
		AmountOut:   fill.FilledAmount,
		Signature:   fill.Signature,
		PriorityFee: fill.PriorityFee,
	}, nil
}

// ladderSell 升序检查除顶档外的已买档位，卖出第一个满足阈值的档位。ok=false 表示没有档位满足条件。
func (e *GridEngine) ladderSell(ctx context.Context, log *zap.Logger, set *strategy.GridLevelSet, baseBalance uint64, tun Tunables) (Trade, bool, error) {
	for i := 0; i < set.Len()-1; i++ {
		lvl := set.Levels[i]
		if lvl.State() != strategy.LevelFilled || baseBalance < lvl.FilledAmount {
			continue
		}
		q, err := e.quote(ctx, e.cfg.BaseMint, e.cfg.QuoteMint, lvl.FilledAmount, tun.SlippageBps)
		if err != nil {
			log.Debug("Sell quote unavailable", zap.Int("level", i), zap.Error(err))
			continue
		}
		sellPrice := units.Price(q.OutAmount, e.cfg.QuoteDecimals, lvl.FilledAmount, e.cfg.BaseDecimals)
		if sellPrice < tun.SellThreshold {
			continue
		}
		fill, err := e.execute(ctx, ActionSell, q)
		if err != nil {
			return Trade{}, false, fmt.Errorf("level %d: %w", i, err)
		}
		if err := set.MarkEmpty(i); err != nil {
			return Trade{}, false, err
		}
		e.persist(*set, ActionSell)
		return Trade{
			Action:      ActionSell,
			Level:       i,
			LevelPrice:  lvl.Price,
			AmountIn:    lvl.FilledAmount,
			AmountOut:   fill.FilledAmount,
			Signature:   fill.Signature,
			PriorityFee: fill.PriorityFee,
		}, true, nil
	}
	return Trade{}, false, nil
}

// bulkSell 一笔卖出所有已买数量（不超过钱包余额），成功后整条阶梯复位并只落盘一次。
func (e *GridEngine) bulkSell(ctx context.Context, set *strategy.GridLevelSet, baseBalance uint64, tun Tunables) (Trade, error) {
	amount := set.TotalFilled()
	if baseBalance < amount {
		amount = baseBalance
	}
	if amount == 0 {
		return Trade{}, fmt.Errorf("%w: no base balance to liquidate", risk.ErrAmountTooSmall)
	}

	e.setMode(set, strategy.LadderLiquidating, amount)
	q, err := e.quote(ctx, e.cfg.BaseMint, e.cfg.QuoteMint, amount, tun.SlippageBps)
	if err != nil {
		e.setMode(set, strategy.LadderNormal, amount)
		return Trade{}, err
	}
	fill, err := e.execute(ctx, ActionBulkSell, q)
	if err != nil {
		e.setMode(set, strategy.LadderNormal, amount)
		return Trade{}, err
	}
	set.ResetAll()
	e.setMode(set, strategy.LadderNormal, amount)
	e.persist(*set, ActionBulkSell)
	return Trade{
		Action:      ActionBulkSell,
		Level:       -1,
		LevelPrice:  e.cfg.Upper,
		AmountIn:    amount,
		AmountOut:   fill.FilledAmount,
		Signature:   fill.Signature,
		PriorityFee: fill.PriorityFee,
	}, nil
}

func (e *GridEngine) setMode(set *strategy.GridLevelSet, mode strategy.LadderMode, amount uint64) {
	set.Mode = mode
	e.logger.Info("ladder mode",
		zap.String("mode", mode.String()),
		zap.Int("filled", set.FilledCount()),
		zap.Uint64("amount", amount))
	if e.metrics != nil {
		e.metrics.ObserveLadderMode(mode == strategy.LadderLiquidating)
	}
}

// execute Prepare -> 风控检查 -> Submit。只有确认成交才返回 nil。
func (e *GridEngine) execute(ctx context.Context, action Action, q gateway.Quote) (gateway.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	defer cancel()

	ps, err := e.gateway.Prepare(ctx, q)
	if err != nil {
		return gateway.Fill{}, fmt.Errorf("%w: prepare %s: %w", ErrExecutionFailed, action, err)
	}
	if err := e.guard.PreExecute(risk.Execution{
		Action:      string(action),
		AmountIn:    q.InAmount,
		PriorityFee: ps.PriorityFee,
	}); err != nil {
		if errors.Is(err, ErrFeeTooHigh) {
			e.logger.LogRisk("fee_ceiling", map[string]interface{}{
				"action":           string(action),
				"priority_fee":     ps.PriorityFee,
				"max_priority_fee": e.fee.Ceiling(),
			})
		}
		return gateway.Fill{}, err
	}
	fill, err := e.gateway.Submit(ctx, ps)
	if err != nil {
		return fill, fmt.Errorf("%w: submit %s: %w", ErrExecutionFailed, action, err)
	}
	if !fill.Confirmed {
		return fill, fmt.Errorf("%w: %s %s not confirmed", ErrExecutionFailed, action, fill.Signature)
	}
	return fill, nil
}

// persist 落盘失败只记录告警：链上已成交，内存状态保持不变，下一次保存会补上。
func (e *GridEngine) persist(set strategy.GridLevelSet, action Action) {
	if err := e.store.Save(set); err != nil {
		e.statsMu.Lock()
		e.stats.SaveFailures++
		e.statsMu.Unlock()
		e.logger.LogError(err, map[string]interface{}{"action": string(action), "stage": "save_state"})
		if e.alerts != nil {
			_ = e.alerts.SendError("网格状态保存失败", map[string]interface{}{
				"action": string(action),
				"error":  err.Error(),
			})
		}
	}
}

func (e *GridEngine) recordTrade(log *zap.Logger, res *TickResult, t Trade, snap inventory.Snapshot) {
	res.Trades = append(res.Trades, t)

	e.statsMu.Lock()
	switch t.Action {
	case ActionBuy:
		e.stats.Buys++
	case ActionSell:
		e.stats.Sells++
	case ActionBulkSell:
		e.stats.BulkSells++
	}
	e.statsMu.Unlock()

	fields := map[string]interface{}{
		"tick_id":      res.ID,
		"action":       string(t.Action),
		"level":        t.Level,
		"level_price":  t.LevelPrice,
		"price":        res.Price,
		"amount_in":    t.AmountIn,
		"amount_out":   t.AmountOut,
		"signature":    t.Signature,
		"priority_fee": t.PriorityFee,
	}
	e.logger.LogTrade("grid_trade", fields)

	if e.metrics != nil {
		e.metrics.RecordTrade(string(t.Action), t.AmountIn, t.PriorityFee)
	}
	if e.journal != nil {
		if err := e.journal.Write(journal.Record{
			TickID:       res.ID,
			Action:       string(t.Action),
			Level:        t.Level,
			LevelPrice:   t.LevelPrice,
			Price:        res.Price,
			AmountIn:     units.FormatRaw(t.AmountIn),
			AmountOut:    units.FormatRaw(t.AmountOut),
			QuoteBalance: snap.QuoteBalance,
			BaseBalance:  snap.BaseBalance,
			Signature:    t.Signature,
			PriorityFee:  t.PriorityFee,
		}); err != nil {
			log.Warn("Write trade journal failed", zap.Error(err))
		}
	}
	if e.alerts != nil {
		_ = e.alerts.SendInfo(fmt.Sprintf("网格%s 成交 档位 %d @ %.9f", actionLabel(t.Action), t.Level, t.LevelPrice), fields)
	}
}

func (e *GridEngine) reject(log *zap.Logger, res *TickResult, action Action, err error) {
	res.Rejected = append(res.Rejected, err)
	e.statsMu.Lock()
	e.stats.RejectedActions++
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordRejected(string(action), reason(err))
	}

	if errors.Is(err, ErrInsufficientCapital) {
		log.Info("Buy skipped", zap.Error(err))
		return
	}
	log.Warn("Grid action abandoned", zap.String("action", string(action)), zap.Error(err))
	if e.alerts != nil {
		_ = e.alerts.SendWarning(fmt.Sprintf("网格%s 未执行: %s", actionLabel(action), reason(err)), map[string]interface{}{
			"tick_id": res.ID,
			"error":   err.Error(),
		})
	}
}

func (e *GridEngine) abandon(log *zap.Logger, res TickResult, err error, start time.Time) {
	e.statsMu.Lock()
	e.stats.TotalTicks++
	e.stats.AbandonedTicks++
	e.stats.LastTickTime = time.Now()
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.ObserveTick(reason(err), time.Since(start))
	}
	log.Warn("Grid tick abandoned", zap.Error(err))
	if e.alerts != nil && !errors.Is(err, ErrNoPriceAvailable) {
		_ = e.alerts.SendWarning("网格 tick 放弃", map[string]interface{}{"tick_id": res.ID, "error": err.Error()})
	}
}

func actionLabel(a Action) string {
	switch a {
	case ActionBuy:
		return "买入"
	case ActionSell:
		return "卖出"
	case ActionBulkSell:
		return "清仓"
	default:
		return string(a)
	}
}
