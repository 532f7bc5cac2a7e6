package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-swap-go/gateway"
	"grid-swap-go/infrastructure/alert"
	"grid-swap-go/infrastructure/logger"
	"grid-swap-go/internal/journal"
	"grid-swap-go/internal/store"
	"grid-swap-go/internal/units"
	"grid-swap-go/inventory"
	"grid-swap-go/strategy"
)

const (
	testQuoteMint = gateway.NativeMint
	testBaseMint  = "PHBaseMint1111111111111111111111111111111111"
)

// fakeChain 同时扮演报价源、执行网关和余额源。价格为计价资产 / 基础资产（9 / 6 位精度）。
type fakeChain struct {
	price       float64
	sellPrice   float64 // 0 表示与 price 相同
	noRoute     bool
	quoteErr    error
	bal         inventory.Balances
	balErr      error
	fee         uint64
	submitErr   error
	unconfirmed bool
	// 阻塞到 ctx 结束，模拟挂起的报价 / 广播
	hangQuote  bool
	hangSubmit bool

	quotes    []gateway.Quote
	submitted []gateway.Quote
}

func (f *fakeChain) Quote(ctx context.Context, in, out string, amount uint64, slippageBps int) (gateway.Quote, error) {
	if f.hangQuote {
		<-ctx.Done()
		return gateway.Quote{}, ctx.Err()
	}
	if f.quoteErr != nil {
		return gateway.Quote{}, f.quoteErr
	}
	q := gateway.Quote{InputMint: in, OutputMint: out, InAmount: amount, SlippageBps: slippageBps}
	if f.noRoute {
		return q, nil
	}
	switch in {
	case testQuoteMint:
		q.OutAmount = units.FromFloat(units.ToFloat(amount, 9)/f.price, 6)
	case testBaseMint:
		p := f.sellPrice
		if p == 0 {
			p = f.price
		}
		q.OutAmount = units.FromFloat(units.ToFloat(amount, 6)*p, 9)
	}
	q.HasRoute = q.OutAmount > 0
	f.quotes = append(f.quotes, q)
	return q, nil
}

func (f *fakeChain) Prepare(_ context.Context, q gateway.Quote) (gateway.PreparedSwap, error) {
	return gateway.PreparedSwap{Quote: q, Transaction: []byte{1}, PriorityFee: f.fee}, nil
}

func (f *fakeChain) Submit(ctx context.Context, ps gateway.PreparedSwap) (gateway.Fill, error) {
	if f.hangSubmit {
		<-ctx.Done()
		return gateway.Fill{}, ctx.Err()
	}
	if f.submitErr != nil {
		return gateway.Fill{}, f.submitErr
	}
	f.submitted = append(f.submitted, ps.Quote)
	if f.unconfirmed {
		return gateway.Fill{Signature: "pending"}, nil
	}
	q := ps.Quote
	if q.InputMint == testQuoteMint {
		f.bal.Quote -= q.InAmount
		f.bal.Base += q.OutAmount
	} else {
		f.bal.Base -= q.InAmount
		f.bal.Quote += q.OutAmount
	}
	return gateway.Fill{
		Confirmed:    true,
		Signature:    fmt.Sprintf("sig-%d", len(f.submitted)),
		FilledAmount: q.OutAmount,
		PriorityFee:  ps.PriorityFee,
	}, nil
}

func (f *fakeChain) Balances(context.Context) (inventory.Balances, error) {
	return f.bal, f.balErr
}

// modeRecorder 只记录阶梯模式变化
type modeRecorder struct {
	modes []bool
}

func (r *modeRecorder) ObserveTick(string, time.Duration)        {}
func (r *modeRecorder) ObservePortfolio(inventory.Snapshot, int) {}
func (r *modeRecorder) RecordTrade(string, uint64, uint64)       {}
func (r *modeRecorder) RecordRejected(string, string)            {}
func (r *modeRecorder) ObserveLadderMode(liquidating bool)       { r.modes = append(r.modes, liquidating) }

type failingStore struct{ calls int }

func (s *failingStore) Save(strategy.GridLevelSet) error {
	s.calls++
	return errors.New("disk full")
}

type harness struct {
	chain  *fakeChain
	engine *GridEngine
	store  *store.Store
	alerts *alert.MockChannel
	jpath  string
	state  TickState
}

func newHarness(t *testing.T, lower, upper float64, steps int, tun Tunables, opts ...func(*Config)) *harness {
	t.Helper()
	prices, err := strategy.BuildLadder(lower, upper, steps)
	require.NoError(t, err)

	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "state.json"), nil)
	mock := alert.NewMockChannel("mock")
	jpath := filepath.Join(dir, "trades.jsonl")
	chain := &fakeChain{bal: inventory.Balances{Quote: 10_000_000_000}}

	cfg := Config{
		QuoteMint:     testQuoteMint,
		BaseMint:      testBaseMint,
		QuoteDecimals: 9,
		BaseDecimals:  6,
		Upper:         upper,
		ProbeAmount:   1_000_000_000,
	}
	for _, o := range opts {
		o(&cfg)
	}
	e, err := New(cfg, tun, Components{
		Oracle:   chain,
		Gateway:  chain,
		Balances: chain,
		Store:    st,
		Journal:  journal.New(jpath),
		Alerts:   alert.NewManager([]alert.Channel{mock}, 0),
		Logger:   logger.NewNop(),
	})
	require.NoError(t, err)
	return &harness{
		chain:  chain,
		engine: e,
		store:  st,
		alerts: mock,
		jpath:  jpath,
		state:  NewTickState(strategy.NewGridLevelSet(prices)),
	}
}

// tick 以给定价格跑一次并推进状态
func (h *harness) tick(t *testing.T, price float64) (TickResult, error) {
	t.Helper()
	h.chain.price = price
	next, res, err := h.engine.Tick(context.Background(), h.state)
	h.state = next
	return res, err
}

func defaultTunables() Tunables {
	return Tunables{SlippageBps: 50, SellThreshold: 100, MinOrder: 0.001}
}

func TestTickBuysOnlyOnDownwardCrossing(t *testing.T) {
	h := newHarness(t, 0.8, 1.6, 1, defaultTunables()) // levels [0.8, 1.6]

	tests := []struct {
		name      string
		price     float64
		wantBuys  int
		wantLevel int
	}{
		{"首个价格只记录", 1.0, 0, -1},
		{"1.0 到 0.9 未穿越 0.8", 0.9, 0, -1},
		{"0.9 到 0.5 穿越 0.8", 0.5, 1, 0},
		{"已买档位不再触发", 0.3, 0, -1},
		{"反弹后再次下穿也不触发", 0.9, 0, -1},
		{"再次下穿仍不触发", 0.5, 0, -1},
	}
	for _, tc := range tests {
		res, err := h.tick(t, tc.price)
		require.NoError(t, err, tc.name)
		assert.Len(t, res.Trades, tc.wantBuys, tc.name)
		if tc.wantBuys > 0 {
			assert.Equal(t, ActionBuy, res.Trades[0].Action, tc.name)
			assert.Equal(t, tc.wantLevel, res.Trades[0].Level, tc.name)
		}
	}
	assert.Len(t, h.chain.submitted, 1)
	assert.True(t, h.state.Levels.Levels[0].Bought)
	assert.False(t, h.state.Levels.Levels[1].Bought)
}

func TestTickNoBuyWithoutPreviousPrice(t *testing.T) {
	h := newHarness(t, 1, 2, 2, defaultTunables())
	res, err := h.tick(t, 0.5)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.True(t, h.state.HasPrev)
	assert.Equal(t, 0.5, h.state.PrevPrice)
}

func TestTickSizingEqualWeight(t *testing.T) {
	tun := defaultTunables()
	tun.MinOrder = 1
	h := newHarness(t, 1, 2, 4, tun) // 5 档，10 SOL

	_, err := h.tick(t, 2.5)
	require.NoError(t, err)
	res, err := h.tick(t, 1.9)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 4, res.Trades[0].Level)
	require.Len(t, h.chain.submitted, 1)
	assert.Equal(t, uint64(2_000_000_000), h.chain.submitted[0].InAmount, "10 free / 5 empty levels")
	assert.Equal(t, 5, res.Snapshot.RemainingEmptyLevels)
}

func TestTickInsufficientCapitalStillAdvances(t *testing.T) {
	tun := defaultTunables()
	tun.MinOrder = 5 // 10 / 3 < 5
	h := newHarness(t, 1, 2, 2, tun)

	_, err := h.tick(t, 2.5)
	require.NoError(t, err)
	res, err := h.tick(t, 1.2)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0], ErrInsufficientCapital)
	assert.Equal(t, 1.2, roundPrice(h.state.PrevPrice))
	assert.Empty(t, h.chain.submitted)
}

func TestTickReserveNeverSpent(t *testing.T) {
	h := newHarness(t, 1, 2, 1, defaultTunables())
	h.engine.cfg.Reserve = 10 // 全部余额被预留
	_, err := h.tick(t, 2.5)
	require.NoError(t, err)
	res, err := h.tick(t, 0.9)
	require.NoError(t, err)
	assert.Empty(t, h.chain.submitted)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0], ErrInsufficientCapital)
}

func TestTickFeeGuardKeepsStateAndCrossing(t *testing.T) {
	tun := defaultTunables()
	tun.MaxPriorityFee = 5_000
	h := newHarness(t, 1, 2, 2, tun) // [1, 1.5, 2]
	h.chain.fee = 10_000

	_, err := h.tick(t, 2.5)
	require.NoError(t, err)
	res, err := h.tick(t, 1.2)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0], ErrFeeTooHigh)
	assert.Empty(t, h.chain.submitted, "fee guard runs before submit")
	assert.Equal(t, 0, h.state.Levels.FilledCount())
	assert.Equal(t, 2.5, roundPrice(h.state.PrevPrice), "crossing must re-qualify next tick")

	h.chain.fee = 1_000
	res, err = h.tick(t, 1.2)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 1, res.Trades[0].Level)
	assert.Equal(t, uint64(1_000), res.Trades[0].PriorityFee)
}

func TestTickSetTunablesUpdatesFeeCeiling(t *testing.T) {
	h := newHarness(t, 1, 2, 2, defaultTunables())
	h.chain.fee = 10_000
	tun := h.engine.Tunables()
	tun.MaxPriorityFee = 100
	h.engine.SetTunables(tun)
	assert.Equal(t, uint64(100), h.engine.Tunables().MaxPriorityFee)

	_, err := h.tick(t, 2.5)
	require.NoError(t, err)
	res, err := h.tick(t, 1.2)
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0], ErrFeeTooHigh)
}

func TestTickExecutionFailureLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *fakeChain)
	}{
		{"广播失败", func(c *fakeChain) { c.submitErr = errors.New("blockhash expired") }},
		{"未确认", func(c *fakeChain) { c.unconfirmed = true }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1, 2, 2, defaultTunables())
			_, err := h.tick(t, 2.5)
			require.NoError(t, err)
			tc.setup(h.chain)
			res, err := h.tick(t, 1.2)
			require.NoError(t, err)
			assert.Empty(t, res.Trades)
			require.Len(t, res.Rejected, 1)
			assert.ErrorIs(t, res.Rejected[0], ErrExecutionFailed)
			assert.Equal(t, 0, h.state.Levels.FilledCount())
			assert.Equal(t, 2.5, roundPrice(h.state.PrevPrice))
		})
	}
}

func TestTickAbandonedKeepsPreviousPrice(t *testing.T) {
	h := newHarness(t, 1, 2, 2, defaultTunables())
	_, err := h.tick(t, 2.5)
	require.NoError(t, err)
	before := h.state

	h.chain.balErr = errors.New("rpc down")
	_, err = h.tick(t, 1.2)
	require.Error(t, err)
	assert.Equal(t, before.PrevPrice, h.state.PrevPrice)
	assert.Empty(t, h.chain.submitted)

	h.chain.balErr = nil
	h.chain.noRoute = true
	_, err = h.tick(t, 1.2)
	assert.ErrorIs(t, err, ErrNoPriceAvailable)
	assert.Equal(t, before.PrevPrice, h.state.PrevPrice)

	h.chain.noRoute = false
	h.chain.quoteErr = context.DeadlineExceeded
	_, err = h.tick(t, 1.2)
	assert.ErrorIs(t, err, ErrNoPriceAvailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 恢复后穿越仍然成立
	h.chain.quoteErr = nil
	res, err := h.tick(t, 1.2)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	stats := h.engine.GetStatistics()
	assert.Equal(t, int64(5), stats.TotalTicks)
	assert.Equal(t, int64(3), stats.AbandonedTicks)
	assert.Equal(t, int64(1), stats.Buys)
}

func assertNothingPersisted(t *testing.T, h *harness) {
	t.Helper()
	_, err := os.Stat(h.store.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist), "状态文件不应被写入: %v", err)
}

func TestTickCallTimeoutAbortsHangingOracle(t *testing.T) {
	h := newHarness(t, 1, 2, 2, defaultTunables(), func(c *Config) { c.CallTimeout = 50 * time.Millisecond })
	h.chain.hangQuote = true

	// 第一次采样就挂起：没有价格，HasPrev 保持 false
	start := time.Now()
	_, err := h.tick(t, 2.5)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrNoPriceAvailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.state.HasPrev)

	h.chain.hangQuote = false
	_, err = h.tick(t, 2.5)
	require.NoError(t, err)
	prev := h.state.PrevPrice
	levels := h.state.Levels.Clone()

	h.chain.hangQuote = true
	start = time.Now()
	_, err = h.tick(t, 1.2)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, h.state.HasPrev)
	assert.Equal(t, prev, h.state.PrevPrice)
	assert.Equal(t, levels, h.state.Levels)
	assert.Empty(t, h.chain.submitted)
	assertNothingPersisted(t, h)
}

func TestTickExecTimeoutAbortsHangingSubmit(t *testing.T) {
	h := newHarness(t, 1, 2, 2, defaultTunables(), func(c *Config) { c.ExecTimeout = 50 * time.Millisecond })
	_, err := h.tick(t, 2.5)
	require.NoError(t, err)
	prev := h.state.PrevPrice
	levels := h.state.Levels.Clone()

	h.chain.hangSubmit = true
	start := time.Now()
	res, err := h.tick(t, 1.2)
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0], ErrExecutionFailed)
	assert.ErrorIs(t, res.Rejected[0], context.DeadlineExceeded)
	assert.True(t, h.state.HasPrev)
	assert.Equal(t, prev, h.state.PrevPrice)
	assert.Equal(t, levels, h.state.Levels)
	assertNothingPersisted(t, h)
}

func TestTickLadderSell(t *testing.T) {
	tun := defaultTunables()
	tun.SellThreshold = 1.6
	h := newHarness(t, 1, 2, 2, tun) // [1, 1.5, 2]
	require.NoError(t, h.state.Levels.MarkBought(0, 1_000_000))
	require.NoError(t, h.state.Levels.MarkBought(2, 1_000_000))
	h.chain.bal.Base = 2_000_000

	res, err := h.tick(t, 1.8)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, ActionSell, res.Trades[0].Action)
	assert.Equal(t, 0, res.Trades[0].Level)
	assert.Equal(t, uint64(1_000_000), h.chain.submitted[0].InAmount)
	assert.Equal(t, testBaseMint, h.chain.submitted[0].InputMint)
	assert.False(t, h.state.Levels.Levels[0].Bought)
	assert.True(t, h.state.Levels.Levels[2].Bought, "top level is only sold by liquidation")

	saved, err := store.ReadSnapshot(h.store.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, saved.FilledCount())
}

func TestTickLadderSellConditions(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		base      uint64
	}{
		{"卖出价低于阈值", 1.9, 2_000_000},
		{"余额不足以覆盖档位数量", 1.6, 500_000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tun := defaultTunables()
			tun.SellThreshold = tc.threshold
			h := newHarness(t, 1, 2, 2, tun)
			require.NoError(t, h.state.Levels.MarkBought(0, 1_000_000))
			h.chain.bal.Base = tc.base

			res, err := h.tick(t, 1.8)
			require.NoError(t, err)
			assert.Empty(t, res.Trades)
			assert.Empty(t, h.chain.submitted)
			assert.True(t, h.state.Levels.Levels[0].Bought)
		})
	}
}

func TestTickBulkSellTakesPrecedence(t *testing.T) {
	tun := defaultTunables()
	tun.SellThreshold = 1.0 // 逐档卖出条件同时成立
	h := newHarness(t, 1, 2, 2, tun)
	require.NoError(t, h.state.Levels.MarkBought(0, 1_000_000))
	require.NoError(t, h.state.Levels.MarkBought(1, 1_500_000))
	h.chain.bal.Base = 5_000_000

	res, err := h.tick(t, 2.5)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, ActionBulkSell, res.Trades[0].Action)
	assert.Equal(t, -1, res.Trades[0].Level)
	require.Len(t, h.chain.submitted, 1)
	assert.Equal(t, uint64(2_500_000), h.chain.submitted[0].InAmount)
	assert.Equal(t, 0, h.state.Levels.FilledCount())
	assert.Equal(t, strategy.LadderNormal, h.state.Levels.Mode)

	saved, err := store.ReadSnapshot(h.store.Path())
	require.NoError(t, err)
	assert.Equal(t, 0, saved.FilledCount())
}

func TestTickBulkSellExportsLadderMode(t *testing.T) {
	tests := []struct {
		name      string
		submitErr error
		filled    int
	}{
		{"成功后复位", nil, 0},
		{"失败也恢复为 NORMAL", errors.New("timeout"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, 2, 2, defaultTunables())
			rec := &modeRecorder{}
			h.engine.metrics = rec
			require.NoError(t, h.state.Levels.MarkBought(0, 1_000_000))
			h.chain.bal.Base = 1_000_000
			h.chain.submitErr = tt.submitErr

			_, err := h.tick(t, 2.5)
			require.NoError(t, err)
			assert.Equal(t, []bool{true, false}, rec.modes)
			assert.Equal(t, strategy.LadderNormal, h.state.Levels.Mode)
			assert.Equal(t, tt.filled, h.state.Levels.FilledCount())
		})
	}
}

func TestTickBulkSellCappedByBalance(t *testing.T) {
	h := newHarness(t, 1, 2, 2, defaultTunables())
	require.NoError(t, h.state.Levels.MarkBought(0, 1_000_000))
	require.NoError(t, h.state.Levels.MarkBought(1, 1_000_000))
	h.chain.bal.Base = 1_200_000

	res, err := h.tick(t, 2.0)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, uint64(1_200_000), h.chain.submitted[0].InAmount)
}

func TestTickBulkSellFailureRestoresMode(t *testing.T) {
	h := newHarness(t, 1, 2, 2, defaultTunables())
	require.NoError(t, h.state.Levels.MarkBought(0, 1_000_000))
	h.chain.bal.Base = 1_000_000
	h.chain.submitErr = errors.New("timeout")

	res, err := h.tick(t, 2.5)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0], ErrExecutionFailed)
	assert.Equal(t, strategy.LadderNormal, h.state.Levels.Mode)
	assert.Equal(t, 1, h.state.Levels.FilledCount())
}

func TestTickEndToEndScenario(t *testing.T) {
	tun := defaultTunables()
	tun.SellThreshold = 0.0018
	h := newHarness(t, 0.001, 0.002, 2, tun)
	assert.InDeltaSlice(t, []float64{0.001, 0.0015, 0.002}, h.state.Levels.Prices(), 1e-15)

	_, err := h.tick(t, 1.0)
	require.NoError(t, err)

	res, err := h.tick(t, 0.0012)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 1, res.Trades[0].Level)
	assert.InDelta(t, 0.0015, res.Trades[0].LevelPrice, 1e-12)
	assert.False(t, h.state.Levels.Levels[0].Bought, "0.001 untouched until price crosses it")
	assert.True(t, h.state.Levels.Levels[1].Bought)
	assert.False(t, h.state.Levels.Levels[2].Bought)

	res, err = h.tick(t, 0.0011)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	res, err = h.tick(t, 0.0009)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 0, res.Trades[0].Level)

	// 重启：从磁盘恢复得到同样的阶梯
	reloaded, err := store.New(h.store.Path(), nil).Load(h.state.Levels.Prices())
	require.NoError(t, err)
	assert.Equal(t, h.state.Levels.Levels, reloaded.Levels)

	// 价格涨到上沿：整体清仓
	res, err = h.tick(t, 0.0021)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, ActionBulkSell, res.Trades[0].Action)
	assert.Equal(t, 0, h.state.Levels.FilledCount())

	recs, err := journal.ReadAll(h.jpath)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "BUY", recs[0].Action)
	assert.Equal(t, "BULK_SELL", recs[2].Action)
	assert.NotEmpty(t, recs[0].Signature)
	assert.GreaterOrEqual(t, h.alerts.Count(), 3)
}

func TestTickSaveFailureKeepsMutation(t *testing.T) {
	prices, err := strategy.BuildLadder(1, 2, 2)
	require.NoError(t, err)
	chain := &fakeChain{bal: inventory.Balances{Quote: 10_000_000_000}}
	fs := &failingStore{}
	e, err := New(Config{
		QuoteMint: testQuoteMint, BaseMint: testBaseMint,
		QuoteDecimals: 9, BaseDecimals: 6, Upper: 2, ProbeAmount: 1_000_000_000,
	}, defaultTunables(), Components{
		Oracle: chain, Gateway: chain, Balances: chain, Store: fs, Logger: logger.NewNop(),
	})
	require.NoError(t, err)

	st := NewTickState(strategy.NewGridLevelSet(prices))
	chain.price = 2.5
	st, _, err = e.Tick(context.Background(), st)
	require.NoError(t, err)
	chain.price = 1.2
	st, res, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 1, st.Levels.FilledCount())
	assert.Equal(t, 1, fs.calls)
	assert.Equal(t, int64(1), e.GetStatistics().SaveFailures)
}

func TestTickDoesNotMutateInputState(t *testing.T) {
	h := newHarness(t, 1, 2, 2, defaultTunables())
	_, err := h.tick(t, 2.5)
	require.NoError(t, err)
	before := h.state
	h.chain.price = 1.2
	next, res, err := h.engine.Tick(context.Background(), before)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 0, before.Levels.FilledCount())
	assert.Equal(t, 1, next.Levels.FilledCount())
}

func TestNewValidates(t *testing.T) {
	chain := &fakeChain{}
	good := Components{Oracle: chain, Gateway: chain, Balances: chain, Store: &failingStore{}, Logger: logger.NewNop()}
	cfg := Config{QuoteMint: testQuoteMint, BaseMint: testBaseMint, Upper: 2, ProbeAmount: 1}

	tests := []struct {
		name string
		cfg  Config
		c    Components
	}{
		{"缺少 mint", Config{Upper: 2, ProbeAmount: 1}, good},
		{"相同 mint", Config{QuoteMint: "a", BaseMint: "a", Upper: 2, ProbeAmount: 1}, good},
		{"上沿非正", Config{QuoteMint: "a", BaseMint: "b", ProbeAmount: 1}, good},
		{"探测数量为 0", Config{QuoteMint: "a", BaseMint: "b", Upper: 2}, good},
		{"缺少报价源", cfg, Components{Gateway: chain, Balances: chain, Store: &failingStore{}, Logger: logger.NewNop()}},
		{"缺少日志", cfg, Components{Oracle: chain, Gateway: chain, Balances: chain, Store: &failingStore{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, Tunables{}, tc.c)
			assert.Error(t, err)
		})
	}

	e, err := New(cfg, Tunables{}, good)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, e.cfg.CallTimeout)
}

// roundPrice 去掉探测换算带来的末位误差
func roundPrice(p float64) float64 {
	return float64(int64(p*1e6+0.5)) / 1e6
}
