package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"grid-swap-go/config"
	"grid-swap-go/gateway"
	"grid-swap-go/infrastructure/alert"
	"grid-swap-go/internal/container"
	"grid-swap-go/internal/engine"
	"grid-swap-go/inventory"
)

// newClients RPC 与聚合器各用独立的令牌桶。
func newClients(cfg config.AppConfig, observe gateway.RequestObserver) (*gateway.RPCClient, *gateway.JupiterClient) {
	httpCli := gateway.NewDefaultHTTPClient()
	rpc := &gateway.RPCClient{
		URL:        cfg.Solana.RPCURL,
		HTTPClient: httpCli,
		Limiter:    gateway.NewTokenBucketLimiter(cfg.Solana.RPS, cfg.Solana.Burst),
		Commitment: cfg.Solana.Commitment,
		Observe:    observe,
	}
	jup := &gateway.JupiterClient{
		BaseURL:       cfg.Jupiter.BaseURL,
		HTTPClient:    httpCli,
		Limiter:       gateway.NewTokenBucketLimiter(cfg.Jupiter.RPS, cfg.Jupiter.Burst),
		PriorityLevel: cfg.Jupiter.PriorityLevel,
		Observe:       observe,
	}
	jup.SetMaxPriorityFee(cfg.Execution.MaxPriorityFeeLamports)
	return rpc, jup
}

func lookupDecimals(ctx context.Context, rpc *gateway.RPCClient, cfg config.AppConfig) (quote, base uint8, err error) {
	cctx, cancel := context.WithTimeout(ctx, 3*cfg.CallTimeout())
	defer cancel()
	if quote, err = rpc.TokenDecimals(cctx, cfg.Pair.InputMint); err != nil {
		return 0, 0, fmt.Errorf("decimals of %s: %w", cfg.Pair.InputMint, err)
	}
	if base, err = rpc.TokenDecimals(cctx, cfg.Pair.OutputMint); err != nil {
		return 0, 0, fmt.Errorf("decimals of %s: %w", cfg.Pair.OutputMint, err)
	}
	return quote, base, nil
}

func newExecutor(cfg config.AppConfig, jup *gateway.JupiterClient, rpc *gateway.RPCClient, wallet *gateway.Wallet, log *zap.Logger) engine.ExecutionGateway {
	if cfg.Execution.DryRun {
		return gateway.DryRunExecutor{Logger: log}
	}
	return &gateway.SwapExecutor{
		Jupiter:      jup,
		RPC:          rpc,
		Watcher:      signatureWatcher(cfg, log),
		Wallet:       wallet,
		PollInterval: cfg.PollInterval(),
		Logger:       log,
	}
}

// signatureWatcher wsURL=off 或无法推导时回退到轮询确认。
func signatureWatcher(cfg config.AppConfig, log *zap.Logger) *gateway.SignatureWatcher {
	url := cfg.Solana.WSURL
	if strings.EqualFold(url, "off") {
		return nil
	}
	if url == "" {
		derived, err := gateway.WSURLFromRPC(cfg.Solana.RPCURL)
		if err != nil {
			log.Warn("websocket confirmation disabled", zap.Error(err))
			return nil
		}
		url = derived
	}
	return &gateway.SignatureWatcher{URL: url, Commitment: cfg.Solana.Commitment}
}

func engineConfig(cfg config.AppConfig, quoteDec, baseDec uint8) engine.Config {
	return engine.Config{
		QuoteMint:     cfg.Pair.InputMint,
		BaseMint:      cfg.Pair.OutputMint,
		QuoteDecimals: quoteDec,
		BaseDecimals:  baseDec,
		Upper:         cfg.Grid.Upper,
		ProbeAmount:   cfg.Pair.ProbeAmount,
		Reserve:       reserveFor(cfg.Grid),
		CallTimeout:   cfg.CallTimeout(),
		ExecTimeout:   cfg.ExecTimeout(),
	}
}

func reserveFor(g config.GridConfig) float64 {
	return inventory.Reserve(g.CommissionReserveMultiplier, g.Steps, g.ReservePerLevel)
}

func tunablesFrom(cfg config.AppConfig) engine.Tunables {
	return engine.Tunables{
		SlippageBps:    cfg.Grid.SlippageBps,
		SellThreshold:  cfg.Grid.SellThreshold,
		MinOrder:       cfg.Grid.MinOrder,
		MaxPriorityFee: cfg.Execution.MaxPriorityFeeLamports,
	}
}

// reloader 把热更新的配置分发给引擎、聚合器客户端和告警通道。
// 几何参数始终与启动配置比较，阶梯在重启前不会变。Watcher 串行回调，无需加锁。
type reloader struct {
	started config.AppConfig
	current config.AppConfig
	eng     *engine.GridEngine
	jup     *gateway.JupiterClient
	alerts  *alert.Manager
	log     *zap.Logger
}

func newReloader(cfg config.AppConfig, eng *engine.GridEngine, jup *gateway.JupiterClient, alerts *alert.Manager, log *zap.Logger) *reloader {
	return &reloader{started: cfg, current: cfg, eng: eng, jup: jup, alerts: alerts, log: log}
}

func (r *reloader) apply(next config.AppConfig) {
	if r.started.GeometryChanged(next) {
		r.log.Warn("grid geometry or pair changed; restart required to apply",
			zap.Float64("lower", next.Grid.Lower),
			zap.Float64("upper", next.Grid.Upper),
			zap.Int("steps", next.Grid.Steps))
	}
	r.applyTunables(next)
	if r.jup != nil {
		r.jup.SetMaxPriorityFee(next.Execution.MaxPriorityFeeLamports)
	}
	if r.alerts != nil && next.Alert != r.current.Alert {
		r.applyAlerts(next.Alert)
	}
	r.current = next
}

func (r *reloader) applyTunables(next config.AppConfig) {
	prev := r.eng.Tunables()
	t := tunablesFrom(next)
	if prev == t {
		return
	}
	r.eng.SetTunables(t)
	r.log.Info("tunables updated",
		zap.Int("slippage_bps", t.SlippageBps),
		zap.Float64("sell_threshold", t.SellThreshold),
		zap.Float64("min_order", t.MinOrder),
		zap.Uint64("max_priority_fee", t.MaxPriorityFee))
}

// applyAlerts 重建 Telegram 通道并清空限流记录；新通道创建失败时保持关闭。
// 限流间隔在启动时确定，修改 throttleSeconds 需要重启。
func (r *reloader) applyAlerts(a config.AlertConfig) {
	r.alerts.RemoveChannel("telegram")
	if a.Telegram.Enabled() {
		ch, err := telegramChannel(a.Telegram)
		if err != nil {
			r.log.Warn("telegram channel not reloaded", zap.Error(err))
		} else {
			r.alerts.AddChannel(ch)
		}
	}
	r.alerts.ResetThrottle()
	r.log.Info("alert channels updated", zap.Strings("channels", r.alerts.GetChannels()))
}

// newAlertManager 日志通道总是启用；Telegram 在 token 与 chat id 都配置时启用。
func newAlertManager(cfg config.AppConfig, log *zap.Logger) (*alert.Manager, error) {
	channels := []alert.Channel{alert.NewLogChannel("log", log)}
	if tg := cfg.Alert.Telegram; tg.Enabled() {
		ch, err := telegramChannel(tg)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return alert.NewManager(channels, time.Duration(cfg.Alert.ThrottleSeconds)*time.Second), nil
}

func telegramChannel(tg config.TelegramConfig) (alert.Channel, error) {
	ch, err := alert.NewTelegramChannel(tg.BotToken, tg.ChatID, tg.Endpoint)
	if err != nil {
		return nil, err
	}
	return alert.WithMinLevel(ch, tg.MinLevel), nil
}

// healthCheck 最近一次 tick 距今不超过 3 个周期视为健康；启动后第一个 tick 之前按启动时间计。
func healthCheck(eng *engine.GridEngine, interval time.Duration, started time.Time) func() bool {
	return func() bool {
		last := eng.GetStatistics().LastTickTime
		if last.IsZero() {
			last = started
		}
		return time.Since(last) < 3*interval
	}
}

// schedulerComponent 停止时等待正在执行的 tick，最长等到 ctx 截止。
func schedulerComponent(sched *engine.Scheduler, eng *engine.GridEngine, cfg config.AppConfig) container.Hook {
	fresh := healthCheck(eng, cfg.CheckInterval(), time.Now())
	return container.Hook{
		ComponentName: "scheduler",
		OnStart:       sched.Start,
		OnStop: func(ctx context.Context) error {
			timeout := cfg.ExecTimeout() + 2*cfg.CallTimeout()
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
				timeout = max(time.Until(dl), time.Millisecond)
			}
			return sched.Stop(timeout)
		},
		OnHealth: func() error {
			if sched.State() != engine.SchedulerRunning {
				return fmt.Errorf("scheduler %s", sched.State())
			}
			if !fresh() {
				return fmt.Errorf("no tick completed within %s", 3*cfg.CheckInterval())
			}
			return nil
		},
	}
}

// watcherComponent 配置热更新；Run 随 Start 的 ctx 结束。
func watcherComponent(path string, r *reloader, log *zap.Logger) container.Hook {
	var cancel context.CancelFunc
	done := make(chan struct{})
	return container.Hook{
		ComponentName: "config_watcher",
		OnStart: func(ctx context.Context) error {
			w, err := config.NewWatcher(path, 0, log)
			if err != nil {
				return err
			}
			var wctx context.Context
			wctx, cancel = context.WithCancel(ctx)
			go func() {
				defer close(done)
				w.Run(wctx, r.apply)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
				<-done
			}
			return nil
		},
	}
}
