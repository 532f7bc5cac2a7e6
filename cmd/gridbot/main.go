package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"grid-swap-go/config"
	"grid-swap-go/gateway"
	"grid-swap-go/infrastructure/logger"
	"grid-swap-go/infrastructure/monitor"
	"grid-swap-go/internal/container"
	"grid-swap-go/internal/engine"
	"grid-swap-go/internal/journal"
	"grid-swap-go/internal/store"
	"grid-swap-go/metrics"
	"grid-swap-go/strategy"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径，留空则只用默认值与环境变量")
	envPath := flag.String("env", ".env", ".env 文件路径")
	dryRun := flag.Bool("dryRun", false, "只报价不广播，按报价数量视为成交")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Fatalf("加载 .env 失败: %v", err)
	}
	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *dryRun {
		cfg.Execution.DryRun = true
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Sync()

	wallet, err := gateway.LoadWallet(cfg.Solana.KeypairPath)
	if err != nil {
		lg.Fatal("加载密钥失败", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon := monitor.New(monitor.DefaultConfig())
	rpc, jup := newClients(cfg, mon.ObserveRequest)

	quoteDec, baseDec, err := lookupDecimals(ctx, rpc, cfg)
	if err != nil {
		lg.Fatal("查询代币精度失败", zap.Error(err))
	}

	prices, err := strategy.BuildLadder(cfg.Grid.Lower, cfg.Grid.Upper, cfg.Grid.Steps)
	if err != nil {
		lg.Fatal("生成网格失败", zap.Error(err))
	}
	st := store.New(cfg.Storage.StatePath, lg.LogState)
	levels, err := st.Load(prices)
	if err != nil {
		lg.Fatal("加载网格状态失败", zap.Error(err))
	}
	for i, l := range levels.Levels {
		lg.Info("grid level",
			zap.Int("index", i),
			zap.String("price", strconv.FormatFloat(l.Price, 'f', 9, 64)),
			zap.String("state", l.State().String()),
			zap.Uint64("filled", l.FilledAmount))
	}

	alerts, err := newAlertManager(cfg, lg.Logger)
	if err != nil {
		lg.Fatal("初始化告警失败", zap.Error(err))
	}

	trades := journal.New(cfg.Storage.JournalPath)

	eng, err := engine.New(engineConfig(cfg, quoteDec, baseDec), tunablesFrom(cfg), engine.Components{
		Oracle:   jup,
		Gateway:  newExecutor(cfg, jup, rpc, wallet, lg.Logger),
		Balances: gateway.WalletBalances{RPC: rpc, Owner: wallet.PublicKey(), QuoteMint: cfg.Pair.InputMint, BaseMint: cfg.Pair.OutputMint},
		Store:    st,
		Journal:  trades,
		Alerts:   alerts,
		Metrics:  mon,
		Logger:   lg,
	})
	if err != nil {
		lg.Fatal("初始化引擎失败", zap.Error(err))
	}

	runner := engine.NewRunner(eng, engine.NewTickState(levels))
	sched, err := engine.NewScheduler(cfg.CheckInterval(), runner.Tick, lg)
	if err != nil {
		lg.Fatal("初始化调度器失败", zap.Error(err))
	}
	sched.OnSkip = mon.RecordSchedulerSkip

	lm := container.NewLifecycleManager(lg)
	healthy := func() bool { return lm.CheckHealth() == nil }
	if cfg.Metrics.Addr != "" {
		lm.Register(container.NewHTTPServer("metrics", cfg.Metrics.Addr, metrics.NewMux(mon.Handler(), healthy), lg))
	}
	lm.Register(container.Hook{ComponentName: "journal", OnStop: func(context.Context) error { return trades.Close() }})
	lm.Register(schedulerComponent(sched, eng, cfg))
	if *cfgPath != "" {
		lm.Register(watcherComponent(*cfgPath, newReloader(cfg, eng, jup, alerts, lg.Logger), lg.Logger))
	}

	lg.Info("grid bot starting",
		zap.String("wallet", wallet.PublicKey()),
		zap.String("quote_mint", cfg.Pair.InputMint),
		zap.String("base_mint", cfg.Pair.OutputMint),
		zap.Int("levels", levels.Len()),
		zap.Int("filled", levels.FilledCount()),
		zap.Duration("interval", cfg.CheckInterval()),
		zap.Uint64("max_priority_fee", jup.MaxPriorityFee()),
		zap.Strings("alert_channels", alerts.GetChannels()),
		zap.Bool("dry_run", cfg.Execution.DryRun))
	alerts.SendInfo("网格机器人启动", map[string]interface{}{
		"wallet":   wallet.PublicKey(),
		"levels":   levels.Len(),
		"filled":   levels.FilledCount(),
		"interval": cfg.CheckInterval().String(),
		"dry_run":  cfg.Execution.DryRun,
	})

	if err := lm.StartAll(ctx); err != nil {
		lg.Fatal("启动失败", zap.Error(err))
	}
	daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx, healthy)

	<-ctx.Done()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	lg.Info("shutdown requested, waiting for in-flight tick")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ExecTimeout()+3*cfg.CallTimeout())
	if err := lm.StopAll(sctx); err != nil {
		lg.Error("shutdown", zap.Error(err))
	}
	cancel()

	stats := eng.GetStatistics()
	lg.Info("grid bot stopped",
		zap.Int64("ticks", stats.TotalTicks),
		zap.Int64("abandoned", stats.AbandonedTicks),
		zap.Int64("buys", stats.Buys),
		zap.Int64("sells", stats.Sells),
		zap.Int64("bulk_sells", stats.BulkSells),
		zap.Int64("save_failures", stats.SaveFailures))
	alerts.SendInfo("网格机器人停止", map[string]interface{}{
		"ticks": stats.TotalTicks,
		"buys":  stats.Buys,
		"sells": stats.Sells + stats.BulkSells,
	})
}

// watchdog 在 systemd 开启 WatchdogSec 时按半周期喂狗；tick 长时间不推进则停止喂狗。
func watchdog(ctx context.Context, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if healthy() {
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
