package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grid-swap-go/inventory"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// tick 指标
	ticksTotal       *prometheus.CounterVec
	tickLatency      prometheus.Histogram
	schedulerSkipped prometheus.Counter

	// 交易指标
	tradesTotal  *prometheus.CounterVec
	tradedAmount *prometheus.CounterVec
	priorityFee  prometheus.Histogram
	rejected     *prometheus.CounterVec

	// 组合指标
	price        prometheus.Gauge
	quoteBalance prometheus.Gauge
	baseBalance  prometheus.Gauge
	invested     prometheus.Gauge
	totalValue   prometheus.Gauge
	freeCapital  prometheus.Gauge
	filledLevels prometheus.Gauge
	emptyLevels  prometheus.Gauge
	liquidating  prometheus.Gauge

	// 系统指标
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "grid",
		Subsystem: "swap",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help})
	}

	m := &Monitor{
		registry: reg,

		ticksTotal: counterVec("ticks_total", "tick 次数，按结果分类", "outcome"),
		tickLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tick_duration_seconds",
			Help:      "单次 tick 耗时（秒）",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		schedulerSkipped: counter("scheduler_skipped_total", "因上一个 tick 未结束而跳过的次数"),

		tradesTotal:  counterVec("trades_total", "已确认兑换笔数", "action"),
		tradedAmount: counterVec("traded_amount_in_total", "已确认兑换的输入数量（最小单位）", "action"),
		priorityFee: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "priority_fee_lamports",
			Help:      "已确认兑换的优先费分布",
			Buckets:   prometheus.ExponentialBuckets(1000, 4, 8),
		}),
		rejected: counterVec("rejected_actions_total", "被放弃的动作", "action", "reason"),

		price:        gauge("price", "最新采样价格（计价资产/基础资产）"),
		quoteBalance: gauge("quote_balance", "计价资产余额"),
		baseBalance:  gauge("base_balance", "基础资产余额"),
		invested:     gauge("invested_in_quote", "已买档位按现价折算的价值"),
		totalValue:   gauge("total_value_in_quote", "组合总价值"),
		freeCapital:  gauge("free_capital_in_quote", "可用于买入的自由资金"),
		filledLevels: gauge("filled_levels", "已买档位数"),
		emptyLevels:  gauge("empty_levels", "空档位数"),
		liquidating:  gauge("ladder_liquidating", "批量卖出进行中为 1"),

		restRequests: counterVec("rest_requests_total", "HTTP/RPC 请求次数", "endpoint"),
		restErrors:   counterVec("rest_errors_total", "HTTP/RPC 请求失败次数", "endpoint"),
		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_latency_seconds",
			Help:      "HTTP/RPC 请求延迟（秒）",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),
	}

	return m
}

// tick 相关方法
func (m *Monitor) ObserveTick(outcome string, d time.Duration) {
	m.ticksTotal.WithLabelValues(outcome).Inc()
	m.tickLatency.Observe(d.Seconds())
}

func (m *Monitor) RecordSchedulerSkip() {
	m.schedulerSkipped.Inc()
}

// 组合相关方法
func (m *Monitor) ObservePortfolio(s inventory.Snapshot, filled int) {
	m.price.Set(s.Price)
	m.quoteBalance.Set(s.QuoteBalance)
	m.baseBalance.Set(s.BaseBalance)
	m.invested.Set(s.InvestedInQuote)
	m.totalValue.Set(s.TotalValueInQuote)
	m.freeCapital.Set(s.FreeCapitalInQuote)
	m.filledLevels.Set(float64(filled))
	m.emptyLevels.Set(float64(s.RemainingEmptyLevels))
}

// ObserveLadderMode 批量卖出开始置 1，结束（成功或失败）置 0
func (m *Monitor) ObserveLadderMode(liquidating bool) {
	if liquidating {
		m.liquidating.Set(1)
		return
	}
	m.liquidating.Set(0)
}

// 交易相关方法
func (m *Monitor) RecordTrade(action string, amountIn uint64, priorityFee uint64) {
	m.tradesTotal.WithLabelValues(action).Inc()
	m.tradedAmount.WithLabelValues(action).Add(float64(amountIn))
	m.priorityFee.Observe(float64(priorityFee))
}

func (m *Monitor) RecordRejected(action, reason string) {
	m.rejected.WithLabelValues(action, reason).Inc()
}

// ObserveRequest 供网关客户端在每次请求结束后回调
func (m *Monitor) ObserveRequest(endpoint string, elapsed time.Duration, err error) {
	m.restRequests.WithLabelValues(endpoint).Inc()
	m.restLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	if err != nil {
		m.restErrors.WithLabelValues(endpoint).Inc()
	}
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
