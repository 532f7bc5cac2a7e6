package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"grid-swap-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string          `yaml:"env"`
	Solana    SolanaConfig    `yaml:"solana"`
	Jupiter   JupiterConfig   `yaml:"jupiter"`
	Pair      PairConfig      `yaml:"pair"`
	Grid      GridConfig      `yaml:"grid"`
	Execution ExecutionConfig `yaml:"execution"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       logger.Config   `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Alert     AlertConfig     `yaml:"alert"`
}

type SolanaConfig struct {
	RPCURL      string  `yaml:"rpcURL"`
	WSURL       string  `yaml:"wsURL"` // 为空时由 rpcURL 推导；设为 "off" 关闭 websocket 确认
	KeypairPath string  `yaml:"keypairPath"`
	Commitment  string  `yaml:"commitment"`
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
}

type JupiterConfig struct {
	BaseURL       string  `yaml:"baseURL"`
	PriorityLevel string  `yaml:"priorityLevel"` // medium / high / veryHigh
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
}

// PairConfig 输入资产为计价资产（买入时花费），输出资产为网格买卖的基础资产。
type PairConfig struct {
	InputMint   string `yaml:"inputMint"`
	OutputMint  string `yaml:"outputMint"`
	ProbeAmount uint64 `yaml:"probeAmount"` // 采样价格的输入数量（最小单位）
}

type GridConfig struct {
	Lower                       float64 `yaml:"lower"`
	Upper                       float64 `yaml:"upper"`
	Steps                       int     `yaml:"steps"`
	SellThreshold               float64 `yaml:"sellThreshold"`
	SlippageBps                 int     `yaml:"slippageBps"`
	MinOrder                    float64 `yaml:"minOrder"` // 计价资产单位
	CommissionReserveMultiplier float64 `yaml:"commissionReserveMultiplier"`
	ReservePerLevel             float64 `yaml:"reservePerLevel"`
	CheckIntervalMs             int     `yaml:"checkIntervalMs"`
}

type ExecutionConfig struct {
	MaxPriorityFeeLamports uint64 `yaml:"maxPriorityFeeLamports"` // 默认 DefaultMaxPriorityFeeLamports，显式 0 表示不设上限
	CallTimeoutMs          int    `yaml:"callTimeoutMs"`
	ExecTimeoutMs          int    `yaml:"execTimeoutMs"`
	PollIntervalMs         int    `yaml:"pollIntervalMs"`
	DryRun                 bool   `yaml:"dryRun"`
}

type StorageConfig struct {
	StatePath   string `yaml:"statePath"`
	JournalPath string `yaml:"journalPath"` // 为空时不写成交流水
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动 /metrics
}

type AlertConfig struct {
	ThrottleSeconds int            `yaml:"throttleSeconds"`
	Telegram        TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatID"`
	MinLevel string `yaml:"minLevel"`
	Endpoint string `yaml:"endpoint"`
}

// Enabled token 与 chat id 都配置时才推送 Telegram。
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// DefaultMaxPriorityFeeLamports 默认优先费上限 0.0001 SOL，同时作为聚合器 maxLamports 与本地风控上限。
const DefaultMaxPriorityFeeLamports = 100_000

// Default 返回默认配置；RPC、密钥与资产地址没有默认值。
func Default() AppConfig {
	return AppConfig{
		Env: "prod",
		Solana: SolanaConfig{
			Commitment: "confirmed",
			RPS:        5,
			Burst:      5,
		},
		Jupiter: JupiterConfig{
			BaseURL:       "https://lite-api.jup.ag/swap/v1",
			PriorityLevel: "veryHigh",
			RPS:           1,
			Burst:         2,
		},
		Pair: PairConfig{
			ProbeAmount: 1_000_000,
		},
		Grid: GridConfig{
			Upper:                       1,
			Steps:                       30,
			SellThreshold:               0.001,
			SlippageBps:                 50,
			MinOrder:                    0.001,
			CommissionReserveMultiplier: 1,
			ReservePerLevel:             0.01,
			CheckIntervalMs:             300000,
		},
		Execution: ExecutionConfig{
			MaxPriorityFeeLamports: DefaultMaxPriorityFeeLamports,
			CallTimeoutMs:          10000,
			ExecTimeoutMs:          60000,
			PollIntervalMs:         2000,
		},
		Storage: StorageConfig{
			StatePath:   "grid_state.json",
			JournalPath: "grid_trades.jsonl",
		},
		Log: logger.DefaultConfig(),
		Alert: AlertConfig{
			ThrottleSeconds: 60,
			Telegram:        TelegramConfig{MinLevel: "INFO"},
		},
	}
}

// CheckInterval tick 周期
func (c AppConfig) CheckInterval() time.Duration {
	return time.Duration(c.Grid.CheckIntervalMs) * time.Millisecond
}

// CallTimeout 单次报价 / 余额查询超时
func (c AppConfig) CallTimeout() time.Duration {
	return time.Duration(c.Execution.CallTimeoutMs) * time.Millisecond
}

// ExecTimeout 单次兑换（构造、广播、确认）超时
func (c AppConfig) ExecTimeout() time.Duration {
	return time.Duration(c.Execution.ExecTimeoutMs) * time.Millisecond
}

// PollInterval 无 websocket 时轮询确认的间隔
func (c AppConfig) PollInterval() time.Duration {
	return time.Duration(c.Execution.PollIntervalMs) * time.Millisecond
}

// GeometryChanged 阶梯几何或资产对是否变化；这类变化需要重启才能生效。
func (c AppConfig) GeometryChanged(o AppConfig) bool {
	return c.Grid.Lower != o.Grid.Lower ||
		c.Grid.Upper != o.Grid.Upper ||
		c.Grid.Steps != o.Grid.Steps ||
		c.Grid.CheckIntervalMs != o.Grid.CheckIntervalMs ||
		c.Pair != o.Pair
}

// LoadDotEnv 读取 .env 到进程环境；文件不存在不算错误，已有的环境变量不会被覆盖。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides fields from env vars if present.
// path 为空时只使用默认值与环境变量。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func read(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) error {
	strs := map[string]*string{
		"SOLANA_RPC_URL":     &cfg.Solana.RPCURL,
		"SOLANA_WS_URL":      &cfg.Solana.WSURL,
		"KEYPAIR_PATH":       &cfg.Solana.KeypairPath,
		"INPUT_MINT":         &cfg.Pair.InputMint,
		"OUTPUT_MINT":        &cfg.Pair.OutputMint,
		"STATE_PATH":         &cfg.Storage.StatePath,
		"JOURNAL_PATH":       &cfg.Storage.JournalPath,
		"METRICS_ADDR":       &cfg.Metrics.Addr,
		"LOG_LEVEL":          &cfg.Log.Level,
		"TELEGRAM_BOT_TOKEN": &cfg.Alert.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":   &cfg.Alert.Telegram.ChatID,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	floats := map[string]*float64{
		"GRID_LOWER":                    &cfg.Grid.Lower,
		"GRID_UPPER":                    &cfg.Grid.Upper,
		"SELL_THRESHOLD":                &cfg.Grid.SellThreshold,
		"COMMISSION_RESERVE_MULTIPLIER": &cfg.Grid.CommissionReserveMultiplier,
		"MIN_ORDER":                     &cfg.Grid.MinOrder,
	}
	for name, dst := range floats {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		*dst = f
	}

	ints := map[string]*int{
		"SLIPPAGE_BPS":   &cfg.Grid.SlippageBps,
		"CHECK_INTERVAL": &cfg.Grid.CheckIntervalMs,
		"GRID_STEPS":     &cfg.Grid.Steps,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		*dst = n
	}

	if v := os.Getenv("MAX_PRIORITY_FEE_LAMPORTS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("env MAX_PRIORITY_FEE_LAMPORTS: %w", err)
		}
		cfg.Execution.MaxPriorityFeeLamports = n
	}
	return nil
}
