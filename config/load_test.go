package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleYAML = `
env: dev
solana:
  rpcURL: https://rpc.test
  keypairPath: /keys/id.json
pair:
  inputMint: So11111111111111111111111111111111111111112
  outputMint: PHTokenMint1111111111111111111111111111111
grid:
  lower: 0.001
  upper: 0.002
  steps: 2
  sellThreshold: 0.0015
  slippageBps: 100
  checkIntervalMs: 60000
execution:
  maxPriorityFeeLamports: 50000
log:
  level: debug
  outputs: [stdout]
alert:
  telegram:
    minLevel: warning
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "https://rpc.test", cfg.Solana.RPCURL)
	assert.Equal(t, 0.001, cfg.Grid.Lower)
	assert.Equal(t, 2, cfg.Grid.Steps)
	assert.EqualValues(t, 50000, cfg.Execution.MaxPriorityFeeLamports)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未写的字段保留默认值
	assert.EqualValues(t, 1_000_000, cfg.Pair.ProbeAmount)
	assert.Equal(t, 0.01, cfg.Grid.ReservePerLevel)
	assert.Equal(t, "confirmed", cfg.Solana.Commitment)
	assert.Equal(t, "grid_state.json", cfg.Storage.StatePath)
	assert.Equal(t, "1m0s", cfg.CheckInterval().String())
	assert.Equal(t, "10s", cfg.CallTimeout().String())
	assert.Equal(t, "1m0s", cfg.ExecTimeout().String())
	assert.False(t, cfg.Alert.Telegram.Enabled())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeTempConfig(t, "grid: [1, 2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse yaml")
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("SOLANA_RPC_URL", "https://env-rpc.test")
	t.Setenv("GRID_LOWER", "0.0011")
	t.Setenv("GRID_STEPS", "5")
	t.Setenv("CHECK_INTERVAL", "30000")
	t.Setenv("SELL_THRESHOLD", "0.0019")
	t.Setenv("MAX_PRIORITY_FEE_LAMPORTS", "1000")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env-rpc.test", cfg.Solana.RPCURL)
	assert.Equal(t, 0.0011, cfg.Grid.Lower)
	assert.Equal(t, 5, cfg.Grid.Steps)
	assert.Equal(t, 30000, cfg.Grid.CheckIntervalMs)
	assert.Equal(t, 0.0019, cfg.Grid.SellThreshold)
	assert.EqualValues(t, 1000, cfg.Execution.MaxPriorityFeeLamports)
	assert.True(t, cfg.Alert.Telegram.Enabled())
	// yaml 中的值未被环境变量覆盖的保持不变
	assert.Equal(t, 100, cfg.Grid.SlippageBps)
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("SOLANA_RPC_URL", "https://rpc.test")
	t.Setenv("KEYPAIR_PATH", "/keys/id.json")
	t.Setenv("INPUT_MINT", "So11111111111111111111111111111111111111112")
	t.Setenv("OUTPUT_MINT", "PHTokenMint1111111111111111111111111111111")
	t.Setenv("GRID_LOWER", "0.5")

	cfg, err := LoadWithEnvOverrides("")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Grid.Steps)
	assert.Equal(t, 300000, cfg.Grid.CheckIntervalMs)
	assert.Equal(t, 1.0, cfg.Grid.Upper)
	// 优先费上限默认开启
	assert.EqualValues(t, DefaultMaxPriorityFeeLamports, cfg.Execution.MaxPriorityFeeLamports)

	// 显式设为 0 才关闭
	t.Setenv("MAX_PRIORITY_FEE_LAMPORTS", "0")
	cfg, err = LoadWithEnvOverrides("")
	require.NoError(t, err)
	assert.Zero(t, cfg.Execution.MaxPriorityFeeLamports)
}

func TestLoadWithEnvOverridesBadNumber(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"浮点", "GRID_UPPER", "abc"},
		{"整数", "SLIPPAGE_BPS", "1.5"},
		{"优先费", "MAX_PRIORITY_FEE_LAMPORTS", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := LoadWithEnvOverrides(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")), "文件不存在不算错误")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GRID_TEST_FROM_DOTENV=0.42\nGRID_TEST_PRESET=file\n"), 0o600))
	t.Setenv("GRID_TEST_FROM_DOTENV", "")
	os.Unsetenv("GRID_TEST_FROM_DOTENV")
	t.Setenv("GRID_TEST_PRESET", "env")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "0.42", os.Getenv("GRID_TEST_FROM_DOTENV"))
	assert.Equal(t, "env", os.Getenv("GRID_TEST_PRESET"), "已有环境变量优先")
}

func TestGeometryChanged(t *testing.T) {
	base := Default()
	same := base
	same.Grid.SellThreshold = 9
	same.Execution.MaxPriorityFeeLamports = 1
	assert.False(t, base.GeometryChanged(same))

	moved := base
	moved.Grid.Steps = 31
	assert.True(t, base.GeometryChanged(moved))

	pair := base
	pair.Pair.OutputMint = "other"
	assert.True(t, base.GeometryChanged(pair))
}

func TestValidate(t *testing.T) {
	valid, err := Load(writeTempConfig(t, sampleYAML))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *AppConfig)
		want   string
	}{
		{"缺少RPC", func(c *AppConfig) { c.Solana.RPCURL = "" }, "rpcURL"},
		{"缺少密钥", func(c *AppConfig) { c.Solana.KeypairPath = "" }, "keypairPath"},
		{"缺少资产", func(c *AppConfig) { c.Pair.OutputMint = "" }, "outputMint"},
		{"资产相同", func(c *AppConfig) { c.Pair.OutputMint = c.Pair.InputMint }, "must differ"},
		{"探测量为零", func(c *AppConfig) { c.Pair.ProbeAmount = 0 }, "probeAmount"},
		{"档数小于1", func(c *AppConfig) { c.Grid.Steps = 0 }, "steps"},
		{"下沿非正", func(c *AppConfig) { c.Grid.Lower = 0 }, "lower"},
		{"上沿不高于下沿", func(c *AppConfig) { c.Grid.Upper = c.Grid.Lower }, "upper"},
		{"负滑点", func(c *AppConfig) { c.Grid.SlippageBps = -1 }, "slippageBps"},
		{"周期非正", func(c *AppConfig) { c.Grid.CheckIntervalMs = 0 }, "checkIntervalMs"},
		{"卖出阈值非正", func(c *AppConfig) { c.Grid.SellThreshold = 0 }, "sellThreshold"},
		{"负预留倍数", func(c *AppConfig) { c.Grid.CommissionReserveMultiplier = -1 }, "commissionReserveMultiplier"},
		{"缺少状态文件", func(c *AppConfig) { c.Storage.StatePath = "" }, "statePath"},
		{"告警级别非法", func(c *AppConfig) { c.Alert.Telegram.MinLevel = "loud" }, "minLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := Validate(c)
			require.Error(t, err)
			var inv ErrInvalid
			assert.True(t, errors.As(err, &inv))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.Error(t, Validate(AppConfig{}))
}
