package config

import (
	"fmt"
	"strings"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present and the ladder is well formed.
func Validate(cfg AppConfig) error {
	if cfg.Solana.RPCURL == "" {
		return ErrInvalid("solana.rpcURL is required (or SOLANA_RPC_URL)")
	}
	if cfg.Solana.KeypairPath == "" {
		return ErrInvalid("solana.keypairPath is required (or KEYPAIR_PATH)")
	}
	if cfg.Pair.InputMint == "" || cfg.Pair.OutputMint == "" {
		return ErrInvalid("pair.inputMint/outputMint is required (or INPUT_MINT/OUTPUT_MINT)")
	}
	if cfg.Pair.InputMint == cfg.Pair.OutputMint {
		return ErrInvalid("pair.inputMint and pair.outputMint must differ")
	}
	if cfg.Pair.ProbeAmount == 0 {
		return ErrInvalid("pair.probeAmount must be > 0")
	}
	if err := ValidateGrid(cfg.Grid); err != nil {
		return err
	}
	if cfg.Execution.CallTimeoutMs < 0 || cfg.Execution.ExecTimeoutMs < 0 || cfg.Execution.PollIntervalMs < 0 {
		return ErrInvalid("execution timeouts must be >= 0")
	}
	if cfg.Storage.StatePath == "" {
		return ErrInvalid("storage.statePath is required (or STATE_PATH)")
	}
	if cfg.Alert.ThrottleSeconds < 0 {
		return ErrInvalid("alert.throttleSeconds must be >= 0")
	}
	switch strings.ToUpper(cfg.Alert.Telegram.MinLevel) {
	case "", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return ErrInvalid(fmt.Sprintf("alert.telegram.minLevel %q is not a level", cfg.Alert.Telegram.MinLevel))
	}
	return nil
}

// ValidateGrid 校验阶梯几何与交易参数；热更新时也会单独调用。
func ValidateGrid(g GridConfig) error {
	if g.Steps < 1 {
		return ErrInvalid(fmt.Sprintf("grid.steps must be >= 1, got %d", g.Steps))
	}
	if g.Lower <= 0 {
		return ErrInvalid("grid.lower must be > 0")
	}
	if g.Upper <= g.Lower {
		return ErrInvalid(fmt.Sprintf("grid.upper (%g) must be > grid.lower (%g)", g.Upper, g.Lower))
	}
	if g.SlippageBps < 0 {
		return ErrInvalid("grid.slippageBps must be >= 0")
	}
	if g.CheckIntervalMs <= 0 {
		return ErrInvalid("grid.checkIntervalMs must be > 0")
	}
	if g.SellThreshold <= 0 {
		return ErrInvalid("grid.sellThreshold must be > 0")
	}
	if g.MinOrder < 0 {
		return ErrInvalid("grid.minOrder must be >= 0")
	}
	if g.CommissionReserveMultiplier < 0 {
		return ErrInvalid("grid.commissionReserveMultiplier must be >= 0")
	}
	if g.ReservePerLevel < 0 {
		return ErrInvalid("grid.reservePerLevel must be >= 0")
	}
	return nil
}
