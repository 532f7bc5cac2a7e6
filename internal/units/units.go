// Package units 负责链上最小单位（lamports / token raw amount）与浮点价格单位之间的换算。
// 价格比较统一使用 float64，余额与数量统一使用 uint64 最小单位，只在边界处转换。
package units

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ToFloat 把最小单位数量换算成 UI 单位，例如 1_500_000_000 lamports (9 位) -> 1.5。
func ToFloat(raw uint64, decimals uint8) float64 {
	d := decimal.NewFromUint64(raw).Shift(-int32(decimals))
	f, _ := d.Float64()
	return f
}

// FromFloat 把 UI 单位换算成最小单位，向下取整，负数与 NaN 返回 0。
func FromFloat(v float64, decimals uint8) uint64 {
	if v != v || v <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(v).Shift(int32(decimals)).Floor()
	if !d.IsPositive() {
		return 0
	}
	return d.BigInt().Uint64()
}

// Price 用一次兑换的输入/输出数量计算单价（输入资产 / 输出资产）。
// out 为 0 时返回 0，调用方据此视为无价格。
func Price(in uint64, inDecimals uint8, out uint64, outDecimals uint8) float64 {
	if out == 0 {
		return 0
	}
	num := decimal.NewFromUint64(in).Shift(-int32(inDecimals))
	den := decimal.NewFromUint64(out).Shift(-int32(outDecimals))
	f, _ := num.DivRound(den, 18).Float64()
	return f
}

// ParseRaw 解析 JSON 中以字符串承载的最小单位数量（如 Jupiter 的 outAmount）。
func ParseRaw(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("amount %q is not a non-negative integer", s)
	}
	if !d.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %q overflows uint64", s)
	}
	return d.BigInt().Uint64(), nil
}

// FormatRaw 以字符串形式输出最小单位数量，用于状态文件与请求参数。
func FormatRaw(raw uint64) string {
	return decimal.NewFromUint64(raw).String()
}
