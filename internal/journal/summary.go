package journal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Summary 按动作汇总成交流水。报价资产金额为最小单位。
type Summary struct {
	Trades        int
	Buys          int
	Sells         int
	BulkSells     int
	Skipped       int
	QuoteSpent    decimal.Decimal
	QuoteReceived decimal.Decimal
	PriorityFees  uint64
	First         time.Time
	Last          time.Time
}

// Net 卖出所得减去买入花费（最小单位）
func (s Summary) Net() decimal.Decimal {
	return s.QuoteReceived.Sub(s.QuoteSpent)
}

// Summarize 统计 since 之后（含）的记录；since 为零值时统计全部。
// 买入的报价花费取 AmountIn，卖出与整仓卖出的报价所得取 AmountOut；金额无法解析的记录计入 Skipped。
func Summarize(records []Record, since time.Time) Summary {
	s := Summary{QuoteSpent: decimal.Zero, QuoteReceived: decimal.Zero}
	for _, r := range records {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		var field string
		switch r.Action {
		case "BUY":
			field = r.AmountIn
		case "SELL", "BULK_SELL":
			field = r.AmountOut
		default:
			s.Skipped++
			continue
		}
		amount, err := decimal.NewFromString(field)
		if err != nil || amount.IsNegative() {
			s.Skipped++
			continue
		}

		switch r.Action {
		case "BUY":
			s.Buys++
			s.QuoteSpent = s.QuoteSpent.Add(amount)
		case "SELL":
			s.Sells++
			s.QuoteReceived = s.QuoteReceived.Add(amount)
		case "BULK_SELL":
			s.BulkSells++
			s.QuoteReceived = s.QuoteReceived.Add(amount)
		}
		s.Trades++
		s.PriorityFees += r.PriorityFee
		if s.First.IsZero() || r.Timestamp.Before(s.First) {
			s.First = r.Timestamp
		}
		if r.Timestamp.After(s.Last) {
			s.Last = r.Timestamp
		}
	}
	return s
}
