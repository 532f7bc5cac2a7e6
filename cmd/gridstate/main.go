package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"grid-swap-go/internal/journal"
	"grid-swap-go/internal/store"
	"grid-swap-go/internal/units"
	"grid-swap-go/strategy"
)

func main() {
	statePath := flag.String("state", "grid_state.json", "网格状态文件")
	journalPath := flag.String("journal", "", "成交流水文件（JSONL），留空不显示")
	tail := flag.Int("tail", 20, "显示最近 N 条成交")
	sinceStr := flag.String("since", "", "汇总只统计此时间之后的成交 (RFC3339，例如 2026-01-01T00:00:00Z)")
	quoteDecimals := flag.Uint("quoteDecimals", 9, "报价资产精度，SOL 为 9")
	flag.Parse()

	opts := options{tail: *tail, quoteDecimals: uint8(*quoteDecimals)}
	if *sinceStr != "" {
		since, err := time.Parse(time.RFC3339Nano, *sinceStr)
		if err != nil {
			log.Fatalf("解析 since 参数失败: %v", err)
		}
		opts.since = since
	}
	if err := run(os.Stdout, *statePath, *journalPath, opts); err != nil {
		log.Fatalf("%v", err)
	}
}

type options struct {
	tail          int
	since         time.Time
	quoteDecimals uint8
}

func run(w io.Writer, statePath, journalPath string, opts options) error {
	set, err := store.ReadSnapshot(statePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(w, "state file %s not found\n", statePath)
	case errors.Is(err, store.ErrStateCorrupt):
		fmt.Fprintf(w, "state file %s is corrupt, the bot will rebuild it on next start: %v\n", statePath, err)
	case err != nil:
		return err
	default:
		printLadder(w, set)
	}

	if journalPath == "" {
		return nil
	}
	records, err := journal.ReadAll(journalPath)
	if err != nil {
		fmt.Fprintf(w, "journal read stopped early: %v\n", err)
	}
	printJournal(w, records, opts.tail)
	printSummary(w, journal.Summarize(records, opts.since), opts)
	return nil
}

func printLadder(w io.Writer, set strategy.GridLevelSet) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPRICE\tSTATE\tRAW AMOUNT")
	for i, l := range set.Levels {
		amount := "-"
		if l.State() == strategy.LevelFilled {
			amount = strconv.FormatUint(l.FilledAmount, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, strconv.FormatFloat(l.Price, 'f', 9, 64), l.State(), amount)
	}
	tw.Flush()
	fmt.Fprintf(w, "levels=%d filled=%d empty=%d total_filled=%d\n",
		set.Len(), set.FilledCount(), set.EmptyCount(), set.TotalFilled())
}

func printJournal(w io.Writer, records []journal.Record, tail int) {
	if tail > 0 && len(records) > tail {
		records = records[len(records)-tail:]
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no trades recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tLEVEL\tPRICE\tIN\tOUT\tSIGNATURE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.Action, r.Level,
			strconv.FormatFloat(r.Price, 'f', 9, 64), r.AmountIn, r.AmountOut, r.Signature)
	}
	tw.Flush()
}

func printSummary(w io.Writer, s journal.Summary, opts options) {
	if !opts.since.IsZero() {
		fmt.Fprintf(w, "since %s\n", opts.since.Format(time.RFC3339))
	}
	if s.Trades == 0 {
		return
	}
	ui := func(raw string) string {
		v, err := units.ParseRaw(raw)
		if err != nil {
			return raw
		}
		return strconv.FormatFloat(units.ToFloat(v, opts.quoteDecimals), 'f', int(opts.quoteDecimals), 64)
	}
	net := s.Net()
	sign := ""
	if net.IsNegative() {
		sign = "-"
		net = net.Neg()
	}
	fmt.Fprintf(w, "trades=%d buys=%d sells=%d bulk_sells=%d skipped=%d\n", s.Trades, s.Buys, s.Sells, s.BulkSells, s.Skipped)
	fmt.Fprintf(w, "quote_spent=%s quote_received=%s net=%s%s priority_fees=%d\n",
		ui(s.QuoteSpent.String()), ui(s.QuoteReceived.String()), sign, ui(net.String()), s.PriorityFees)
	fmt.Fprintf(w, "window %s .. %s\n", s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
}
