package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"

	"orderLifecycleBot/config"
	"orderLifecycleBot/internal/adapters/logger"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/replay"
)

var (
	klinesPath  = flag.String("klines", "", "kline CSV written by fetch_klines (required)")
	signalsPath = flag.String("signals", "", "signal CSV: time,symbol,side[,edge_bps[,atr]] (required)")
	tickSize    = flag.Float64("tick", 0, "price tick size, default from the paper exchange")
	stepSize    = flag.Float64("step", 0, "quantity step size, default from the paper exchange")
	minNotional = flag.Float64("min-notional", 5, "minimum order notional")
)

func main() {
	flag.Parse()
	if *klinesPath == "" || *signalsPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	ctx := context.Background()

	// 1. Load Configuration (EXCHANGE and STORE are forced to paper/memory)
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger, err := logger.New(cfg.LogFormat, cfg.LogLevel.String())
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}

	// 2. Load inputs
	klines, err := readFile(*klinesPath, replay.ReadKlines)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	signals, err := readFile(*signalsPath, replay.ReadSignals)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	appLogger.Info(ctx, "Replay inputs loaded", map[string]interface{}{"klines": len(klines), "signals": len(signals)})

	// 3. Run
	symbols := map[string]bool{}
	for _, k := range klines {
		symbols[k.Symbol] = true
	}
	cfg.Symbols = cfg.Symbols[:0]
	for s := range symbols {
		cfg.Symbols = append(cfg.Symbols, s)
	}
	sort.Strings(cfg.Symbols)

	runner, err := replay.New(cfg, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to set up replay: %v", err)
	}
	if *tickSize > 0 || *stepSize > 0 {
		for _, s := range cfg.Symbols {
			f := domain.SymbolFilters{Symbol: s, QuoteAsset: cfg.QuoteAsset, TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: *minNotional}
			if *tickSize > 0 {
				f.TickSize = *tickSize
			}
			if *stepSize > 0 {
				f.StepSize, f.MinQty = *stepSize, *stepSize
			}
			runner.Exchange().SetFilters(f)
		}
	}
	res, err := runner.Run(ctx, klines, signals)
	if err != nil {
		log.Fatalf("FATAL: Replay failed: %v", err)
	}

	// 4. Report
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSIDE\tSTATE\tENTRY\tEXIT\tSIZE\tPNL\tREASON\tDIGEST")
	for _, t := range res.Trades {
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\t%g\t%.2f\t%s\t%.12s\n",
			t.Symbol, t.Side, t.State, t.Entry, t.Exit, t.Size, t.PnL, t.CloseReason, t.Digest)
	}
	w.Flush()

	s := res.Summary
	fmt.Printf("\nbars=%d signals=%d closed=%d open=%d risk=%s\n", res.Bars, res.Signals, s.TotalTrades, s.OpenTrades, res.RiskLevel)
	fmt.Printf("win rate %.1f%%  profit %.2f  profit factor %.2f  max drawdown %.2f%%  final balance %.2f\n",
		s.WinRate*100, s.TotalProfit, s.ProfitFactor, s.MaxDrawdown*100, s.FinalBalance)
	if len(res.Blocked) > 0 {
		names := make([]string, 0, len(res.Blocked))
		for n := range res.Blocked {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Print("blocked:")
		for _, n := range names {
			fmt.Printf(" %s=%d", n, res.Blocked[n])
		}
		fmt.Println()
	}
}

func readFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()
	v, err := parse(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}
