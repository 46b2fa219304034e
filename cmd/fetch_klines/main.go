package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orderLifecycleBot/config"
	"orderLifecycleBot/internal/adapters/binanceclient"
	"orderLifecycleBot/internal/adapters/logger"
	"orderLifecycleBot/internal/replay"
)

var (
	symbol   = flag.String("symbol", "BTCUSDT", "symbol to fetch")
	interval = flag.String("interval", "1m", "kline interval")
	limit    = flag.Int("limit", 1000, "number of most recent klines")
	outDir   = flag.String("out", "data", "output directory")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Market:     cfg.Market,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	sym := strings.ToUpper(*symbol)
	klines, err := binanceClient.GetKlines(ctx, sym, *interval, *limit)
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching klines")
		log.Fatalf("Error fetching klines: %v", err)
	}
	// The newest candle may still be forming.
	for len(klines) > 0 && !klines[len(klines)-1].IsFinal {
		klines = klines[:len(klines)-1]
	}
	if len(klines) == 0 {
		log.Fatalf("No closed klines returned for %s %s", sym, *interval)
	}
	appLogger.Info(ctx, "Fetched klines", map[string]interface{}{"count": len(klines)})

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Error creating %s: %v", *outDir, err)
	}
	first, last := klines[0].OpenTime, klines[len(klines)-1].CloseTime
	filename := filepath.Join(*outDir, fmt.Sprintf("%s_%s_%s_to_%s.csv", sym, *interval,
		first.Format("20060102T1504"), last.Add(time.Millisecond).Format("20060102T1504")))
	f, err := os.Create(filename)
	if err != nil {
		log.Fatalf("Error creating %s: %v", filename, err)
	}
	defer f.Close()
	if err := replay.WriteKlines(f, klines); err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
}
