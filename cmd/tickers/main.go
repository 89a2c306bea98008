package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"hl-delta-bot/internal/config"
	"hl-delta-bot/internal/hl/rest"
	"hl-delta-bot/internal/hl/ws"
	"hl-delta-bot/internal/logging"
	"hl-delta-bot/internal/market"
)

const (
	defaultBaseURL = "https://api.hyperliquid.xyz"
	defaultTimeout = 10 * time.Second
	hoursPerYear   = 24 * 365
)

type row struct {
	symbol     string
	hourly     float64
	annualized float64
	markPrice  float64
	hasSpot    bool
}

func main() {
	configPath := flag.String("config", "", "optional config path for REST settings")
	top := flag.Int("top", 20, "number of coins to print (0 for all)")
	spotOnly := flag.Bool("spot-only", false, "only list coins with a USDC spot pair")
	flag.Parse()

	baseURL := defaultBaseURL
	timeout := defaultTimeout
	logCfg := config.LoggingConfig{Level: "error"}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		logCfg = cfg.Log
		if cfg.REST.BaseURL != "" {
			baseURL = cfg.REST.BaseURL
		}
		if cfg.REST.Timeout > 0 {
			timeout = cfg.REST.Timeout
		}
	}
	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	restClient := rest.New(baseURL, timeout, log)
	wsClient := ws.New("", 0, 0, log)
	md := market.New(restClient, wsClient, log)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := md.RefreshContexts(ctx); err != nil {
		fatal(err)
	}

	rows := make([]row, 0, 64)
	for _, symbol := range md.PerpSymbols() {
		perp, ok := md.PerpContext(symbol)
		if !ok {
			continue
		}
		_, hasSpot := md.SpotContext(symbol)
		if *spotOnly && !hasSpot {
			continue
		}
		rows = append(rows, row{
			symbol:     symbol,
			hourly:     perp.FundingRate,
			annualized: perp.FundingRate * hoursPerYear,
			markPrice:  perp.MarkPrice,
			hasSpot:    hasSpot,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].annualized != rows[j].annualized {
			return rows[i].annualized > rows[j].annualized
		}
		return rows[i].symbol < rows[j].symbol
	})
	if *top > 0 && len(rows) > *top {
		rows = rows[:*top]
	}

	fmt.Printf("%-10s %12s %12s %14s %6s\n", "COIN", "HOURLY", "APR", "MARK", "SPOT")
	fmt.Println(strings.Repeat("-", 58))
	for _, r := range rows {
		spot := ""
		if r.hasSpot {
			spot = "yes"
		}
		fmt.Printf("%-10s %11.5f%% %11.2f%% %14.4f %6s\n",
			r.symbol, r.hourly*100, r.annualized*100, r.markPrice, spot)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
