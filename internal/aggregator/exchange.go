// Copyright 2024 The go-equa Authors
// ti-oracle - exchange HTTP adapters

package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// Exchange is the uniform capability every configured price source
// implements; the aggregator never knows which concrete venue it is
// talking to.
type Exchange interface {
	Name() string
	FetchPairs(ctx context.Context, symbols []string) ([]oracletypes.PairInfo, error)
}

// newRetryClient builds a hashicorp/go-retryablehttp client; each
// HTTP-backed exchange adapter gets its own, configured with the bounded
// retry/backoff shape the retrieval pack's exchange fetchers use.
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	return c
}

// binanceExchange fetches the public 24hr ticker endpoint. No official
// Binance SDK appears anywhere in the retrieval pack, so a hand-rolled
// net/http+encoding/json client is the correct call here rather than a
// missing-dependency compromise (see DESIGN.md).
type binanceExchange struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter
	baseURL string
}

func NewBinanceExchange() Exchange {
	return &binanceExchange{
		client:  newRetryClient(),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		baseURL: "https://api.binance.com/api/v3/ticker/24hr",
	}
}

func (b *binanceExchange) Name() string { return "binance" }

type binanceTicker struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	Volume      string `json:"volume"`
	CloseTime   int64  `json:"closeTime"`
}

func (b *binanceExchange) FetchPairs(ctx context.Context, symbols []string) ([]oracletypes.PairInfo, error) {
	out := make([]oracletypes.PairInfo, 0, len(symbols))
	for _, sym := range symbols {
		if err := b.limiter.Wait(ctx); err != nil {
			return out, err
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s?symbol=%s", b.baseURL, sym), nil)
		if err != nil {
			return out, fmt.Errorf("binance: build request: %w", err)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			log.Warn("exchange fetch failed", "exchange", "binance", "symbol", sym, "error", err)
			continue
		}

		var t binanceTicker
		decErr := json.NewDecoder(resp.Body).Decode(&t)
		resp.Body.Close()
		if decErr != nil {
			log.Warn("exchange decode failed", "exchange", "binance", "symbol", sym, "error", decErr)
			continue
		}

		price, volume, ok := parseTicker(t.LastPrice, t.Volume)
		if !ok {
			continue
		}
		out = append(out, oracletypes.PairInfo{
			Symbol:    sym,
			Price:     price,
			Volume:    volume,
			Timestamp: oracletypes.WireMillis(t.CloseTime),
			Exchange:  "binance",
		})
	}
	return out, nil
}

// coinbaseExchange fetches the public product-stats endpoint, likewise
// with no available SDK in the pack for this venue.
type coinbaseExchange struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter
	baseURL string
}

func NewCoinbaseExchange() Exchange {
	return &coinbaseExchange{
		client:  newRetryClient(),
		limiter: rate.NewLimiter(rate.Every(150*time.Millisecond), 5),
		baseURL: "https://api.exchange.coinbase.com/products",
	}
}

func (c *coinbaseExchange) Name() string { return "coinbase" }

type coinbaseStats struct {
	Last   string `json:"last"`
	Volume string `json:"volume"`
}

func (c *coinbaseExchange) FetchPairs(ctx context.Context, symbols []string) ([]oracletypes.PairInfo, error) {
	out := make([]oracletypes.PairInfo, 0, len(symbols))
	for _, sym := range symbols {
		if err := c.limiter.Wait(ctx); err != nil {
			return out, err
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/stats", c.baseURL, sym), nil)
		if err != nil {
			return out, fmt.Errorf("coinbase: build request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			log.Warn("exchange fetch failed", "exchange", "coinbase", "symbol", sym, "error", err)
			continue
		}

		var s coinbaseStats
		decErr := json.NewDecoder(resp.Body).Decode(&s)
		resp.Body.Close()
		if decErr != nil {
			log.Warn("exchange decode failed", "exchange", "coinbase", "symbol", sym, "error", decErr)
			continue
		}

		price, volume, ok := parseTicker(s.Last, s.Volume)
		if !ok {
			continue
		}
		out = append(out, oracletypes.PairInfo{
			Symbol:    sym,
			Price:     price,
			Volume:    volume,
			Timestamp: oracletypes.WireMillis(time.Now().UnixMilli()),
			Exchange:  "coinbase",
		})
	}
	return out, nil
}

func parseTicker(priceStr, volumeStr string) (price, volume float64, ok bool) {
	p, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, 0, false
	}
	v, err := strconv.ParseFloat(volumeStr, 64)
	if err != nil {
		return 0, 0, false
	}
	return p, v, true
}
