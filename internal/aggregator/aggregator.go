// Copyright 2024 The go-equa Authors
// ti-oracle - cross-exchange price aggregator

// Package aggregator fans out quote fetches across configured
// exchanges, removes price outliers with Tukey fences, and computes a
// volume-weighted reference price.
package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// ErrNotEnoughVolume is returned when the quote pool's summed volume,
// taken before outlier removal, falls below the 1.0 floor, or when no
// quote survives outlier removal.
type ErrNotEnoughVolume struct{ Total float64 }

func (e *ErrNotEnoughVolume) Error() string {
	return fmt.Sprintf("aggregator: not enough volume: total=%.6f", e.Total)
}

// priceScale is the on-chain integer scale factor (1e8), matching the
// contract's fixed-point convention for submitted prices.
var priceScale = big.NewFloat(1e8)

// Aggregator computes the cohort's cross-exchange reference price.
type Aggregator struct {
	exchanges []Exchange
	mappings  map[string][]symbolExpression
	// perFetchTimeout bounds a single Exchange.FetchPairs call,
	// restored from the original Rust implementation's per-exchange
	// fetch bound (§12) rather than only bounding the whole round.
	perFetchTimeout time.Duration
}

// New builds an Aggregator. mappings maps an exchange name (matching
// Exchange.Name()) to the symbol expressions fetched from it.
// feedInterval derives the per-exchange fetch timeout, never exceeding
// the interval itself.
func New(exchanges []Exchange, mappings map[string][]string, feedInterval time.Duration) *Aggregator {
	parsed := make(map[string][]symbolExpression, len(mappings))
	for name, exprs := range mappings {
		for _, e := range exprs {
			parsed[name] = append(parsed[name], parseExpression(e))
		}
	}

	perFetch := feedInterval / 2
	if perFetch <= 0 || perFetch > 10*time.Second {
		perFetch = 10 * time.Second
	}

	return &Aggregator{exchanges: exchanges, mappings: parsed, perFetchTimeout: perFetch}
}

// GetPrice implements §4.1's algorithm end-to-end and returns the
// weighted price scaled to the on-chain u128 integer representation.
func (a *Aggregator) GetPrice(ctx context.Context) (*big.Int, error) {
	// An empty exchange/mapping configuration produces an empty pool the
	// same way an all-failed fetch round would; both collapse to the
	// same NotEnoughVolume(0) outcome (§4.1 edge cases).
	pool := a.fetchAndDerive(ctx)

	total := sumVolume(pool)
	if total < 1.0 {
		return nil, &ErrNotEnoughVolume{Total: total}
	}

	survivors := tukeyFilter(pool)
	survivorVolume := sumVolume(survivors)
	if len(survivors) == 0 {
		return nil, &ErrNotEnoughVolume{Total: survivorVolume}
	}

	weighted := volumeWeightedMean(survivors)

	scaled := new(big.Float).Mul(big.NewFloat(weighted), priceScale)
	out, _ := scaled.Int(nil)
	return out, nil
}

// fetchAndDerive runs one concurrent fetch per configured exchange and
// expands every symbol expression against that exchange's response.
func (a *Aggregator) fetchAndDerive(ctx context.Context) []oracletypes.PairInfo {
	type result struct {
		exchange string
		pairs    []oracletypes.PairInfo
	}

	results := make([]result, len(a.exchanges))
	g, gctx := errgroup.WithContext(ctx)

	for i, ex := range a.exchanges {
		i, ex := i, ex
		g.Go(func() error {
			exprs := a.mappings[ex.Name()]
			if len(exprs) == 0 {
				return nil
			}

			fetchCtx, cancel := context.WithTimeout(gctx, a.perFetchTimeout)
			defer cancel()

			quotes, err := ex.FetchPairs(fetchCtx, symbolsFor(exprs))
			if err != nil {
				// A fetch failure is logged and does not abort the round.
				log.Warn("exchange fetch failed", "exchange", ex.Name(), "error", err)
				return nil
			}

			bysymbol := make(map[string]oracletypes.PairInfo, len(quotes))
			for _, q := range quotes {
				bysymbolSet(bysymbol, q)
			}

			var derived []oracletypes.PairInfo
			for _, expr := range exprs {
				pi, ok := expr.evaluate(bysymbol)
				if !ok {
					continue
				}
				derived = append(derived, pi)
			}

			results[i] = result{exchange: ex.Name(), pairs: derived}
			return nil
		})
	}

	// Fetch failures never abort the round: every fetch goroutine logs
	// its own failure and returns nil, so Wait only joins them.
	_ = g.Wait()

	var pool []oracletypes.PairInfo
	for _, r := range results {
		pool = append(pool, r.pairs...)
	}
	return pool
}

func bysymbolSet(m map[string]oracletypes.PairInfo, q oracletypes.PairInfo) {
	m[q.Symbol] = q
}

func symbolsFor(exprs []symbolExpression) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range exprs {
		for _, s := range e.symbols() {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func sumVolume(pool []oracletypes.PairInfo) float64 {
	var total float64
	for _, p := range pool {
		total += p.Volume
	}
	return total
}

// tukeyFilter removes outliers by price using the classic 1.5*IQR
// fence, per §4.1 step 4.
func tukeyFilter(pool []oracletypes.PairInfo) []oracletypes.PairInfo {
	if len(pool) == 0 {
		return nil
	}

	sorted := make([]oracletypes.PairInfo, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	// Quartile positions are indexed off (n-1), not n: n*25/100 would
	// pick the outlier itself as p75 on a small, outlier-heavy sample
	// (e.g. n=4) and defeat the fence entirely.
	n := len(sorted)
	p25 := sorted[(n-1)*25/100].Price
	p75 := sorted[(n-1)*75/100].Price
	iqr := p75 - p25
	upper := p75 + 1.5*iqr
	lower := p25 - 1.5*iqr
	if lower < 0 {
		lower = 0
	}

	var survivors []oracletypes.PairInfo
	for _, p := range sorted {
		if p.Price >= lower && p.Price <= upper {
			survivors = append(survivors, p)
		}
	}
	return survivors
}

func volumeWeightedMean(pool []oracletypes.PairInfo) float64 {
	var num, den float64
	for _, p := range pool {
		num += p.Price * p.Volume
		den += p.Volume
	}
	if den == 0 {
		return 0
	}
	return num / den
}
