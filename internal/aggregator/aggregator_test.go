// Copyright 2024 The go-equa Authors
// ti-oracle - price aggregator tests

package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

type fakeExchange struct {
	name  string
	pairs []oracletypes.PairInfo
}

func (f *fakeExchange) Name() string { return f.name }

func (f *fakeExchange) FetchPairs(ctx context.Context, symbols []string) ([]oracletypes.PairInfo, error) {
	return f.pairs, nil
}

func TestGetPrice_TukeyOutlierAndWeightedMean(t *testing.T) {
	// Four distinct exchanges, each quoting BTCUSDT once, so all four
	// prices actually reach the pool: fetchAndDerive keys each
	// exchange's own quotes by symbol, so a single exchange repeating
	// the same symbol would collapse to its last quote instead of
	// exercising the filter/weighting pipeline.
	exA := &fakeExchange{name: "a", pairs: []oracletypes.PairInfo{{Symbol: "BTCUSDT", Price: 100, Volume: 10}}}
	exB := &fakeExchange{name: "b", pairs: []oracletypes.PairInfo{{Symbol: "BTCUSDT", Price: 101, Volume: 20}}}
	exC := &fakeExchange{name: "c", pairs: []oracletypes.PairInfo{{Symbol: "BTCUSDT", Price: 99, Volume: 10}}}
	exD := &fakeExchange{name: "d", pairs: []oracletypes.PairInfo{{Symbol: "BTCUSDT", Price: 10000, Volume: 1}}}

	agg := New([]Exchange{exA, exB, exC, exD}, map[string][]string{
		"a": {"BTCUSDT"},
		"b": {"BTCUSDT"},
		"c": {"BTCUSDT"},
		"d": {"BTCUSDT"},
	}, time.Second)

	price, err := agg.GetPrice(context.Background())
	require.NoError(t, err)

	// The 10000 outlier is fenced out by the Tukey filter; the
	// surviving {99,100,101} pool's volume-weighted mean is 100.25,
	// scaled by 1e8 and truncated.
	require.Equal(t, int64(10025000000), price.Int64())
}

func TestGetPrice_NotEnoughVolume(t *testing.T) {
	ex := &fakeExchange{name: "fake"}
	agg := New([]Exchange{ex}, map[string][]string{"fake": {"BTCUSDT"}}, time.Second)

	_, err := agg.GetPrice(context.Background())
	require.Error(t, err)
	var nev *ErrNotEnoughVolume
	require.ErrorAs(t, err, &nev)
}

func TestGetPrice_NoSources(t *testing.T) {
	agg := New(nil, nil, time.Second)
	_, err := agg.GetPrice(context.Background())
	require.Error(t, err)
	var nev *ErrNotEnoughVolume
	require.ErrorAs(t, err, &nev)
	require.Equal(t, 0.0, nev.Total)
}

func TestExpressionEvaluate_DerivedPair(t *testing.T) {
	quotes := map[string]oracletypes.PairInfo{
		"WETH-USDC": {Symbol: "WETH-USDC", Price: 3000, Volume: 50},
		"WBTC-WETH": {Symbol: "WBTC-WETH", Price: 15},
	}
	expr := parseExpression("WETH-USDC div WBTC-WETH")

	pi, ok := expr.evaluate(quotes)
	require.True(t, ok)
	require.InDelta(t, 200.0, pi.Price, 1e-9)
	require.Equal(t, 50.0, pi.Volume)
}

func TestExpressionEvaluate_MissingSymbolSkipped(t *testing.T) {
	expr := parseExpression("WETH-USDC div NOPE")
	_, ok := expr.evaluate(map[string]oracletypes.PairInfo{
		"WETH-USDC": {Price: 3000, Volume: 1},
	})
	require.False(t, ok)
}
