// Copyright 2024 The go-equa Authors
// ti-oracle - symbol expression fuzz test

package aggregator

import (
	"testing"

	"github.com/google/gofuzz"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// TestExpressionEvaluate_RandomTokensNeverPanics feeds the expression
// evaluator randomly generated token streams to make sure a malformed
// symbol expression degrades to "unresolved" rather than panicking.
func TestExpressionEvaluate_RandomTokensNeverPanics(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 6)

	quotes := map[string]oracletypes.PairInfo{
		"BTCUSDT": {Symbol: "BTCUSDT", Price: 50000, Volume: 10},
		"ETHUSDT": {Symbol: "ETHUSDT", Price: 3000, Volume: 20},
	}

	for i := 0; i < 200; i++ {
		var tokens []string
		f.Fuzz(&tokens)

		expr := symbolExpression{raw: "fuzz", tokens: tokens}
		require_NoPanic(t, func() {
			expr.evaluate(quotes)
		})
	}
}

func require_NoPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("evaluate panicked: %v", r)
		}
	}()
	fn()
}
