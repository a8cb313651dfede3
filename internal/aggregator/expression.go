// Copyright 2024 The go-equa Authors
// ti-oracle - symbol expression parser/evaluator

package aggregator

import (
	"strings"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// symbolExpression is either a plain symbol ("BTCUSDT") or a
// whitespace-separated chain of plain symbols and mul/div operators
// evaluated left-to-right with no operator precedence, e.g.
// "WETH-USDC div WBTC-WETH".
type symbolExpression struct {
	raw    string
	tokens []string
}

func parseExpression(expr string) symbolExpression {
	return symbolExpression{raw: expr, tokens: strings.Fields(expr)}
}

// symbols returns every plain symbol referenced by the expression.
func (e symbolExpression) symbols() []string {
	var out []string
	for _, tok := range e.tokens {
		if tok == "mul" || tok == "div" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// evaluate resolves the expression against quotes, a lookup of plain
// symbol to its quote within one exchange's response. Returns false if
// any referenced plain symbol is missing, per §4.1's "skipped silently"
// edge case.
func (e symbolExpression) evaluate(quotes map[string]oracletypes.PairInfo) (oracletypes.PairInfo, bool) {
	if len(e.tokens) == 0 {
		return oracletypes.PairInfo{}, false
	}

	first, ok := quotes[e.tokens[0]]
	if !ok {
		return oracletypes.PairInfo{}, false
	}

	acc := first.Price
	op := ""
	for _, tok := range e.tokens[1:] {
		switch tok {
		case "mul", "div":
			op = tok
			continue
		default:
			q, ok := quotes[tok]
			if !ok {
				return oracletypes.PairInfo{}, false
			}
			switch op {
			case "mul":
				acc *= q.Price
			case "div":
				if q.Price == 0 {
					return oracletypes.PairInfo{}, false
				}
				acc /= q.Price
			default:
				// Two symbols with no operator between them is malformed;
				// treat as unresolved rather than guessing an operator.
				return oracletypes.PairInfo{}, false
			}
		}
	}

	return oracletypes.PairInfo{
		Symbol:    e.raw,
		Price:     acc,
		Volume:    first.Volume,
		Timestamp: first.Timestamp,
		Exchange:  first.Exchange,
	}, true
}
