// Copyright 2024 The go-equa Authors
// ti-oracle - wire and on-chain data shapes

// Package oracletypes holds the wire and on-chain data shapes shared
// across the round engine, the gossip processor and the chain stub.
package oracletypes

import "math/big"

// WireMillis is a timestamp expressed in milliseconds, as carried on the
// gossip wire and in ValidateRequest. It is a distinct type from
// HashSeconds so the two units can never be passed to the wrong call site
// by accident.
type WireMillis int64

// HashSeconds is a timestamp expressed in seconds, the unit baked into
// the signed hash. Converting a WireMillis to HashSeconds is always an
// explicit call to ToHashSeconds.
type HashSeconds int64

// ToHashSeconds truncates a wire millisecond timestamp down to the
// second resolution used inside the signed hash.
func (m WireMillis) ToHashSeconds() HashSeconds {
	return HashSeconds(int64(m) / 1000)
}

// PairInfo is a single quote captured from an exchange, or a synthetic
// pair derived from one or more quotes by a symbol expression.
type PairInfo struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp WireMillis
	Exchange  string
}

// ValidateRequest announces a round's locally-computed price to the
// cohort and asks for co-signatures.
type ValidateRequest struct {
	Coin      string      `json:"coin"`
	Price     string      `json:"price"`
	FeedCount uint64      `json:"feed_count"`
	Timestamp WireMillis  `json:"timestamp"`
}

// ValidateResponse is a peer's signed attestation of a price for a given
// feed count.
type ValidateResponse struct {
	Coin      string      `json:"coin"`
	Price     string      `json:"price"`
	FeedCount uint64      `json:"feed_count"`
	Sig       string      `json:"sig"`
	Timestamp HashSeconds `json:"timestamp"`
	Address   string      `json:"address"`
}

// PeerPriceFeed is the wire-ready tuple submitted on-chain, matching the
// Solidity struct (address,bytes,uint256,uint256).
type PeerPriceFeed struct {
	PeerAddress [20]byte
	Sig         [65]byte
	Price       *big.Int
	Timestamp   *big.Int
}
