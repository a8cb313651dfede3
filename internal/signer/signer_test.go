// Copyright 2024 The go-equa Authors
// ti-oracle - co-signature primitive tests

package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)

	price := big.NewInt(2345600000000)
	ts := oracletypes.HashSeconds(1_700_000_000)

	sig, addr, err := Sign(pk, "eth", price, ts)
	require.NoError(t, err)
	require.Equal(t, PubkeyToAddress(pk), addr)

	require.True(t, Verify(sig, "eth", price, ts, addr))
	require.False(t, Verify(sig, "eth", big.NewInt(1), ts, addr))
	require.False(t, Verify(sig, "eth", price, ts, "0x0000000000000000000000000000000000000000"))
}

func TestHashDeterministic(t *testing.T) {
	price := big.NewInt(100)
	ts := oracletypes.HashSeconds(5)

	h1 := Hash("eth", price, ts)
	h2 := Hash("eth", price, ts)
	require.Equal(t, h1, h2)

	h3 := Hash("eth", big.NewInt(101), ts)
	require.NotEqual(t, h1, h3)
}
