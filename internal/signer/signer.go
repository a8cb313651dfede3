// Copyright 2024 The go-equa Authors
// ti-oracle - co-signature primitive

// Package signer implements the oracle's co-signature primitive: a
// canonical hash over (coin, price, timestamp) signed with secp256k1
// using Ethereum's recoverable-signature convention.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// Hash computes keccak256(coin_bytes || price_be32 || ts_be32), the
// canonical payload every co-signature is taken over. ts is always in
// seconds; callers must convert a wire millisecond timestamp with
// oracletypes.WireMillis.ToHashSeconds before reaching this call.
func Hash(coin string, price *big.Int, ts oracletypes.HashSeconds) [32]byte {
	priceBuf := padBE32(price)
	tsBuf := padBE32(big.NewInt(int64(ts)))

	buf := make([]byte, 0, len(coin)+64)
	buf = append(buf, []byte(coin)...)
	buf = append(buf, priceBuf[:]...)
	buf = append(buf, tsBuf[:]...)

	return crypto.Keccak256Hash(buf)
}

func padBE32(v *big.Int) [32]byte {
	var out [32]byte
	v.FillBytes(out[:])
	return out
}

// Sign signs (coin, price, ts) with pk and returns the 65-byte r‖s‖v
// signature as 0x-hex alongside the signer's derived address.
func Sign(pk *ecdsa.PrivateKey, coin string, price *big.Int, ts oracletypes.HashSeconds) (sigHex, addrHex string, err error) {
	h := Hash(coin, price, ts)

	sig, err := crypto.Sign(h[:], pk)
	if err != nil {
		return "", "", fmt.Errorf("signer: sign: %w", err)
	}
	// go-ethereum's recovery id is 0/1; the Ethereum wire convention adds
	// 27 so verifiers built against the classic `v` byte still work.
	sig[64] += 27

	addr := crypto.PubkeyToAddress(pk.PublicKey)
	return "0x" + hex.EncodeToString(sig), addr.Hex(), nil
}

// Verify reports whether sigHex is a valid signature over (coin, price,
// ts) recovering to addrHex.
func Verify(sigHex string, coin string, price *big.Int, ts oracletypes.HashSeconds, addrHex string) bool {
	sig, err := decodeSig(sigHex)
	if err != nil {
		return false
	}
	h := Hash(coin, price, ts)

	recoverSig := make([]byte, 65)
	copy(recoverSig, sig)
	if recoverSig[64] >= 27 {
		recoverSig[64] -= 27
	}

	pub, err := crypto.SigToPub(h[:], recoverSig)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return strings.EqualFold(recovered.Hex(), addrHex)
}

// PubkeyToAddress derives the 0x-hex Ethereum address of pk's public key.
func PubkeyToAddress(pk *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(pk.PublicKey).Hex()
}

func decodeSig(sigHex string) ([]byte, error) {
	s := strings.TrimPrefix(sigHex, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("signer: signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}
