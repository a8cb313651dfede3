// Copyright 2024 The go-equa Authors
// ti-oracle - validation bucket tests

package bucket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

type alwaysValid struct{}

func (alwaysValid) Verify(oracletypes.ValidateResponse) bool { return true }

type alwaysInvalid struct{}

func (alwaysInvalid) Verify(oracletypes.ValidateResponse) bool { return false }

func TestInsert_DedupPerFeedCountAndAddress(t *testing.T) {
	b := New("0xSELF", alwaysValid{})

	resp := oracletypes.ValidateResponse{FeedCount: 7, Address: "0xPEER1"}
	b.Insert(resp)
	b.Insert(resp)

	got := b.Take(7)
	require.Len(t, got, 1)
}

func TestInsert_RejectsSelfAddress(t *testing.T) {
	b := New("0xSELF", alwaysValid{})
	b.Insert(oracletypes.ValidateResponse{FeedCount: 7, Address: "0xSELF"})
	require.Empty(t, b.Take(7))
}

func TestInsert_RejectsInvalidSignatureAtInsertTime(t *testing.T) {
	b := New("0xSELF", alwaysInvalid{})
	b.Insert(oracletypes.ValidateResponse{FeedCount: 7, Address: "0xPEER1"})
	require.Empty(t, b.Take(7))
}

func TestGCBefore_RemovesOlderFeedCounts(t *testing.T) {
	b := New("0xSELF", alwaysValid{})
	b.Insert(oracletypes.ValidateResponse{FeedCount: 6, Address: "0xPEER1"})
	b.Insert(oracletypes.ValidateResponse{FeedCount: 7, Address: "0xPEER2"})

	b.GCBefore(7)

	require.Empty(t, b.Take(6))
	require.Len(t, b.Take(7), 1)
}
