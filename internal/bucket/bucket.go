// Copyright 2024 The go-equa Authors
// ti-oracle - validation bucket

// Package bucket implements the Validation Bucket: the single shared,
// mutex-guarded map from feed_count to the signed peer reports
// collected for that round.
package bucket

import (
	"strings"
	"sync"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// SignatureVerifier recovers and checks a ValidateResponse's signature.
// Bucket depends on this narrow interface rather than the signer
// package directly so it can be unit-tested without real crypto.
type SignatureVerifier interface {
	Verify(resp oracletypes.ValidateResponse) bool
}

type key struct {
	feedCount uint64
	address   string
}

// Bucket is the shared mapping described in §3/§4.4. All mutation goes
// through one mutex; Take returns a defensive copy so callers never
// hold a reference into the locked map.
type Bucket struct {
	mu           sync.Mutex
	entries      map[uint64][]oracletypes.ValidateResponse
	seen         map[key]struct{}
	selfAddress  string
	verifier     SignatureVerifier
}

// New builds an empty Bucket. selfAddress is the node's own address,
// which Insert always refuses (§3: "never inserted ... by the gossip
// path"). verifier implements the Open Question resolution in
// SPEC_FULL.md §13: reject a response whose signature is already
// invalid at insert time, not only at commit time.
func New(selfAddress string, verifier SignatureVerifier) *Bucket {
	return &Bucket{
		entries:     make(map[uint64][]oracletypes.ValidateResponse),
		seen:        make(map[key]struct{}),
		selfAddress: selfAddress,
		verifier:    verifier,
	}
}

// GCBefore deletes every entry whose feed_count key is less than fc.
func (b *Bucket) GCBefore(fc uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := range b.entries {
		if k < fc {
			delete(b.entries, k)
		}
	}
	for sk := range b.seen {
		if sk.feedCount < fc {
			delete(b.seen, sk)
		}
	}
}

// Insert appends resp to its feed_count's slot unless a response for
// the same (feed_count, address) is already present, the address is
// the node's own, or the signature fails to recover — the first two
// checks are unconditional per §3; the third is this implementation's
// resolution of the insert-time-verification Open Question.
func (b *Bucket) Insert(resp oracletypes.ValidateResponse) {
	if strings.EqualFold(resp.Address, b.selfAddress) {
		return
	}
	if b.verifier != nil && !b.verifier.Verify(resp) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{feedCount: resp.FeedCount, address: strings.ToLower(resp.Address)}
	if _, ok := b.seen[k]; ok {
		return
	}

	b.seen[k] = struct{}{}
	b.entries[resp.FeedCount] = append(b.entries[resp.FeedCount], resp)
}

// Take snapshot-clones the entries for fc.
func (b *Bucket) Take(fc uint64) []oracletypes.ValidateResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.entries[fc]
	out := make([]oracletypes.ValidateResponse, len(src))
	copy(out, src)
	return out
}

