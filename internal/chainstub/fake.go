// Copyright 2024 The go-equa Authors
// ti-oracle - deterministic in-memory chain stub for tests

package chainstub

import (
	"context"
	"strings"
	"sync"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// Fake is a deterministic in-memory ChainStub used by round engine
// scenario tests, in place of the teacher's ethclient/simulated backend
// (that backend pulls in a full node stack this repository never
// needs).
type Fake struct {
	mu sync.Mutex

	myTurn     bool
	feedCount  uint64
	enrolled   map[string]bool
	submitted  [][]oracletypes.PeerPriceFeed
	submitErr  error
	hangForever bool
}

func NewFake() *Fake {
	return &Fake{enrolled: make(map[string]bool)}
}

func (f *Fake) SetMyTurn(v bool)          { f.mu.Lock(); defer f.mu.Unlock(); f.myTurn = v }
func (f *Fake) SetFeedCount(fc uint64)    { f.mu.Lock(); defer f.mu.Unlock(); f.feedCount = fc }
func (f *Fake) Enroll(addr string)        { f.mu.Lock(); defer f.mu.Unlock(); f.enrolled[strings.ToLower(addr)] = true }
func (f *Fake) SetSubmitError(err error)  { f.mu.Lock(); defer f.mu.Unlock(); f.submitErr = err }
func (f *Fake) SetHangForever(v bool)     { f.mu.Lock(); defer f.mu.Unlock(); f.hangForever = v }

func (f *Fake) Submissions() [][]oracletypes.PeerPriceFeed {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]oracletypes.PeerPriceFeed, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func (f *Fake) IsMyTurn(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.myTurn, nil
}

func (f *Fake) FeedCount(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feedCount, nil
}

func (f *Fake) QueryNode(ctx context.Context, addr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrolled[strings.ToLower(addr)], nil
}

func (f *Fake) FeedPrice(ctx context.Context, coin string, reports []oracletypes.PeerPriceFeed, feePerGasGwei float64) (string, error) {
	if f.hangForever {
		<-ctx.Done()
		return "", ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, reports)
	return "0xfaketxhash", nil
}

func (f *Fake) Watch(ctx context.Context, onEvent func(ChainEvent)) {
	<-ctx.Done()
}
