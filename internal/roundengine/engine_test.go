// Copyright 2024 The go-equa Authors
// ti-oracle - feed round engine scenario tests

package roundengine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/tokeninsight/ti-oracle/internal/aggregator"
	"github.com/tokeninsight/ti-oracle/internal/bucket"
	"github.com/tokeninsight/ti-oracle/internal/chainstub"
	"github.com/tokeninsight/ti-oracle/internal/gossip"
	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
	"github.com/tokeninsight/ti-oracle/internal/peertracker"
	"github.com/tokeninsight/ti-oracle/internal/signer"
)

// sigVerifier adapts the signer package to bucket.SignatureVerifier so
// the bucket under test performs the same insert-time check the real
// node does (§13's Open Question resolution).
type sigVerifier struct{}

func (sigVerifier) Verify(resp oracletypes.ValidateResponse) bool {
	price, ok := new(big.Int).SetString(resp.Price, 10)
	if !ok {
		return false
	}
	return signer.Verify(resp.Sig, resp.Coin, price, resp.Timestamp, resp.Address)
}

type fakeExchange struct{ price, volume float64 }

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) FetchPairs(ctx context.Context, symbols []string) ([]oracletypes.PairInfo, error) {
	out := make([]oracletypes.PairInfo, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, oracletypes.PairInfo{Symbol: s, Price: f.price, Volume: f.volume, Exchange: "fake"})
	}
	return out, nil
}

// testHarness wires one Engine against a Fake chain, a real Bucket, and
// a buffered command channel standing in for the Gossip Processor so
// tests can inspect what the engine would have broadcast.
type testHarness struct {
	engine *Engine
	chain  *chainstub.Fake
	b      *bucket.Bucket
	cmds   chan gossip.LocalCommand
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	pk, err := crypto.GenerateKey()
	require.NoError(t, err)

	selfAddr := signer.PubkeyToAddress(pk)
	b := bucket.New(selfAddr, sigVerifier{})
	chain := chainstub.NewFake()
	tracker := peertracker.New()
	cmds := make(chan gossip.LocalCommand, 32)

	agg := aggregator.New([]aggregator.Exchange{&fakeExchange{price: 23456, volume: 100}},
		map[string][]string{"fake": {"eth"}}, time.Second)

	cfg.Coin = "eth"
	e := New(cfg, agg, chain, b, tracker, cmds, pk)

	return &testHarness{engine: e, chain: chain, b: b, cmds: cmds}
}

func fastCfg() Config {
	return Config{
		FeedInterval:           time.Hour,
		FeePerGasGwei:          1,
		CollectResponseTimeout: 20 * time.Millisecond,
		CommitTxTimeout:        200 * time.Millisecond,
		NotEnoughVolumeSleep:   time.Millisecond,
		ContractTimeout:        50 * time.Millisecond,
	}
}

func signResponse(t *testing.T, coin string, price int64, fc uint64) oracletypes.ValidateResponse {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)

	ts := oracletypes.HashSeconds(time.Now().Unix())
	sig, addr, err := signer.Sign(pk, coin, big.NewInt(price), ts)
	require.NoError(t, err)

	return oracletypes.ValidateResponse{
		Coin:      coin,
		Price:     big.NewInt(price).String(),
		FeedCount: fc,
		Sig:       sig,
		Timestamp: ts,
		Address:   addr,
	}
}

// Scenario 1: happy path, my turn — two enrolled peers reply within
// range; the final submission has 3 sorted entries including self.
func TestCollectAndCommit_HappyPathMyTurn(t *testing.T) {
	h := newHarness(t, fastCfg())
	h.chain.SetMyTurn(true)
	h.chain.SetFeedCount(7)

	// Peer prices are on the same 1e8 scale as the engine's own
	// 23456·1e8 aggregate, so both are within 1% of it.
	peer1 := signResponse(t, "eth", 2345600000000, 7)
	peer2 := signResponse(t, "eth", 2345700000000, 7)
	h.chain.Enroll(peer1.Address)
	h.chain.Enroll(peer2.Address)
	h.b.Insert(peer1)
	h.b.Insert(peer2)

	h.engine.tick(context.Background())

	subs := h.chain.Submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0], 3)
	for i := 1; i < len(subs[0]); i++ {
		require.True(t, subs[0][i-1].Price.Cmp(subs[0][i].Price) <= 0)
	}

	selfAddr := signer.PubkeyToAddress(h.engine.pk)
	var selfCount int
	for _, r := range subs[0] {
		if eqAddr(r.PeerAddress, selfAddr) {
			selfCount++
		}
	}
	require.Equal(t, 1, selfCount)
}

// Scenario 2: not my turn — no submission, a RefreshPrice command is
// still sent.
func TestTick_NotMyTurn_NoSubmission(t *testing.T) {
	h := newHarness(t, fastCfg())
	h.chain.SetMyTurn(false)
	h.chain.SetFeedCount(3)

	h.engine.tick(context.Background())

	require.Empty(t, h.chain.Submissions())
	select {
	case cmd := <-h.cmds:
		_, ok := cmd.(gossip.RefreshPriceCommand)
		require.True(t, ok)
	default:
		t.Fatal("expected RefreshPriceCommand to be sent")
	}
}

// Scenario 3: a peer's response for a stale feed_count is inserted
// into its own slot and GC'd away before the next round's slot opens.
func TestCollectAndCommit_StaleResponseGCdBeforeNextRound(t *testing.T) {
	h := newHarness(t, fastCfg())
	stale := signResponse(t, "eth", 23456, 6)
	h.chain.Enroll(stale.Address)
	h.b.Insert(stale)
	require.Len(t, h.b.Take(6), 1)

	h.chain.SetMyTurn(true)
	h.chain.SetFeedCount(7)
	h.engine.tick(context.Background())

	// GCBefore(7) runs inside collectAndCommit and removes slot 6.
	require.Empty(t, h.b.Take(6))

	subs := h.chain.Submissions()
	require.Len(t, subs, 1)
	// Only the local entry — stale peer never lands in slot 7.
	require.Len(t, subs[0], 1)
}

// Scenario 5: a well-formed, correctly-signed response from an
// unenrolled address is filtered out at commit time.
func TestCollectAndCommit_UnauthorisedSignerFiltered(t *testing.T) {
	h := newHarness(t, fastCfg())
	h.chain.SetMyTurn(true)
	h.chain.SetFeedCount(9)

	unauth := signResponse(t, "eth", 23456, 9)
	// Deliberately not enrolled.
	h.b.Insert(unauth)

	h.engine.tick(context.Background())

	subs := h.chain.Submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0], 1, "unauthorised peer must be excluded, only self remains")
}

// Scenario 6: feed_price hangs past the commit deadline; the round is
// abandoned and the next tick proceeds normally.
func TestCollectAndCommit_DeadlineExceeded(t *testing.T) {
	cfg := fastCfg()
	cfg.CommitTxTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	h.chain.SetMyTurn(true)
	h.chain.SetFeedCount(1)
	h.chain.SetHangForever(true)

	done := make(chan struct{})
	go func() {
		h.engine.tick(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not return within the commit deadline")
	}

	require.Empty(t, h.chain.Submissions())
	stats := h.engine.GetStats()
	require.NotEmpty(t, stats.LastError)

	// Next tick proceeds normally once the chain stops hanging.
	h.chain.SetHangForever(false)
	h.engine.tick(context.Background())
	require.Len(t, h.chain.Submissions(), 1)
}

func eqAddr(raw [20]byte, hexAddr string) bool {
	want := new(big.Int)
	want.SetString(hexAddr[2:], 16)
	got := new(big.Int).SetBytes(raw[:])
	return want.Cmp(got) == 0
}
