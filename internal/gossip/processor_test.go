// Copyright 2024 The go-equa Authors
// ti-oracle - gossip processor tests

package gossip

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/tokeninsight/ti-oracle/internal/bucket"
	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
	"github.com/tokeninsight/ti-oracle/internal/peertracker"
	"github.com/tokeninsight/ti-oracle/internal/signer"
)

// fakeTopic is an in-memory Topic: Publish appends to Published instead
// of touching the network, and Subscribe returns a channel the test
// drives directly.
type fakeTopic struct {
	Published [][]byte
	sub       chan []byte
	redials   int
}

func newFakeTopic() *fakeTopic {
	return &fakeTopic{sub: make(chan []byte, 8)}
}

func (f *fakeTopic) Publish(data []byte) error {
	f.Published = append(f.Published, data)
	return nil
}
func (f *fakeTopic) Subscribe() <-chan []byte { return f.sub }
func (f *fakeTopic) Redial()                  { f.redials++ }
func (f *fakeTopic) Close() error             { return nil }

type alwaysValidSig struct{}

func (alwaysValidSig) Verify(oracletypes.ValidateResponse) bool { return true }

func newTestProcessor(t *testing.T) (*Processor, *fakeTopic) {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := signer.PubkeyToAddress(pk)

	topic := newFakeTopic()
	b := bucket.New(addr, alwaysValidSig{})
	tracker := peertracker.New()
	signFn := func(coin string, price *big.Int, tsSec oracletypes.HashSeconds) (string, string, error) {
		return signer.Sign(pk, coin, price, tsSec)
	}
	p := New("eth", addr, topic, b, tracker, signFn, false)
	return p, topic
}

// A VReq within 1% of this node's last-seen price is co-signed and
// published back onto the topic as a VResp (§4.5).
func TestHandleVReq_WithinThreshold_CoSigns(t *testing.T) {
	p, topic := newTestProcessor(t)
	p.handleLocalCommand(RefreshPriceCommand{Price: big.NewInt(200000000000), Ts: oracletypes.WireMillis(1_700_000_000_000)})

	p.handleVReq(oracletypes.ValidateRequest{Coin: "eth", Price: "200500000000", FeedCount: 1})

	require.Len(t, topic.Published, 1)
	_, resp, err := decodeMessage(topic.Published[0])
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "200000000000", resp.Price)
}

// §8 scenario 4: a VReq priced more than 1% away from this node's own
// belief is refused — no VResp is published and the divergent request
// never reaches the bucket.
func TestHandleVReq_DivergentPrice_RefusesToCoSign(t *testing.T) {
	p, topic := newTestProcessor(t)
	p.handleLocalCommand(RefreshPriceCommand{Price: big.NewInt(200000000000), Ts: oracletypes.WireMillis(1_700_000_000_000)})

	// 5% above the local belief, well past the 1% divergence bound.
	p.handleVReq(oracletypes.ValidateRequest{Coin: "eth", Price: "210000000000", FeedCount: 1})

	require.Empty(t, topic.Published)
}

// With no local price yet observed, the processor has nothing to
// co-sign against and must refuse every VReq.
func TestHandleVReq_NoLocalPriceYet_RefusesToCoSign(t *testing.T) {
	p, topic := newTestProcessor(t)

	p.handleVReq(oracletypes.ValidateRequest{Coin: "eth", Price: "200000000000", FeedCount: 1})

	require.Empty(t, topic.Published)
}

// An inbound VResp is deduped/verified into the bucket and the sender
// is recorded as seen by the peer tracker.
func TestHandleOverlayMessage_VResp_InsertsIntoBucketAndTracksPeer(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := oracletypes.ValidateResponse{Coin: "eth", Price: "200000000000", FeedCount: 3, Address: "0xPEER", Sig: "deadbeef"}
	data, err := encodeVResp(resp)
	require.NoError(t, err)

	p.handleOverlayMessage(data)

	taken := p.bucket.Take(3)
	require.Len(t, taken, 1)
	require.Equal(t, "0xPEER", taken[0].Address)
	require.True(t, p.peers.SeenThisRound("0xPEER"))
}
