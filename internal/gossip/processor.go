// Copyright 2024 The go-equa Authors
// ti-oracle - gossip processor

// Package gossip implements the overlay transport and the Gossip
// Processor: the single goroutine that cooperatively multiplexes local
// commands from the Round Engine, operator stdin, and inbound overlay
// messages.
package gossip

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/peterh/liner"

	"github.com/tokeninsight/ti-oracle/internal/bucket"
	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
	"github.com/tokeninsight/ti-oracle/internal/peertracker"
)

// divergenceThreshold is the 1% sanity bound beyond which this node
// refuses to co-sign a peer's VReq (§4.5, §8 scenario 4).
const divergenceThreshold = 0.01

// LocalCommand is the Round Engine's outbound instruction to the
// Gossip Processor.
type LocalCommand interface{ isLocalCommand() }

// VReqCommand asks the processor to broadcast req and, on publish
// failure, to redial configured peers.
type VReqCommand struct{ Req oracletypes.ValidateRequest }

func (VReqCommand) isLocalCommand() {}

// RefreshPriceCommand updates the processor's last-seen local price
// cell with no network I/O.
type RefreshPriceCommand struct {
	Price *big.Int
	Ts    oracletypes.WireMillis
}

func (RefreshPriceCommand) isLocalCommand() {}

// Processor drives the gossip overlay for one coin topic. lastSeenPrice
// is an owned field written only by RefreshPriceCommand handling and
// read only when responding to a VReq — the single-goroutine design
// note in §9 eliminates any need for a mutex around it.
type Processor struct {
	coin          string
	selfAddress   string
	topic         Topic
	bucket        *bucket.Bucket
	peers         *peertracker.Tracker
	cmdCh         chan LocalCommand
	signFn        func(coin string, price *big.Int, tsSec oracletypes.HashSeconds) (string, string, error)
	lastSeenPrice *big.Int
	enableConsole bool
}

func New(coin, selfAddress string, topic Topic, b *bucket.Bucket, peers *peertracker.Tracker,
	signFn func(coin string, price *big.Int, tsSec oracletypes.HashSeconds) (string, string, error), enableConsole bool) *Processor {
	return &Processor{
		coin:          coin,
		selfAddress:   selfAddress,
		topic:         topic,
		bucket:        b,
		peers:         peers,
		cmdCh:         make(chan LocalCommand, 32),
		signFn:        signFn,
		enableConsole: enableConsole,
	}
}

// Commands returns the channel the Round Engine sends LocalCommands on.
func (p *Processor) Commands() chan<- LocalCommand { return p.cmdCh }

// Run multiplexes the three event sources until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	var stdinCh <-chan string
	if p.enableConsole {
		stdinCh = startConsole(ctx)
	}

	overlay := p.topic.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.cmdCh:
			p.handleLocalCommand(cmd)
		case line, ok := <-stdinCh:
			if !ok {
				stdinCh = nil
				continue
			}
			if err := p.topic.Publish([]byte(line)); err != nil {
				log.Warn("gossip: publish stdin line failed", "error", err)
			}
		case raw, ok := <-overlay:
			if !ok {
				return
			}
			p.handleOverlayMessage(raw)
		}
	}
}

func (p *Processor) handleLocalCommand(cmd LocalCommand) {
	switch c := cmd.(type) {
	case VReqCommand:
		data, err := encodeVReq(c.Req)
		if err != nil {
			log.Warn("gossip: encode VReq failed", "error", err)
			return
		}
		if err := p.topic.Publish(data); err != nil {
			log.Warn("gossip: publish VReq failed, redialing", "error", err)
			p.topic.Redial()
		}
	case RefreshPriceCommand:
		p.lastSeenPrice = c.Price
	}
}

func (p *Processor) handleOverlayMessage(raw []byte) {
	req, resp, err := decodeMessage(raw)
	if err != nil {
		log.Warn("gossip: drop unparseable message", "error", err)
		return
	}

	switch {
	case req != nil:
		p.handleVReq(*req)
	case resp != nil:
		p.peers.Seen(resp.Address, time.Now())
		p.bucket.Insert(*resp)
	}
}

// handleVReq implements §4.5's sign-and-respond rule: refuse to
// co-sign a price more than 1% away from this node's own last-seen
// belief.
func (p *Processor) handleVReq(req oracletypes.ValidateRequest) {
	if p.lastSeenPrice == nil {
		return
	}

	reqPrice, ok := new(big.Float).SetString(req.Price)
	if !ok {
		log.Warn("gossip: unparseable VReq price", "price", req.Price)
		return
	}
	localPrice := new(big.Float).SetInt(p.lastSeenPrice)

	diff := new(big.Float).Sub(localPrice, reqPrice)
	diff.Abs(diff)
	if reqPrice.Sign() == 0 {
		return
	}
	ratio := new(big.Float).Quo(diff, reqPrice)
	threshold := big.NewFloat(divergenceThreshold)
	if ratio.Cmp(threshold) > 0 {
		log.Info("gossip: refusing to co-sign divergent price", "requested", req.Price, "local", p.lastSeenPrice.String())
		return
	}

	tsSec := oracletypes.WireMillis(nowMillis()).ToHashSeconds()
	sigHex, addrHex, err := p.signFn(req.Coin, p.lastSeenPrice, tsSec)
	if err != nil {
		log.Warn("gossip: sign VResp failed", "error", err)
		return
	}

	resp := oracletypes.ValidateResponse{
		Coin:      req.Coin,
		Price:     p.lastSeenPrice.String(),
		FeedCount: req.FeedCount,
		Sig:       sigHex,
		Timestamp: tsSec,
		Address:   addrHex,
	}
	data, err := encodeVResp(resp)
	if err != nil {
		log.Warn("gossip: encode VResp failed", "error", err)
		return
	}
	if err := p.topic.Publish(data); err != nil {
		log.Warn("gossip: publish VResp failed, redialing", "error", err)
		p.topic.Redial()
	}
}

var nowMillis = func() int64 { return time.Now().UnixMilli() }

// startConsole reads operator stdin lines with a liner-backed reader
// and republishes them verbatim to the topic as a diagnostic channel
// (§4.5.2).
func startConsole(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)

		for {
			text, err := line.Prompt("ti-oracle> ")
			if err != nil {
				return
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			line.AppendHistory(text)
			select {
			case out <- text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
