// Copyright 2024 The go-equa Authors
// ti-oracle - feed round engine

// Package roundengine implements the feed round engine: the
// round-scoped state machine that aggregates a price, collects peer
// co-signatures under deadline, and submits the batched report
// on-chain.
package roundengine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/tokeninsight/ti-oracle/internal/aggregator"
	"github.com/tokeninsight/ti-oracle/internal/bucket"
	"github.com/tokeninsight/ti-oracle/internal/chainstub"
	"github.com/tokeninsight/ti-oracle/internal/gossip"
	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
	"github.com/tokeninsight/ti-oracle/internal/peertracker"
	"github.com/tokeninsight/ti-oracle/internal/signer"
)

const (
	// defaultCollectResponseTimeout is the entire signature-collection
	// window (§4.6.1 step 4).
	defaultCollectResponseTimeout = 5 * time.Second
	// defaultCommitTxTimeout bounds the whole collect-and-commit
	// subroutine (§4.6, COMMIT_TX_TIMEOUT).
	defaultCommitTxTimeout = 30 * time.Second
	// defaultNotEnoughVolumeSleep is the pause after a skipped tick
	// (§4.6 step 1).
	defaultNotEnoughVolumeSleep = 5 * time.Second
	// defaultContractTimeout bounds every individual chain RPC (§5,
	// CONTRACT_TIMEOUT).
	defaultContractTimeout = 5 * time.Second
)

// Config collects the Engine's construction-time parameters. The four
// *Timeout/*Sleep fields default to the spec's production values
// (§4.6/§5) when left zero; scenario tests shrink them to keep the
// six §8 end-to-end cases fast.
type Config struct {
	Coin          string
	FeedInterval  time.Duration
	FeePerGasGwei float64
	DryRun        bool

	CollectResponseTimeout time.Duration
	CommitTxTimeout        time.Duration
	NotEnoughVolumeSleep   time.Duration
	ContractTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.CollectResponseTimeout == 0 {
		c.CollectResponseTimeout = defaultCollectResponseTimeout
	}
	if c.CommitTxTimeout == 0 {
		c.CommitTxTimeout = defaultCommitTxTimeout
	}
	if c.NotEnoughVolumeSleep == 0 {
		c.NotEnoughVolumeSleep = defaultNotEnoughVolumeSleep
	}
	if c.ContractTimeout == 0 {
		c.ContractTimeout = defaultContractTimeout
	}
	return c
}

// Stats is the read-only snapshot exposed through the observability
// surface, grounded on the teacher's engine.Stats/GetStats shape.
type Stats struct {
	LastFeedCount   uint64
	LastPrice       string
	LastTxHash      string
	RoundsCommitted uint64
	RoundsSkipped   uint64
	LastError       string
	UpdatedAt       time.Time
}

// Engine drives the state machine described in §4.6.2.
type Engine struct {
	cfg Config

	agg     *aggregator.Aggregator
	chain   chainstub.ChainStub
	bucket  *bucket.Bucket
	tracker *peertracker.Tracker
	cmds    chan<- gossip.LocalCommand

	pk          *ecdsa.PrivateKey
	selfAddress string

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config, agg *aggregator.Aggregator, chain chainstub.ChainStub, b *bucket.Bucket,
	tracker *peertracker.Tracker, cmds chan<- gossip.LocalCommand, pk *ecdsa.PrivateKey) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		agg:         agg,
		chain:       chain,
		bucket:      b,
		tracker:     tracker,
		cmds:        cmds,
		pk:          pk,
		selfAddress: signer.PubkeyToAddress(pk),
	}
}

// Run ticks every cfg.FeedInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FeedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick implements §4.6 steps 1-5.
func (e *Engine) tick(ctx context.Context) {
	price, err := e.agg.GetPrice(ctx)
	if err != nil {
		var nev *aggregator.ErrNotEnoughVolume
		if errors.As(err, &nev) {
			log.Info("roundengine: not enough volume, skipping tick", "total", nev.Total)
			e.recordSkip(err)
			time.Sleep(e.cfg.NotEnoughVolumeSleep)
			return
		}
		log.Warn("roundengine: price aggregation failed", "error", err)
		e.recordSkip(err)
		return
	}

	turnCtx, cancel := context.WithTimeout(ctx, e.cfg.ContractTimeout)
	myTurn, err := e.chain.IsMyTurn(turnCtx)
	cancel()
	if err != nil {
		log.Warn("roundengine: is_my_turn failed, falling through", "error", err)
		myTurn = false
	}

	if myTurn {
		commitCtx, cancel := context.WithTimeout(ctx, e.cfg.CommitTxTimeout)
		e.collectAndCommit(commitCtx, price)
		cancel()
	}

	e.sendCommand(gossip.RefreshPriceCommand{Price: price, Ts: oracletypes.WireMillis(time.Now().UnixMilli())})
}

// collectAndCommit implements §4.6.1.
func (e *Engine) collectAndCommit(ctx context.Context, price *big.Int) {
	fcCtx, cancel := context.WithTimeout(ctx, e.cfg.ContractTimeout)
	fc, err := e.chain.FeedCount(fcCtx)
	cancel()
	if err != nil {
		log.Warn("roundengine: feed_count failed", "error", err)
		return
	}

	req := oracletypes.ValidateRequest{
		Coin:      e.cfg.Coin,
		Price:     price.String(),
		FeedCount: fc,
		Timestamp: oracletypes.WireMillis(time.Now().UnixMilli()),
	}

	// GC must complete before the broadcast is observable to any peer,
	// so no straggler from an earlier feed_count can land in this slot
	// (§4.6.1 step 3).
	e.bucket.GCBefore(fc)
	e.tracker.ResetRound()
	e.sendCommand(gossip.VReqCommand{Req: req})

	select {
	case <-time.After(e.cfg.CollectResponseTimeout):
	case <-ctx.Done():
		log.Warn("roundengine: commit deadline exceeded during collection", "feed_count", fc)
		e.recordError(fmt.Errorf("roundengine: deadline exceeded"))
		return
	}

	responses := e.bucket.Take(fc)

	reports := make([]oracletypes.PeerPriceFeed, 0, len(responses)+1)
	for _, resp := range responses {
		respPrice, ok := new(big.Int).SetString(resp.Price, 10)
		if !ok {
			continue
		}
		if !signer.Verify(resp.Sig, resp.Coin, respPrice, resp.Timestamp, resp.Address) {
			continue
		}

		queryCtx, cancel := context.WithTimeout(ctx, e.cfg.ContractTimeout)
		enrolled, err := e.chain.QueryNode(queryCtx, resp.Address)
		cancel()
		if err != nil || !enrolled {
			continue
		}

		ppf, err := toPeerPriceFeed(resp.Address, resp.Sig, respPrice, resp.Timestamp)
		if err != nil {
			log.Warn("roundengine: widen response failed", "address", resp.Address, "error", err)
			continue
		}
		reports = append(reports, ppf)
	}

	nowSec := oracletypes.WireMillis(time.Now().UnixMilli()).ToHashSeconds()
	sigHex, addrHex, err := signer.Sign(e.pk, e.cfg.Coin, price, nowSec)
	if err != nil {
		log.Warn("roundengine: local signature failed", "error", err)
		e.recordError(err)
		return
	}
	localPPF, err := toPeerPriceFeed(addrHex, sigHex, price, nowSec)
	if err != nil {
		log.Warn("roundengine: widen local report failed", "error", err)
		e.recordError(err)
		return
	}
	// The local entry is always included — it is not gathered from the
	// bucket (§4.6.1 step 6).
	reports = append(reports, localPPF)

	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Price.Cmp(reports[j].Price) < 0
	})

	if e.cfg.DryRun {
		log.Info("roundengine: dry-run, not submitting", "feed_count", fc, "reports", len(reports))
		e.recordCommit(fc, price, "dry-run")
		return
	}

	txHash, err := e.chain.FeedPrice(ctx, e.cfg.Coin, reports, e.cfg.FeePerGasGwei)
	if err != nil {
		var sub *chainstub.ErrSubmissionError
		if errors.As(err, &sub) {
			log.Warn("roundengine: submission error, round lost", "feed_count", fc, "reason", sub.Reason)
		} else {
			log.Warn("roundengine: feed_price failed", "feed_count", fc, "error", err)
		}
		e.recordError(err)
		return
	}

	log.Info("roundengine: committed", "feed_count", fc, "tx_hash", txHash, "reports", len(reports))
	e.recordCommit(fc, price, txHash)
}

// toPeerPriceFeed performs the exact type widening called for in
// §4.6.1 step 5: u128→u256 via holiman/uint256 (then back to *big.Int,
// the representation oracletypes.PeerPriceFeed carries on the wire),
// hex→20-byte address, hex→65-byte signature.
func toPeerPriceFeed(addrHex, sigHex string, price *big.Int, ts oracletypes.HashSeconds) (oracletypes.PeerPriceFeed, error) {
	var ppf oracletypes.PeerPriceFeed

	widened, overflow := uint256.FromBig(price)
	if overflow {
		return ppf, fmt.Errorf("roundengine: price overflows u256")
	}
	ppf.Price = widened.ToBig()
	ppf.Timestamp = big.NewInt(int64(ts))

	addrBytes, err := hexToBytes(addrHex)
	if err != nil || len(addrBytes) != 20 {
		return ppf, fmt.Errorf("roundengine: bad address %q", addrHex)
	}
	copy(ppf.PeerAddress[:], addrBytes)

	sigBytes, err := hexToBytes(sigHex)
	if err != nil || len(sigBytes) != 65 {
		return ppf, fmt.Errorf("roundengine: bad signature %q", sigHex)
	}
	copy(ppf.Sig[:], sigBytes)

	return ppf, nil
}

func (e *Engine) sendCommand(cmd gossip.LocalCommand) {
	select {
	case e.cmds <- cmd:
	default:
		log.Warn("roundengine: gossip command channel full, dropping command")
	}
}

func (e *Engine) recordCommit(fc uint64, price *big.Int, txHash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.LastFeedCount = fc
	e.stats.LastPrice = price.String()
	e.stats.LastTxHash = txHash
	e.stats.RoundsCommitted++
	e.stats.LastError = ""
	e.stats.UpdatedAt = time.Now()
}

func (e *Engine) recordSkip(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.RoundsSkipped++
	e.stats.LastError = err.Error()
	e.stats.UpdatedAt = time.Now()
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.LastError = err.Error()
	e.stats.UpdatedAt = time.Now()
}

// GetStats returns a copy of the engine's current stats snapshot.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
