// Copyright 2024 The go-equa Authors
// ti-oracle - on-chain submission stub

// Package chainstub adapts the EVM JSON-RPC endpoint and the oracle
// contract's ABI behind the four operations the round engine needs,
// each independently bounded by a hard timeout.
package chainstub

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// ErrSubmissionError wraps any RPC or revert reason returned by
// feed_price, per §7's SubmissionError error kind.
type ErrSubmissionError struct{ Reason string }

func (e *ErrSubmissionError) Error() string { return "chainstub: submission error: " + e.Reason }

// Timeout is the hard 5s bound every Chain Stub read/write operation is
// wrapped in (CONTRACT_TIMEOUT, §5).
const Timeout = 5 * time.Second

// ChainEvent is a deduplicated PriceFeed event snapshot published for
// observability.
type ChainEvent struct {
	FeedCount uint64
	Round     uint64
	Block     uint64
	Reports   []oracletypes.PeerPriceFeed
}

// ChainStub is the narrow contract the round engine consumes; the real
// and fake implementations both satisfy it.
type ChainStub interface {
	IsMyTurn(ctx context.Context) (bool, error)
	FeedCount(ctx context.Context) (uint64, error)
	QueryNode(ctx context.Context, addr string) (bool, error)
	FeedPrice(ctx context.Context, coin string, reports []oracletypes.PeerPriceFeed, feePerGasGwei float64) (txHash string, err error)
	// Watch runs the 2s-poll event watcher until ctx is cancelled,
	// invoking onEvent for each newly observed PriceFeed log.
	Watch(ctx context.Context, onEvent func(ChainEvent))
}

// oracleABI is the minimal interface described in §6: the four read/
// write methods the round engine calls plus the events the watcher
// scans for.
const oracleABI = `[
  {"type":"function","name":"is_my_turn","stateMutability":"view","inputs":[],"outputs":[{"type":"bool"}]},
  {"type":"function","name":"feed_count","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
  {"type":"function","name":"query_node","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]},
  {"type":"function","name":"feed_price","stateMutability":"nonpayable","inputs":[{"type":"string"},{"type":"tuple[]","components":[{"type":"address"},{"type":"bytes"},{"type":"uint256"},{"type":"uint256"}]}],"outputs":[]},
  {"type":"event","name":"PriceFeed","inputs":[{"type":"uint256","name":"round"},{"type":"uint256","name":"feed_count"},{"type":"tuple[]","name":"info","components":[{"type":"address"},{"type":"bytes"},{"type":"uint256"},{"type":"uint256"}]}]}
]`

// Real is the live ethclient/abi-bind-backed ChainStub.
type Real struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	pk       *ecdsa.PrivateKey
	chainID  *big.Int
}

// Dial connects to rpcURL and binds contractAddr using oracleABI.
func Dial(ctx context.Context, rpcURL string, contractAddr common.Address, pk *ecdsa.PrivateKey) (*Real, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainstub: dial: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(oracleABI))
	if err != nil {
		return nil, fmt.Errorf("chainstub: parse abi: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainstub: chain id: %w", err)
	}

	bc := bind.NewBoundContract(contractAddr, parsed, client, client, client)
	return &Real{client: client, contract: bc, address: contractAddr, pk: pk, chainID: chainID}, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, Timeout)
}

func (r *Real) IsMyTurn(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "is_my_turn")
	if err != nil {
		return false, fmt.Errorf("chainstub: is_my_turn: %w", err)
	}
	return out[0].(bool), nil
}

func (r *Real) FeedCount(ctx context.Context) (uint64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "feed_count")
	if err != nil {
		return 0, fmt.Errorf("chainstub: feed_count: %w", err)
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (r *Real) QueryNode(ctx context.Context, addr string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "query_node", common.HexToAddress(addr))
	if err != nil {
		return false, fmt.Errorf("chainstub: query_node: %w", err)
	}
	return out[0].(bool), nil
}

func (r *Real) FeedPrice(ctx context.Context, coin string, reports []oracletypes.PeerPriceFeed, feePerGasGwei float64) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	gwei, _ := new(big.Float).Mul(big.NewFloat(feePerGasGwei), big.NewFloat(1_000_000_000)).Int(nil)
	gasPrice := gwei

	auth, err := bind.NewKeyedTransactorWithChainID(r.pk, r.chainID)
	if err != nil {
		return "", fmt.Errorf("chainstub: transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice

	tuples := make([]struct {
		Addr common.Address
		Sig  []byte
		Price *big.Int
		Ts    *big.Int
	}, len(reports))
	for i, r := range reports {
		tuples[i] = struct {
			Addr  common.Address
			Sig   []byte
			Price *big.Int
			Ts    *big.Int
		}{
			Addr:  common.BytesToAddress(r.PeerAddress[:]),
			Sig:   r.Sig[:],
			Price: r.Price,
			Ts:    r.Timestamp,
		}
	}

	tx, err := r.contract.Transact(auth, "feed_price", coin, tuples)
	if err != nil {
		return "", &ErrSubmissionError{Reason: err.Error()}
	}

	receipt, err := bind.WaitMined(ctx, r.client, tx)
	if err != nil {
		return "", &ErrSubmissionError{Reason: err.Error()}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", &ErrSubmissionError{Reason: "reverted"}
	}

	return tx.Hash().Hex(), nil
}

// Watch polls latest_block every 2s, scans [latest-1, latest] for
// PriceFeed logs, and dedups by feed_count before invoking onEvent.
func (r *Real) Watch(ctx context.Context, onEvent func(ChainEvent)) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	seen := make(map[uint64]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, seen, onEvent)
		}
	}
}

func (r *Real) pollOnce(ctx context.Context, seen map[uint64]struct{}, onEvent func(ChainEvent)) {
	callCtx, cancel := withTimeout(ctx)
	defer cancel()

	latest, err := r.client.BlockNumber(callCtx)
	if err != nil {
		log.Warn("chainstub: poll latest block failed", "error", err)
		return
	}
	from := latest
	if from > 0 {
		from--
	}

	parsed, err := abi.JSON(strings.NewReader(oracleABI))
	if err != nil {
		log.Warn("chainstub: parse abi for watch failed", "error", err)
		return
	}
	eventID := parsed.Events["PriceFeed"].ID

	logs, err := r.client.FilterLogs(callCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{r.address},
		Topics:    [][]common.Hash{{eventID}},
	})
	if err != nil {
		log.Warn("chainstub: filter logs failed", "error", err)
		return
	}

	for _, lg := range logs {
		var decoded struct {
			Round     *big.Int
			FeedCount *big.Int
			Info      []struct {
				Addr  common.Address
				Sig   []byte
				Price *big.Int
				Ts    *big.Int
			}
		}
		if err := parsed.UnpackIntoInterface(&decoded, "PriceFeed", lg.Data); err != nil {
			log.Warn("chainstub: unpack PriceFeed failed", "error", err)
			continue
		}

		fc := decoded.FeedCount.Uint64()
		if _, dup := seen[fc]; dup {
			continue
		}
		seen[fc] = struct{}{}

		reports := make([]oracletypes.PeerPriceFeed, len(decoded.Info))
		for i, info := range decoded.Info {
			var ppf oracletypes.PeerPriceFeed
			copy(ppf.PeerAddress[:], info.Addr[:])
			copy(ppf.Sig[:], info.Sig)
			ppf.Price = info.Price
			ppf.Timestamp = info.Ts
			reports[i] = ppf
		}

		onEvent(ChainEvent{
			FeedCount: fc,
			Round:     decoded.Round.Uint64(),
			Block:     lg.BlockNumber,
			Reports:   reports,
		})
	}
}

// PubkeyAddress returns the 0x-hex address derived from pk. main derives
// its own address through signer.PubkeyToAddress instead.
func PubkeyAddress(pk *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(pk.PublicKey).Hex()
}
