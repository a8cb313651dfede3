// Copyright 2024 The go-equa Authors
// ti-oracle - decentralized price-oracle node entry point

package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tokeninsight/ti-oracle/internal/aggregator"
	"github.com/tokeninsight/ti-oracle/internal/bucket"
	"github.com/tokeninsight/ti-oracle/internal/chainstub"
	"github.com/tokeninsight/ti-oracle/internal/config"
	"github.com/tokeninsight/ti-oracle/internal/gossip"
	"github.com/tokeninsight/ti-oracle/internal/observability"
	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
	"github.com/tokeninsight/ti-oracle/internal/peertracker"
	"github.com/tokeninsight/ti-oracle/internal/roundengine"
	"github.com/tokeninsight/ti-oracle/internal/signer"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {})); err != nil {
		log.Warn("main: automaxprocs set failed", "error", err)
	}

	app := &cli.App{
		Name:  "ti-oracle",
		Usage: "a decentralized cross-exchange price-oracle cohort node",
		Commands: []*cli.Command{
			runCommand,
			keygenCommand,
			signCommand,
			statusCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run the oracle node's round engine, gossip processor, and observability surface",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the YAML config file"},
		&cli.StringSliceFlag{Name: "peers", Aliases: []string{"p"}, Usage: "comma-separated extra peer addresses, merged into config.peers"},
		&cli.BoolFlag{Name: "dry-run", Usage: "run the round engine without ever submitting feed_price on-chain"},
		&cli.BoolFlag{Name: "console", Usage: "enable the operator stdin diagnostic channel"},
	},
	Action: runAction,
}

func runAction(cctx *cli.Context) error {
	cfgPath := cctx.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Crit("main: load config", "error", err)
	}
	cfg.MergePeers(cctx.StringSlice("peers"))
	setupLogging(cfg.LogLevel, cfg.LogFile)

	// A single node process must never run twice against the same
	// config (double submission risk); a flock on the config file
	// itself is a process-level single-instance guard with no extra
	// config surface.
	lock := flock.New(cfgPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		log.Crit("main: another ti-oracle instance already holds the config lock", "config", cfgPath)
	}
	defer lock.Unlock()

	runID := uuid.New().String()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	config.WatchForChanges(ctx, cfgPath)

	pkHex, err := cfg.ResolvePrivateKey()
	if err != nil {
		log.Crit("main: resolve private key", "error", err)
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(pkHex, "0x"))
	if err != nil {
		log.Crit("main: parse private key", "error", err)
	}
	selfAddress := signer.PubkeyToAddress(pk)
	color.Cyan("ti-oracle %s starting as %s", runID, selfAddress)
	log.Info("main: starting ti-oracle node", "run_id", runID, "address", selfAddress, "coin", cfg.CoinName)

	chain, err := chainstub.Dial(ctx, cfg.EthRPCURL, common.HexToAddress(cfg.ContractAddress), pk)
	if err != nil {
		log.Crit("main: dial chain", "error", err)
	}

	agg := aggregator.New(defaultExchanges(), cfg.Mappings, cfg.FeedInterval())

	verifier := signerVerifier{}
	bkt := bucket.New(selfAddress, verifier)
	tracker := peertracker.New()

	topic := gossip.NewWebSocketTopic(cfg.CoinName, cfg.ListenAddress, cfg.Peers)
	if err := topic.Start(ctx); err != nil {
		log.Crit("main: start overlay transport", "error", err)
	}
	defer topic.Close()

	signFn := func(coin string, price *big.Int, tsSec oracletypes.HashSeconds) (string, string, error) {
		return signer.Sign(pk, coin, price, tsSec)
	}
	processor := gossip.New(cfg.CoinName, selfAddress, topic, bkt, tracker, signFn, cctx.Bool("console"))

	engineCfg := roundengine.Config{
		Coin:          cfg.CoinName,
		FeedInterval:  cfg.FeedInterval(),
		FeePerGasGwei: cfg.FeePerGasGwei,
		DryRun:        cctx.Bool("dry-run"),
	}
	eng := roundengine.New(engineCfg, agg, chain, bkt, tracker, processor.Commands(), pk)

	obs := observability.New(cfg.WebAddress, runID, eng, tracker)

	go processor.Run(ctx)
	go eng.Run(ctx)
	go chain.Watch(ctx, obs.RecordEvent)

	logStatsPeriodically(ctx, eng)

	return obs.Run(ctx)
}

// logStatsPeriodically mirrors the teacher's 30s stats-ticker logging
// loop (cmd/equa-beacon-engine/main.go) adapted to the round engine's
// own Stats shape.
func logStatsPeriodically(ctx context.Context, eng *roundengine.Engine) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := eng.GetStats()
				log.Info("main: round engine stats",
					"committed", st.RoundsCommitted,
					"skipped", st.RoundsSkipped,
					"lastFeedCount", st.LastFeedCount,
					"lastTxHash", st.LastTxHash,
					"lastError", st.LastError)
				logResourceUsage()
			}
		}
	}()
}

// logResourceUsage samples process CPU and system memory so operators
// watching the node's log stream can see resource pressure without a
// separate monitoring agent.
func logResourceUsage() {
	cpuPct, err := cpu.Percent(0, false)
	if err != nil || len(cpuPct) == 0 {
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	log.Info("main: resource usage", "cpu_percent", cpuPct[0], "mem_used_percent", vm.UsedPercent)
}

func defaultExchanges() []aggregator.Exchange {
	return []aggregator.Exchange{
		aggregator.NewBinanceExchange(),
		aggregator.NewCoinbaseExchange(),
	}
}

// signerVerifier adapts the signer package to bucket.SignatureVerifier
// (§13's insert-time verification resolution).
type signerVerifier struct{}

func (signerVerifier) Verify(resp oracletypes.ValidateResponse) bool {
	price, ok := new(big.Int).SetString(resp.Price, 10)
	if !ok {
		return false
	}
	return signer.Verify(resp.Sig, resp.Coin, price, resp.Timestamp, resp.Address)
}

// setupLogging builds the terminal handler the same way the teacher's
// cmd/geth would: color only when stderr is actually a terminal
// (mattn/go-isatty), written through mattn/go-colorable on platforms
// where raw ANSI codes don't work (notably Windows consoles). When
// logFile is set, output is additionally rotated through lumberjack
// (a direct teacher dependency) rather than only going to the
// terminal.
func setupLogging(level, logFile string) {
	lvl := log.LvlInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = log.LvlDebug
	case "warn":
		lvl = log.LvlWarn
	case "error":
		lvl = log.LvlError
	}

	usecolor := isatty.IsTerminal(os.Stderr.Fd())
	var out io.Writer = os.Stderr
	if usecolor {
		out = colorable.NewColorable(os.Stderr)
	}
	if logFile != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
		})
	}

	glogger := log.NewGlogHandler(log.NewTerminalHandler(out, usecolor))
	glogger.Verbosity(lvl)
	log.SetDefault(log.NewLogger(glogger))
}

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "generate a fresh secp256k1 signing keypair (§10.5)",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "keystore", Usage: "directory to write an encrypted V3 keystore file into, instead of printing the raw key"},
		&cli.StringFlag{Name: "password", Usage: "keystore encryption password (required with --keystore)"},
	},
	Action: func(cctx *cli.Context) error {
		pk, err := crypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("keygen: generate key: %w", err)
		}
		addr := signer.PubkeyToAddress(pk)

		if dir := cctx.String("keystore"); dir != "" {
			ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
			account, err := ks.ImportECDSA(pk, cctx.String("password"))
			if err != nil {
				return fmt.Errorf("keygen: write keystore: %w", err)
			}
			fmt.Printf("address: %s\nkeystore: %s\n", account.Address.Hex(), account.URL.Path)
			return nil
		}

		fmt.Printf("private_key: 0x%x\naddress: %s\n", crypto.FromECDSA(pk), addr)
		return nil
	},
}

// statusCommand is a one-shot operator diagnostic: dial the chain and
// print this node's current turn/feed_count standing in a table,
// without starting the round engine or gossip processor.
var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print this node's on-chain turn and feed_count status",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the YAML config file"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.Load(cctx.String("config"))
		if err != nil {
			return fmt.Errorf("status: load config: %w", err)
		}

		pkHex, err := cfg.ResolvePrivateKey()
		if err != nil {
			return fmt.Errorf("status: resolve private key: %w", err)
		}
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(pkHex, "0x"))
		if err != nil {
			return fmt.Errorf("status: parse private key: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), chainstub.Timeout*3)
		defer cancel()

		chain, err := chainstub.Dial(ctx, cfg.EthRPCURL, common.HexToAddress(cfg.ContractAddress), pk)
		if err != nil {
			return fmt.Errorf("status: dial chain: %w", err)
		}

		myTurn, turnErr := chain.IsMyTurn(ctx)
		fc, fcErr := chain.FeedCount(ctx)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"field", "value"})
		table.Append([]string{"address", signer.PubkeyToAddress(pk)})
		table.Append([]string{"coin", cfg.CoinName})
		table.Append([]string{"contract", cfg.ContractAddress})
		table.Append([]string{"is_my_turn", fmt.Sprintf("%v", myTurn)})
		table.Append([]string{"feed_count", fmt.Sprintf("%d", fc)})
		if turnErr != nil {
			table.Append([]string{"is_my_turn error", turnErr.Error()})
		}
		if fcErr != nil {
			table.Append([]string{"feed_count error", fcErr.Error()})
		}
		table.Render()
		return nil
	},
}

// signCommand restores the original Rust implementation's
// node/src/bin/sign.rs: sign an arbitrary (coin, price, timestamp)
// triple for manual cohort co-signing tests (§12).
var signCommand = &cli.Command{
	Name:      "sign",
	Usage:     "sign a (coin, price, timestamp) triple with a private key and print signature + address",
	ArgsUsage: "<coin> <price> <timestamp-seconds>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "private-key", Aliases: []string{"k"}, Required: true, Usage: "0x-hex private key"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 3 {
			return fmt.Errorf("sign: expected <coin> <price> <timestamp-seconds>")
		}
		coin := cctx.Args().Get(0)
		price, ok := new(big.Int).SetString(cctx.Args().Get(1), 10)
		if !ok {
			return fmt.Errorf("sign: invalid price %q", cctx.Args().Get(1))
		}
		tsRaw, ok := new(big.Int).SetString(cctx.Args().Get(2), 10)
		if !ok {
			return fmt.Errorf("sign: invalid timestamp %q", cctx.Args().Get(2))
		}

		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cctx.String("private-key"), "0x"))
		if err != nil {
			return fmt.Errorf("sign: parse private key: %w", err)
		}

		sig, addr, err := signer.Sign(pk, coin, price, oracletypes.HashSeconds(tsRaw.Int64()))
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		fmt.Printf("%s, %s\n", addr, sig)
		return nil
	},
}
