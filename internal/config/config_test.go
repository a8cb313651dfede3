// Copyright 2024 The go-equa Authors
// ti-oracle - config loader tests

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
listen_address: "0.0.0.0:4001"
web_address: "127.0.0.1:8080"
log_level: "info"
eth_rpc_url: "http://localhost:8545"
contract_address: "0xabc0000000000000000000000000000000000a"
private_key: "$ORACLE_PK"
coin_name: "eth"
peers:
  - "10.0.0.2:4001"
feed_interval: 30
fee_per_gas: 2.5
mappings:
  binance:
    - "BTCUSDT"
  coinbase:
    - "BTC-USD"
`

func TestLoad_ParsesAllFields(t *testing.T) {
	t.Setenv("ORACLE_PK", "0xdeadbeef")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:4001", c.ListenAddress)
	require.Equal(t, "127.0.0.1:8080", c.WebAddress)
	require.Equal(t, "info", c.LogLevel)
	require.Equal(t, "http://localhost:8545", c.EthRPCURL)
	require.Equal(t, "0xabc0000000000000000000000000000000000a", c.ContractAddress)
	require.Equal(t, "eth", c.CoinName)
	require.Equal(t, []string{"10.0.0.2:4001"}, c.Peers)
	require.Equal(t, int64(30), c.FeedIntervalSec)
	require.Equal(t, 2.5, c.FeePerGasGwei)
	require.Equal(t, map[string][]string{"binance": {"BTCUSDT"}, "coinbase": {"BTC-USD"}}, c.Mappings)

	pk, err := c.ResolvePrivateKey()
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", pk)
}

func TestLoad_MissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coin_name: eth\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestMergePeers_DedupesAndAppends(t *testing.T) {
	c := Config{Peers: []string{"a:1"}}
	c.MergePeers([]string{"a:1", "b:2", ""})
	require.Equal(t, []string{"a:1", "b:2"}, c.Peers)
}
