// Copyright 2024 The go-equa Authors
// ti-oracle - observability server tests

package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokeninsight/ti-oracle/internal/chainstub"
	"github.com/tokeninsight/ti-oracle/internal/peertracker"
	"github.com/tokeninsight/ti-oracle/internal/roundengine"
)

type fakeStats struct{ s roundengine.Stats }

func (f fakeStats) GetStats() roundengine.Stats { return f.s }

func TestServer_HealthzStatsPeersEvents(t *testing.T) {
	tracker := peertracker.New()
	tracker.Seen("0xPEER", time.Now())

	srv := New("127.0.0.1:0", "test-run", fakeStats{s: roundengine.Stats{RoundsCommitted: 3}}, tracker)
	srv.RecordEvent(chainstub.ChainEvent{FeedCount: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Use a fixed port in the loopback range; tests run sequentially
	// within this package so a collision is vanishingly unlikely.
	addr := "127.0.0.1:18099"
	srv.addr = addr
	go func() { _ = srv.Run(ctx) }()
	waitForServer(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(fmt.Sprintf("http://%s/stats", addr))
	require.NoError(t, err)
	var st roundengine.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.Equal(t, uint64(3), st.RoundsCommitted)

	resp, err = http.Get(fmt.Sprintf("http://%s/peers", addr))
	require.NoError(t, err)
	var peers []peertracker.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	resp.Body.Close()
	require.Len(t, peers, 1)

	resp, err = http.Get(fmt.Sprintf("http://%s/events", addr))
	require.NoError(t, err)
	var events []chainstub.ChainEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	resp.Body.Close()
	require.Len(t, events, 1)
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr)); err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("observability server did not start in time")
}
