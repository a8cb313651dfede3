// Copyright 2024 The go-equa Authors
// ti-oracle - WebSocket overlay transport

package gossip

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dchest/siphash"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/pion/stun/v2"
)

// Topic is the overlay transport contract described in §6: a
// best-effort, ordered-per-topic broadcast channel with content-hash
// dedup, keyed by name (the coin being fed).
type Topic interface {
	Publish(data []byte) error
	Subscribe() <-chan []byte
	// Redial proactively dials every configured peer once, the
	// reconnection hint §4.5 calls for on publish failure.
	Redial()
	Close() error
}

const dedupRingSize = 512

// wsTopic is a small WebSocket peer-mesh implementation of Topic: the
// node dials every configured peer as a client and also runs its own
// listener so peers can dial in. Inbound frames are deduplicated by a
// siphash of their content within a fixed-size ring before being
// handed to subscribers — cheap, non-cryptographic, and deliberately
// distinct from the keccak256 hash used on the crypto-critical signing
// path.
type wsTopic struct {
	name         string
	listenAddr   string
	peerAddrs    []string
	dedupKey0    uint64
	dedupKey1    uint64

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	ring    [dedupRingSize]uint64
	ringPos int

	out chan []byte
}

// NewWebSocketTopic builds a Topic named name, listening on listenAddr
// and dialing every address in peers.
func NewWebSocketTopic(name, listenAddr string, peers []string) *wsTopic {
	var keyBuf [16]byte
	_, _ = rand.Read(keyBuf[:])

	t := &wsTopic{
		name:       name,
		listenAddr: listenAddr,
		peerAddrs:  peers,
		dedupKey0:  siphash.Hash(0, 0, keyBuf[:8]),
		dedupKey1:  siphash.Hash(0, 0, keyBuf[8:]),
		conns:      make(map[string]*websocket.Conn),
		out:        make(chan []byte, 256),
	}
	return t
}

// Start begins listening for inbound peer connections and dials every
// configured peer. A best-effort NAT traversal pass (UPnP, then
// NAT-PMP) attempts to map listenAddr's port on the local gateway so
// peers outside that gateway can reach it; failure here is never fatal
// — it is purely connectivity ergonomics for home/cloud-NAT operators.
func (t *wsTopic) Start(ctx context.Context) error {
	go t.attemptPortMapping(ctx)
	go t.discoverPublicAddress(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleInbound)
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("gossip: listen %s: %w", t.listenAddr, err)
	}
	go func() {
		_ = http.Serve(ln, mux)
	}()

	t.Redial()
	return nil
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (t *wsTopic) handleInbound(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("gossip: upgrade failed", "error", err)
		return
	}
	t.serve(conn, r.RemoteAddr)
}

func (t *wsTopic) serve(conn *websocket.Conn, peer string) {
	t.mu.Lock()
	t.conns[peer] = conn
	t.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			delete(t.conns, peer)
			t.mu.Unlock()
			return
		}
		if t.isDuplicate(data) {
			continue
		}
		select {
		case t.out <- data:
		default:
			log.Warn("gossip: subscriber channel full, dropping message")
		}
	}
}

func (t *wsTopic) isDuplicate(data []byte) bool {
	h := siphash.Hash(t.dedupKey0, t.dedupKey1, data)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seen := range t.ring {
		if seen == h {
			return true
		}
	}
	t.ring[t.ringPos] = h
	t.ringPos = (t.ringPos + 1) % dedupRingSize
	return false
}

// Publish best-effort broadcasts data to every connected peer. On any
// write failure it triggers Redial, per §4.5.
func (t *wsTopic) Publish(data []byte) error {
	t.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		t.Redial()
		return fmt.Errorf("gossip: publish: %w", firstErr)
	}
	return nil
}

func (t *wsTopic) Subscribe() <-chan []byte { return t.out }

// Redial proactively dials every configured peer once.
func (t *wsTopic) Redial() {
	for _, addr := range t.peerAddrs {
		addr := addr
		go func() {
			url := "ws://" + addr + "/"
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				log.Warn("gossip: redial failed", "peer", addr, "error", err)
				return
			}
			t.serve(conn, addr)
		}()
	}
}

func (t *wsTopic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		_ = c.Close()
	}
	return nil
}

// attemptPortMapping tries UPnP first, falling back to NAT-PMP, to map
// the overlay's listen port on the local gateway. Purely best-effort.
func (t *wsTopic) attemptPortMapping(ctx context.Context) {
	_, portStr, err := net.SplitHostPort(t.listenAddr)
	if err != nil {
		return
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	if port == 0 {
		return
	}

	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err == nil && len(clients) > 0 {
		err = clients[0].AddPortMapping("", uint16(port), "TCP", uint16(port), "", true, "ti-oracle", 3600)
		if err == nil {
			log.Info("gossip: mapped overlay port via UPnP", "port", port)
			return
		}
	}

	gw := net.ParseIP(defaultGateway())
	if gw == nil {
		return
	}
	nat := natpmp.NewClient(gw)
	if _, err := nat.AddPortMapping("tcp", port, port, 3600); err == nil {
		log.Info("gossip: mapped overlay port via NAT-PMP", "port", port)
	}
}

func defaultGateway() string {
	// Best-effort only: no gateway discovery is done; this is a fixed,
	// common home-router address. Where no NAT-PMP gateway answers there
	// (containers, CI), the mapping attempt fails and is ignored.
	return "192.168.1.1"
}

// discoverPublicAddress performs a single STUN binding request against
// a public STUN server to learn this node's externally-visible
// address, logged for operators diagnosing why peers can't dial in.
func (t *wsTopic) discoverPublicAddress(ctx context.Context) {
	c, err := stun.Dial("udp", "stun.l.google.com:19302")
	if err != nil {
		return
	}
	defer c.Close()

	deadline, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	done := make(chan struct{})
	err = c.Start(msg, func(res stun.Event) {
		defer close(done)
		if res.Error != nil {
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err == nil {
			log.Info("gossip: discovered public address", "addr", xorAddr.String())
		}
	})
	if err != nil {
		return
	}
	select {
	case <-done:
	case <-deadline.Done():
	}
}
