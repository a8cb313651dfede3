// Copyright 2024 The go-equa Authors
// ti-oracle - chain event SSE stream

package observability

import (
	"encoding/json"
	"strconv"

	"github.com/donovanhide/eventsource"

	"github.com/tokeninsight/ti-oracle/internal/chainstub"
)

// chainEventSSE adapts a chainstub.ChainEvent to eventsource.Event so
// dashboards can subscribe to /events/stream instead of polling
// /events.
type chainEventSSE struct {
	ev chainstub.ChainEvent
}

func (c chainEventSSE) Id() string    { return strconv.FormatUint(c.ev.FeedCount, 10) }
func (c chainEventSSE) Event() string { return "price_feed" }
func (c chainEventSSE) Data() string {
	b, _ := json.Marshal(c.ev)
	return string(b)
}

// emptyRepository never replays past events by Last-Event-ID; new
// subscribers only see events published after they connect.
type emptyRepository struct{}

func (emptyRepository) Replay(channel, id string) chan eventsource.Event {
	ch := make(chan eventsource.Event)
	close(ch)
	return ch
}

const streamChannel = "chain-events"

func newSSEServer() *eventsource.Server {
	srv := eventsource.NewServer()
	srv.Register(streamChannel, emptyRepository{})
	return srv
}
