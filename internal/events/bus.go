// Package events relays progress messages from long-running archive jobs and
// registry notifications to subscribers, one ordered stream per channel.
package events

import (
	"sync"

	"github.com/juju/pubsub/v2"

	"github.com/kebairia/repliktor/internal/logger"
)

// Channel identifiers. They are stable strings, one per job direction plus
// the orchestrator's own notification streams.
const (
	CompressProgress = "compress://progress"
	RestoreProgress  = "restore://progress"
	RegistryChanged  = "registry://changed"
	IncrementResult  = "backup://increment"
)

// Message is the payload emitted on a channel.
type Message struct {
	Message string `json:"message"`
}

// Progress is what a Handler receives for each forwarded message.
type Progress struct {
	Channel string
	Message Message
	// Processed and Total describe the current run; both are zero on
	// channels with no run in progress.
	Processed  int
	Total      int
	Percentage int
}

// Handler consumes forwarded progress. Calls for one channel never overlap
// and arrive in emission order.
type Handler func(Progress)

// Rounder turns a processed/total pair into a percentage in [0,100].
type Rounder func(processed, total int) int

// Publisher is the emitting side of the bus, implemented by *Bus.
type Publisher interface {
	JobStarted(channel string, total int)
	Publish(channel string, msg Message)
}

type channelState struct {
	total     int
	processed int
	lastPct   int
	sub       *Subscription
}

// Bus fans messages out to at most one live subscription per channel.
// Run bookkeeping and percentage gating happen here; delivery goes through a
// pubsub hub, which calls each subscriber on its own goroutine in publish
// order.
type Bus struct {
	round Rounder
	log   logger.Logger
	hub   *pubsub.SimpleHub

	mu       sync.Mutex
	channels map[string]*channelState
}

var _ Publisher = (*Bus)(nil)

// New returns a Bus computing percentages with round.
func New(round Rounder, log logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{
		round:    round,
		log:      log,
		hub:      pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
		channels: make(map[string]*channelState),
	}
}

func (b *Bus) state(channel string) *channelState {
	st, ok := b.channels[channel]
	if !ok {
		st = &channelState{lastPct: -1}
		b.channels[channel] = st
	}
	return st
}

// Subscribe registers handler for channel. If the channel already has a live
// subscription, nothing is registered and the existing handle is returned.
// That handle is shared: closing it through any caller ends delivery for all
// of them.
func (b *Bus) Subscribe(channel string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(channel)
	if st.sub != nil {
		b.log.Debug("already subscribed", "channel", channel)
		return st.sub
	}
	sub := &Subscription{
		bus:     b,
		channel: channel,
		handler: handler,
	}
	sub.unsubscribe = b.hub.Subscribe(channel, sub.deliver)
	st.sub = sub
	return sub
}

// Subscribed reports whether channel has a live subscription.
func (b *Bus) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.channels[channel]
	return ok && st.sub != nil
}

// JobStarted begins a new run of total items on channel, resetting its
// processed count. A channel tracks one run at a time: a second JobStarted
// while a run is still publishing restarts the count for both.
func (b *Bus) JobStarted(channel string, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(channel)
	st.total = total
	st.processed = 0
	st.lastPct = -1
	b.log.Debug("job started", "channel", channel, "total", total)
}

// Publish records one processed item on channel and forwards the message if
// the rounded percentage moved. Channels without a run forward every message.
func (b *Bus) Publish(channel string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(channel)
	p := Progress{Channel: channel, Message: msg}
	if st.total > 0 {
		st.processed++
		pct := b.round(st.processed, st.total)
		if pct == st.lastPct {
			return
		}
		st.lastPct = pct
		p.Processed = st.processed
		p.Total = st.total
		p.Percentage = pct
	}
	if st.sub == nil {
		return
	}
	st.sub.pending.Add(1)
	b.hub.Publish(channel, envelope{to: st.sub, progress: p})
}

// detach stops new messages from being routed to sub.
func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.channels[sub.channel]; ok && st.sub == sub {
		st.sub = nil
	}
}

// envelope addresses a hub message to one subscription, so a handle closed
// and replaced on the same channel never sees its successor's traffic.
type envelope struct {
	to       *Subscription
	progress Progress
}

// Subscription is a revocable delivery path for one channel.
type Subscription struct {
	bus         *Bus
	channel     string
	handler     Handler
	unsubscribe func()

	// pending counts messages handed to the hub and not yet delivered.
	pending sync.WaitGroup
	once    sync.Once
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) deliver(_ string, data interface{}) {
	env, ok := data.(envelope)
	if !ok || env.to != s {
		return
	}
	defer s.pending.Done()
	s.handler(env.progress)
}

// Close revokes the subscription. Messages already published are delivered
// before Close returns; it must not be called from the handler itself.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.detach(s)
		s.pending.Wait()
		s.unsubscribe()
	})
}
