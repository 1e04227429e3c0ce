package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-collab/codec"
)

// DefaultTimeout is how long a remote record survives without a refresh.
const DefaultTimeout = 9 * time.Second

// Record is the typed view of a peer's presence fields.
type Record struct {
	DisplayName string `mapstructure:"name"`
	Color       string `mapstructure:"color"`
	Avatar      string `mapstructure:"avatar"`
	IsOwner     bool   `mapstructure:"isOwner"`
	UserID      string `mapstructure:"id"`
	Cursor      *int   `mapstructure:"cursor"`
}

// Decode converts free-form presence fields into a Record. Unknown fields
// are ignored.
func Decode(fields map[string]any) (Record, error) {
	var rec Record
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &rec,
	})
	if err != nil {
		return Record{}, err
	}
	if err := dec.Decode(fields); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Change lists the connection ids affected by one presence update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Sender publishes the local record on the shared connection.
type Sender func(codec.PresenceMessage) error

type peer struct {
	fields map[string]any
	clock  uint64
	seen   time.Time
}

type listener struct {
	id int
	fn func(Change)
}

// Channel tracks the local presence record and the records of every peer
// reachable over the session's connection. Records are never persisted.
type Channel struct {
	mu         sync.Mutex
	local      map[string]any
	clock      uint64
	self       string
	send       Sender
	peers      map[string]*peer
	timeout    time.Duration
	now        func() time.Time
	listeners  []listener
	nextListen int
}

// NewChannel returns a detached channel. A zero timeout selects
// DefaultTimeout.
func NewChannel(timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Channel{
		peers:   make(map[string]*peer),
		timeout: timeout,
		now:     time.Now,
	}
}

// SetLocalState replaces the local record and broadcasts it. A nil map
// withdraws the local record.
func (c *Channel) SetLocalState(fields map[string]any) error {
	c.mu.Lock()
	c.local = cloneFields(fields)
	c.clock++
	msg, send, err := c.localMessage()
	c.mu.Unlock()
	if err != nil || send == nil {
		return err
	}
	return send(msg)
}

// LocalState returns a copy of the local fields.
func (c *Channel) LocalState() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneFields(c.local)
}

// Self returns the connection id the server assigned to this peer, or ""
// while detached.
func (c *Channel) Self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// States returns the typed records of every remote peer keyed by
// connection id. Records that fail to decode are skipped.
func (c *Channel) States() map[string]Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Record, len(c.peers))
	for id, p := range c.peers {
		rec, err := Decode(p.fields)
		if err != nil {
			log.Debug().Err(err).Str("connection", id).Msg("undecodable presence record")
			continue
		}
		out[id] = rec
	}
	return out
}

// Fields returns a copy of one remote peer's raw fields.
func (c *Channel) Fields(connID string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[connID]
	if !ok {
		return nil, false
	}
	return cloneFields(p.fields), true
}

// OnChange registers fn for every add, update or removal of a remote
// record. The returned function removes the registration.
func (c *Channel) OnChange(fn func(Change)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListen
	c.nextListen++
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Attach binds the channel to a live connection and announces the local
// record on it.
func (c *Channel) Attach(self string, send Sender) error {
	c.mu.Lock()
	c.self = self
	c.send = send
	msg, send, err := c.localMessage()
	c.mu.Unlock()
	if err != nil || send == nil || msg.State == nil {
		return err
	}
	return send(msg)
}

// Detach unbinds the channel from its connection and drops every remote
// record, since none of them can be kept fresh any more.
func (c *Channel) Detach() {
	c.mu.Lock()
	c.send = nil
	c.self = ""
	var change Change
	for id := range c.peers {
		change.Removed = append(change.Removed, id)
	}
	c.peers = make(map[string]*peer)
	c.mu.Unlock()
	c.notify(change)
}

// Rebroadcast sends the local record again, as a heartbeat or in answer to
// a presence query.
func (c *Channel) Rebroadcast() error {
	c.mu.Lock()
	msg, send, err := c.localMessage()
	c.mu.Unlock()
	if err != nil || send == nil || msg.State == nil {
		return err
	}
	return send(msg)
}

// Apply integrates a record received from the network. The newest clock
// wins; equal clocks are resolved by arrival order.
func (c *Channel) Apply(msg codec.PresenceMessage) error {
	if msg.ConnectionID == "" {
		return nil
	}

	var fields map[string]any
	if !msg.Removed() {
		if err := json.Unmarshal(msg.State, &fields); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if msg.ConnectionID == c.self {
		c.mu.Unlock()
		return nil
	}
	var change Change
	existing, ok := c.peers[msg.ConnectionID]
	switch {
	case ok && msg.Clock < existing.clock:
	case msg.Removed() || fields == nil:
		if ok {
			delete(c.peers, msg.ConnectionID)
			change.Removed = []string{msg.ConnectionID}
		}
	case ok:
		existing.fields = fields
		existing.clock = msg.Clock
		existing.seen = c.now()
		change.Updated = []string{msg.ConnectionID}
	default:
		c.peers[msg.ConnectionID] = &peer{fields: fields, clock: msg.Clock, seen: c.now()}
		change.Added = []string{msg.ConnectionID}
	}
	c.mu.Unlock()
	c.notify(change)
	return nil
}

// Expire drops remote records that were not refreshed within the timeout.
func (c *Channel) Expire() {
	c.mu.Lock()
	cutoff := c.now().Add(-c.timeout)
	var change Change
	for id, p := range c.peers {
		if p.seen.Before(cutoff) {
			delete(c.peers, id)
			change.Removed = append(change.Removed, id)
		}
	}
	c.mu.Unlock()
	c.notify(change)
}

// localMessage must be called with c.mu held.
func (c *Channel) localMessage() (codec.PresenceMessage, Sender, error) {
	msg := codec.PresenceMessage{ConnectionID: c.self, Clock: c.clock}
	if c.local != nil {
		state, err := json.Marshal(c.local)
		if err != nil {
			return msg, nil, err
		}
		msg.State = state
	}
	return msg, c.send, nil
}

func (c *Channel) notify(change Change) {
	if change.Empty() {
		return
	}
	sort.Strings(change.Removed)
	c.mu.Lock()
	listeners := append([]listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l.fn(change)
	}
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
