package hub

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-collab/access"
	"github.com/ssau-fiit/cloudocs-collab/codec"
	"github.com/ssau-fiit/cloudocs-collab/crdt"
	"github.com/ssau-fiit/cloudocs-collab/database"
)

type inbound struct {
	from *client
	data []byte
}

// room relays one document between its clients. A single goroutine owns
// the room's replica and its client set.
type room struct {
	id     string
	hub    *Hub
	refs   int
	logger zerolog.Logger

	doc       *crdt.Document
	clients   map[*client]struct{}
	presences map[string]codec.PresenceMessage

	register   chan *client
	unregister chan *client
	inbound    chan inbound
	remote     chan database.Message
	revoke     chan string
	stop       chan struct{}
}

func newRoom(h *Hub, id string) *room {
	return &room{
		id:         id,
		hub:        h,
		logger:     log.With().Str("room", id).Logger(),
		doc:        crdt.New(id, h.docOpts...),
		clients:    make(map[*client]struct{}),
		presences:  make(map[string]codec.PresenceMessage),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inbound),
		remote:     make(chan database.Message, 256),
		revoke:     make(chan string, 8),
		stop:       make(chan struct{}),
	}
}

func (r *room) run() {
	r.logger.Debug().Msg("room opened")
	r.requestPeers()
	for {
		select {
		case c := <-r.register:
			r.join(c)
		case c := <-r.unregister:
			r.leave(c)
		case in := <-r.inbound:
			r.handle(in.from, in.data)
		case msg := <-r.remote:
			r.handleRemote(msg)
		case user := <-r.revoke:
			r.revokeUser(user)
		case <-r.stop:
			r.logger.Debug().Msg("room closed")
			return
		}
	}
}

func frame(t codec.MessageType, payload []byte) []byte {
	return codec.Frame{Type: t, Payload: payload}.Encode()
}

func (r *room) join(c *client) {
	r.clients[c] = struct{}{}
	c.enqueue(frame(codec.MsgAuth, codec.AuthMessage{
		Permission:   string(c.perm),
		ConnectionID: c.id,
		UserID:       c.user,
	}.Encode()))
	for _, p := range r.presences {
		c.enqueue(frame(codec.MsgPresence, p.Encode()))
	}
	c.logger.Info().Int("clients", len(r.clients)).Msg("client joined")
}

func (r *room) leave(c *client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	close(c.send)

	if last, ok := r.presences[c.id]; ok {
		delete(r.presences, c.id)
		gone := codec.PresenceMessage{ConnectionID: c.id, Clock: last.Clock + 1}
		b := frame(codec.MsgPresence, gone.Encode())
		r.broadcast(b, nil)
		r.hub.publish(database.Message{Room: r.id, Kind: database.KindFrame, Sender: c.id, Frame: b})
	}
	c.logger.Info().Int("clients", len(r.clients)).Msg("client left")
}

func (r *room) broadcast(b []byte, except *client) {
	for c := range r.clients {
		if c != except {
			c.enqueue(b)
		}
	}
}

func (r *room) handle(c *client, data []byte) {
	f, err := codec.ParseFrame(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping unreadable frame")
		return
	}

	switch f.Type {
	case codec.MsgSyncStep1:
		sv, err := codec.DecodeStateVector(f.Payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed state vector")
			return
		}
		c.enqueue(frame(codec.MsgSyncStep2, codec.EncodeStateAsDelta(r.doc, sv)))
		c.enqueue(frame(codec.MsgSyncStep1, codec.EncodeStateVector(r.doc.StateVector())))

	case codec.MsgSyncStep2, codec.MsgUpdate:
		if !c.perm.CanWrite() {
			// Read-only clients still answer the state-vector exchange.
			if f.Type == codec.MsgUpdate {
				c.logger.Warn().Msg("dropping update from read-only connection")
			}
			return
		}
		if update := r.integrate(f.Payload, c.logger); update != nil {
			r.broadcast(update, c)
			r.hub.publish(database.Message{Room: r.id, Kind: database.KindFrame, Sender: c.id, Frame: update})
		}

	case codec.MsgPresence:
		m, err := codec.DecodePresence(f.Payload)
		if err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed presence")
			return
		}
		m.ConnectionID = c.id
		if m.Removed() {
			delete(r.presences, c.id)
		} else {
			r.presences[c.id] = m
		}
		b := frame(codec.MsgPresence, m.Encode())
		r.broadcast(b, c)
		r.hub.publish(database.Message{Room: r.id, Kind: database.KindFrame, Sender: c.id, Frame: b})

	case codec.MsgPresenceQuery:
		for id, p := range r.presences {
			if id != c.id {
				c.enqueue(frame(codec.MsgPresence, p.Encode()))
			}
		}
	}
}

// integrate applies a delta to the room replica and returns an update frame
// holding only the operations that were new to it.
func (r *room) integrate(payload []byte, logger zerolog.Logger) []byte {
	delta, err := codec.DecodeDelta(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed delta")
		return nil
	}
	before := r.doc.StateVector()
	if err := r.doc.ApplyDelta(delta); err != nil {
		logger.Warn().Err(err).Msg("delta contained rejected operations")
	}
	fresh := r.doc.DeltaSince(before)
	if fresh.Empty() {
		return nil
	}
	return frame(codec.MsgUpdate, codec.EncodeDelta(fresh))
}

func (r *room) handleRemote(msg database.Message) {
	switch msg.Kind {
	case database.KindRevoke:
		r.revokeUser(msg.User)
	case database.KindFrame:
		f, err := codec.ParseFrame(msg.Frame)
		if err != nil {
			r.logger.Warn().Err(err).Str("origin", msg.Origin).Msg("dropping unreadable relayed frame")
			return
		}
		switch f.Type {
		case codec.MsgSyncStep1:
			r.answerPeer(f.Payload, msg.Origin)
		case codec.MsgUpdate:
			if update := r.integrate(f.Payload, r.logger); update != nil {
				r.broadcast(update, nil)
			}
			if r.doc.Pending() > 0 {
				r.requestPeers()
			}
		case codec.MsgPresence:
			m, err := codec.DecodePresence(f.Payload)
			if err != nil {
				return
			}
			if last, ok := r.presences[m.ConnectionID]; ok && m.Clock < last.Clock {
				return
			}
			if m.Removed() {
				delete(r.presences, m.ConnectionID)
			} else {
				r.presences[m.ConnectionID] = m
			}
			r.broadcast(msg.Frame, nil)
		}
	}
}

// requestPeers asks the replicas of this room on other instances for the
// operations this one lacks.
func (r *room) requestPeers() {
	r.hub.publish(database.Message{
		Room:  r.id,
		Kind:  database.KindFrame,
		Frame: frame(codec.MsgSyncStep1, codec.EncodeStateVector(r.doc.StateVector())),
	})
}

// answerPeer sends another instance what its state vector is missing, and
// asks back when it holds operations this replica has not seen.
func (r *room) answerPeer(payload []byte, origin string) {
	sv, err := codec.DecodeStateVector(payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("origin", origin).Msg("dropping malformed relayed state vector")
		return
	}
	if delta := r.doc.DeltaSince(sv); !delta.Empty() {
		r.hub.publish(database.Message{
			Room:  r.id,
			Kind:  database.KindFrame,
			Frame: frame(codec.MsgUpdate, codec.EncodeDelta(delta)),
		})
	}
	if !r.doc.StateVector().Dominates(sv) {
		r.requestPeers()
	}
}

func (r *room) revokeUser(user string) {
	for c := range r.clients {
		if c.user == user {
			c.logger.Warn().Msg("authorization revoked, closing")
			go c.closeWith(access.CloseRevoked, "authorization revoked")
		}
	}
}
