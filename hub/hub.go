package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-collab/access"
	"github.com/ssau-fiit/cloudocs-collab/crdt"
	"github.com/ssau-fiit/cloudocs-collab/database"
	"github.com/ssau-fiit/cloudocs-collab/session"
)

// Directory resolves who is connecting and what they may do.
type Directory interface {
	UserForToken(ctx context.Context, token string) (string, error)
	Permission(ctx context.Context, room, user string) (access.Permission, error)
}

// Broker carries room traffic to other server instances.
type Broker interface {
	Publish(ctx context.Context, msg database.Message) error
	Subscribe(ctx context.Context) (<-chan database.Message, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const outboxSize = 1024

// Hub accepts collaboration sockets and runs one relay per active room.
type Hub struct {
	dir    Directory
	broker Broker

	docOpts []crdt.Option
	outbox  chan database.Message

	mu    sync.Mutex
	rooms map[string]*room
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxPending bounds the out-of-order operations each room buffers.
func WithMaxPending(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.docOpts = append(h.docOpts, crdt.WithMaxPending(n))
		}
	}
}

// New returns a hub. broker may be nil for a single-instance deployment.
func New(dir Directory, broker Broker, opts ...Option) *Hub {
	h := &Hub{
		dir:    dir,
		broker: broker,
		rooms:  make(map[string]*room),
		outbox: make(chan database.Message, outboxSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to the broker and relays messages from other instances
// until ctx is done. Traffic published after Start returns is not missed.
func (h *Hub) Start(ctx context.Context) error {
	if h.broker == nil {
		return nil
	}
	msgs, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			h.route(msg)
		}
	}()
	go h.drain(ctx)
	return nil
}

// drain publishes queued frames one at a time so other instances see each
// room's frames in the order they were produced here.
func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case msg := <-h.outbox:
			pctx, cancel := context.WithTimeout(ctx, time.Second*5)
			if err := h.broker.Publish(pctx, msg); err != nil {
				log.Error().Err(err).Str("room", msg.Room).Msg("failed to publish frame")
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// ServeWS authorizes and upgrades a collaboration socket. Connections that
// cannot be authorized are accepted and closed with access.CloseRevoked so
// the client can tell denial apart from a network failure.
func (h *Hub) ServeWS(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	roomID := q.Get(session.ParamRoom)
	token := q.Get(session.ParamAccessToken)
	asserted := q.Get(session.ParamPermission)

	ctx, cancel := context.WithTimeout(req.Context(), time.Second*5)
	defer cancel()

	logger := log.With().Str("room", roomID).Logger()
	perm, user, authErr := h.authorize(ctx, roomID, token)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Error().Err(err).Msg("error upgrading connection")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		user: user,
		perm: perm,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	c.logger = logger.With().Str("user", user).Str("connection", c.id).Logger()

	if authErr != nil {
		c.logger.Warn().Err(authErr).Msg("refusing connection")
		c.closeWith(access.CloseRevoked, "access denied")
		return
	}
	if asserted != string(perm) {
		// The client learns the real permission from the auth frame and
		// closes itself.
		c.logger.Warn().Str("asserted", asserted).Str("granted", string(perm)).Msg("client expects a different permission")
	}

	r := h.acquire(roomID)
	r.register <- c
	go c.writePump()
	c.readPump(r)
}

func (h *Hub) authorize(ctx context.Context, roomID, token string) (access.Permission, string, error) {
	user, err := h.dir.UserForToken(ctx, token)
	if err != nil {
		return "", "", err
	}
	perm, err := h.dir.Permission(ctx, roomID, user)
	if err != nil {
		return "", user, err
	}
	return perm, user, nil
}

// Revoke closes every socket of user in room, here and on other instances.
func (h *Hub) Revoke(ctx context.Context, roomID, user string) {
	h.route(database.Message{Room: roomID, Kind: database.KindRevoke, User: user})
	if h.broker != nil {
		if err := h.broker.Publish(ctx, database.Message{Room: roomID, Kind: database.KindRevoke, User: user}); err != nil {
			log.Error().Err(err).Str("room", roomID).Msg("failed to publish revocation")
		}
	}
}

// Rooms returns the number of rooms with connected clients.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) acquire(id string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = newRoom(h, id)
		h.rooms[id] = r
		go r.run()
	}
	r.refs++
	return r
}

func (h *Hub) release(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.refs--
	if r.refs == 0 {
		delete(h.rooms, r.id)
		close(r.stop)
	}
}

// route hands a message to the local room, if any.
func (h *Hub) route(msg database.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[msg.Room]
	if !ok {
		return
	}
	if msg.Kind == database.KindRevoke {
		select {
		case r.revoke <- msg.User:
		default:
			log.Warn().Str("room", msg.Room).Msg("revocation queue full")
		}
		return
	}
	select {
	case r.remote <- msg:
	default:
		log.Warn().Str("room", msg.Room).Msg("relay queue full, dropping message")
	}
}

func (h *Hub) publish(msg database.Message) {
	if h.broker == nil {
		return
	}
	select {
	case h.outbox <- msg:
	default:
		log.Warn().Str("room", msg.Room).Msg("publish queue full, dropping frame")
	}
}
