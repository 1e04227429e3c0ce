package session

import (
	"context"
	stderrors "errors"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-collab/access"
	"github.com/ssau-fiit/cloudocs-collab/codec"
	"github.com/ssau-fiit/cloudocs-collab/crdt"
	"github.com/ssau-fiit/cloudocs-collab/errors"
	"github.com/ssau-fiit/cloudocs-collab/presence"
)

// State is the position of a session in its lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Handshaking
	Synced
	Reconnecting
	Closed
)

var stateNames = [...]string{"idle", "connecting", "handshaking", "synced", "reconnecting", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Status is the coarse connection status shown to users.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Status maps the state onto the user-facing connection status.
func (s State) Status() Status {
	switch s {
	case Connecting, Handshaking, Reconnecting:
		return StatusConnecting
	case Synced:
		return StatusConnected
	}
	return StatusDisconnected
}

const (
	DefaultMaxBackoff    = 5 * time.Second
	DefaultMaxRetries    = 10
	DefaultOutboundQueue = 256
	DefaultHeartbeat     = 3 * time.Second

	closeGrace = 250 * time.Millisecond
)

// Config holds everything a session needs to reach its room.
type Config struct {
	Endpoint   string
	Room       string
	Credential string
	Permission access.Permission

	MaxBackoff      time.Duration
	MaxRetries      int
	OutboundQueue   int
	Heartbeat       time.Duration
	PresenceTimeout time.Duration

	// IdleTimeout drops a connection that delivered nothing for this long.
	// Defaults to three heartbeats.
	IdleTimeout time.Duration

	// InitialContent is inserted by an owner session after its first sync
	// when the shared text is still empty.
	InitialContent string

	// Transport defaults to a WebsocketTransport.
	Transport Transport
}

func (c Config) withDefaults() Config {
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = 3 * c.Heartbeat
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * c.Heartbeat
	}
	if c.Transport == nil {
		c.Transport = &WebsocketTransport{}
	}
	return c
}

var (
	errOverflow = stderrors.New("outbound queue overflow")
	errIdle     = stderrors.New("connection idle")
)

type task struct {
	fn     func(*crdt.Document) error
	result chan error
}

// link is the outbound side of one live connection.
type link struct {
	out  chan []byte
	kick chan struct{}
}

// push queues a frame without blocking. A full queue asks the session to
// drop the connection and resynchronize from scratch.
func (l *link) push(f codec.Frame) error {
	select {
	case l.out <- f.Encode():
		return nil
	default:
		select {
		case l.kick <- struct{}{}:
		default:
		}
		return errOverflow
	}
}

// Session keeps one Document synchronized with a room over a persistent
// connection, reconnecting with backoff until it is closed.
type Session struct {
	cfg       Config
	doc       *crdt.Document
	gate      *access.Gate
	presence  *presence.Channel
	logger    zerolog.Logger
	tasks     chan task
	done      chan struct{}
	cancel    context.CancelFunc
	unobserve func()

	mu        sync.Mutex
	state     State
	synced    bool
	statusFns []func(Status)
	errorFns  []func(error)

	// Owned by the run loop.
	link     *link
	authed   bool
	stepped  bool
	seeded   bool
	progress bool
}

// New prepares a session for doc. A nil doc gets a fresh document for
// cfg.Room. The session installs its access gate as the document's write
// guard.
func New(cfg Config, doc *crdt.Document) *Session {
	cfg = cfg.withDefaults()
	if doc == nil {
		doc = crdt.New(cfg.Room)
	}
	s := &Session{
		cfg:      cfg,
		doc:      doc,
		gate:     access.NewGate(cfg.Room, cfg.Permission),
		presence: presence.NewChannel(cfg.PresenceTimeout),
		tasks:    make(chan task),
		done:     make(chan struct{}),
		logger: log.With().
			Str("room", cfg.Room).
			Str("permission", string(cfg.Permission)).
			Uint64("replica", uint64(doc.Replica())).
			Logger(),
	}
	doc.SetGuard(s.gate)
	s.gate.OnDenied(s.emitError)
	return s
}

// Room returns the room identifier.
func (s *Session) Room() string { return s.cfg.Room }

// Permission returns the permission the session was configured with.
func (s *Session) Permission() access.Permission { return s.cfg.Permission }

// Presence returns the presence channel sharing the session's connection.
func (s *Session) Presence() *presence.Channel { return s.presence }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasSynced reports whether the session completed a handshake at least
// once. Until then its text is not the room's text.
func (s *Session) HasSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the user-facing connection status.
func (s *Session) Status() Status {
	return s.State().Status()
}

// OnStatus registers fn for every status change.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFns = append(s.statusFns, fn)
}

// OnError registers fn for failures that end the session: access denial,
// permission mismatch and retry exhaustion. Each is reported once.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorFns = append(s.errorFns, fn)
}

// Connect starts the session. It returns immediately; progress is reported
// through OnStatus. Cancelling ctx has the same effect as Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	if !s.cfg.Permission.Valid() {
		return errors.NewInvalidRequest("unknown permission " + string(s.cfg.Permission))
	}
	if s.cfg.Room == "" {
		return errors.NewInvalidRequest("room is required")
	}

	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return errors.NewSessionClosed(s.cfg.Room)
	case Idle:
	default:
		s.mu.Unlock()
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.unobserve = s.doc.Observe(s.onDocEvent)
	s.state = Connecting
	fns := slices.Clone(s.statusFns)
	s.mu.Unlock()

	s.logger.Info().Str("endpoint", s.cfg.Endpoint).Msg("connecting")
	for _, fn := range fns {
		fn(StatusConnecting)
	}
	go s.run(ctx)
	return nil
}

// Disconnect closes the session for good. It returns once the connection is
// torn down and the document observer is removed.
func (s *Session) Disconnect() {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		<-s.done
		return
	case Idle:
		s.state = Closed
		close(s.done)
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.done
}

// Do runs fn on the session's task queue, serialized with every other
// access to the document. fn must not call back into the session.
func (s *Session) Do(ctx context.Context, fn func(*crdt.Document) error) error {
	s.mu.Lock()
	switch s.state {
	case Idle:
		defer s.mu.Unlock()
		return fn(s.doc)
	case Closed:
		s.mu.Unlock()
		return errors.NewSessionClosed(s.cfg.Room)
	}
	s.mu.Unlock()

	t := task{fn: fn, result: make(chan error, 1)}
	select {
	case s.tasks <- t:
	case <-s.done:
		return errors.NewSessionClosed(s.cfg.Room)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Insert inserts text at rune position pos.
func (s *Session) Insert(ctx context.Context, pos int, text string) error {
	return s.Do(ctx, func(d *crdt.Document) error { return d.Insert(pos, text) })
}

// Delete removes length runes starting at pos.
func (s *Session) Delete(ctx context.Context, pos, length int) error {
	return s.Do(ctx, func(d *crdt.Document) error { return d.Delete(pos, length) })
}

// Replace swaps the whole text in one batch.
func (s *Session) Replace(ctx context.Context, text string) error {
	return s.Do(ctx, func(d *crdt.Document) error { return d.Replace(text) })
}

// Text returns the current visible text. A closed session still reports the
// text it ended with.
func (s *Session) Text(ctx context.Context) (string, error) {
	var text string
	err := s.Do(ctx, func(d *crdt.Document) error {
		text = d.String()
		return nil
	})
	if errors.Is(err, errors.ErrSessionClosed) {
		<-s.done
		return s.doc.String(), nil
	}
	return text, err
}

/////////////////////////////
/// Run loop
/////////////////////////////

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	policy := newRetryPolicy(s.cfg.MaxBackoff, s.cfg.MaxRetries)

	attempts := 0
	for {
		s.setState(Connecting)
		err := s.attempt(ctx)
		if ctx.Err() != nil || s.gate.Denied() != nil {
			return
		}
		if s.progress {
			policy.Reset()
			attempts = 0
			s.progress = false
		}
		attempts++

		s.setState(Reconnecting)
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			s.emitError(errors.NewRetriesExhausted(s.cfg.Room, attempts))
			return
		}
		s.logger.Warn().Err(err).Dur("wait", wait).Int("attempt", attempts).Msg("connection lost, reconnecting")
		if !s.sleep(ctx, wait) {
			return
		}
	}
}

// cappedBackOff clamps jittered waits so no delay exceeds max.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (c cappedBackOff) NextBackOff() time.Duration {
	d := c.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return min(d, c.max)
}

// newRetryPolicy is an exponential backoff capped at maxWait that stops
// after retries consecutive failures.
func newRetryPolicy(maxWait time.Duration, retries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = min(exp.InitialInterval, maxWait)
	exp.MaxInterval = maxWait
	exp.MaxElapsedTime = 0
	return cappedBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(retries)), max: maxWait}
}

func (s *Session) teardown() {
	if s.unobserve != nil {
		s.unobserve()
	}
	s.presence.Detach()
	s.setState(Closed)
	s.logger.Info().Msg("session closed")
}

func (s *Session) runTask(t task) {
	t.result <- t.fn(s.doc)
}

// sleep waits for d while still serving tasks. It returns false when the
// session is being closed.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case t := <-s.tasks:
			s.runTask(t)
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Session) params() url.Values {
	return url.Values{
		ParamAccessToken: {s.cfg.Credential},
		ParamRoom:        {s.cfg.Room},
		ParamPermission:  {string(s.cfg.Permission)},
	}
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	type result struct {
		conn Conn
		err  error
	}
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := make(chan result, 1)
	go func() {
		conn, err := s.cfg.Transport.Dial(dctx, s.cfg.Endpoint, s.params())
		ch <- result{conn: conn, err: err}
	}()

	for {
		select {
		case r := <-ch:
			return r.conn, r.err
		case t := <-s.tasks:
			s.runTask(t)
		case <-ctx.Done():
			cancel()
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
			return nil, ctx.Err()
		}
	}
}

func (s *Session) attempt(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.serve(ctx, conn)
}

func (s *Session) serve(ctx context.Context, conn Conn) error {
	l := &link{
		out:  make(chan []byte, s.cfg.OutboundQueue),
		kick: make(chan struct{}, 1),
	}
	s.link = l
	s.authed, s.stepped = false, false
	defer func() {
		s.link = nil
		s.presence.Detach()
	}()

	quit := make(chan struct{})
	defer close(quit)

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			b, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- b:
			case <-quit:
				return
			}
		}
	}()

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case b := <-l.out:
				if err := conn.WriteMessage(b); err != nil {
					writeErr <- err
					return
				}
			case <-quit:
				return
			}
		}
	}()

	s.setState(Handshaking)
	_ = l.push(codec.Frame{Type: codec.MsgSyncStep1, Payload: codec.EncodeStateVector(s.doc.StateVector())})

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	lastInbound := time.Now()

	for {
		select {
		case b := <-inbound:
			lastInbound = time.Now()
			if err := s.handle(b); err != nil {
				return err
			}
		case err := <-readErr:
			return s.connectionLost(err)
		case err := <-writeErr:
			// A failed write usually means the server already closed; its
			// close frame decides whether this is a revocation.
			select {
			case rerr := <-readErr:
				return s.connectionLost(rerr)
			case <-time.After(closeGrace):
			}
			return err
		case <-l.kick:
			s.logger.Warn().Int("queue", s.cfg.OutboundQueue).Msg("outbound queue full, forcing a fresh handshake")
			return errOverflow
		case t := <-s.tasks:
			s.runTask(t)
		case <-heartbeat.C:
			idle := time.Since(lastInbound)
			if idle >= s.cfg.IdleTimeout {
				s.logger.Warn().Dur("idle", idle).Msg("no traffic from server, reconnecting")
				return errIdle
			}
			if idle >= s.cfg.Heartbeat {
				// The server answers every state vector, so a quiet link
				// still proves it is alive.
				_ = l.push(codec.Frame{Type: codec.MsgSyncStep1, Payload: codec.EncodeStateVector(s.doc.StateVector())})
			}
			if err := s.presence.Rebroadcast(); err != nil {
				s.logger.Debug().Err(err).Msg("presence heartbeat failed")
			}
			s.presence.Expire()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) connectionLost(err error) error {
	if CloseCode(err) == access.CloseRevoked {
		s.gate.Revoke()
	}
	return err
}

/////////////////////////////
/// Protocol
/////////////////////////////

func (s *Session) handle(b []byte) error {
	f, err := codec.ParseFrame(b)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping unreadable frame")
		return nil
	}
	s.logger.Debug().Stringer("type", f.Type).Int("bytes", len(f.Payload)).Msg("frame received")

	switch f.Type {
	case codec.MsgAuth:
		auth, err := codec.DecodeAuth(f.Payload)
		if err != nil {
			return err
		}
		if err := s.gate.Validate(auth.Permission); err != nil {
			return err
		}
		s.authed = true
		l := s.link
		err = s.presence.Attach(auth.ConnectionID, func(m codec.PresenceMessage) error {
			return l.push(codec.Frame{Type: codec.MsgPresence, Payload: m.Encode()})
		})
		if err != nil {
			s.logger.Debug().Err(err).Msg("could not announce presence")
		}
		s.maybeSynced()

	case codec.MsgSyncStep1:
		sv, err := codec.DecodeStateVector(f.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed state vector")
			return nil
		}
		_ = s.link.push(codec.Frame{Type: codec.MsgSyncStep2, Payload: codec.EncodeStateAsDelta(s.doc, sv)})

	case codec.MsgSyncStep2, codec.MsgUpdate:
		if !s.applyDelta(f.Payload) {
			return nil
		}
		if f.Type == codec.MsgSyncStep2 {
			s.stepped = true
			s.maybeSynced()
		}

	case codec.MsgPresence:
		m, err := codec.DecodePresence(f.Payload)
		if err == nil {
			err = s.presence.Apply(m)
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping presence update")
		}

	case codec.MsgPresenceQuery:
		_ = s.presence.Rebroadcast()
	}
	return nil
}

// applyDelta integrates a remote delta. Malformed payloads are discarded
// whole and a fresh state exchange is requested instead.
func (s *Session) applyDelta(payload []byte) bool {
	delta, err := codec.DecodeDelta(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed delta")
		s.requestResync()
		return false
	}
	if err := s.doc.ApplyDelta(delta); err != nil {
		s.logger.Warn().Err(err).Msg("delta contained rejected operations")
		s.requestResync()
	} else if n := s.doc.Pending(); n > 0 {
		s.logger.Debug().Int("pending", n).Msg("operations waiting for dependencies")
		s.requestResync()
	}
	return true
}

func (s *Session) requestResync() {
	if s.link == nil {
		return
	}
	_ = s.link.push(codec.Frame{Type: codec.MsgSyncStep1, Payload: codec.EncodeStateVector(s.doc.StateVector())})
}

func (s *Session) maybeSynced() {
	if !s.authed || !s.stepped || s.State() == Synced {
		return
	}
	s.progress = true
	s.mu.Lock()
	s.synced = true
	s.mu.Unlock()
	s.setState(Synced)

	if s.seeded {
		return
	}
	s.seeded = true
	if s.cfg.Permission == access.Owner && s.cfg.InitialContent != "" && s.doc.Len() == 0 {
		if err := s.doc.Insert(0, s.cfg.InitialContent); err != nil {
			s.logger.Error().Err(err).Msg("could not seed initial content")
		}
	}
}

func (s *Session) onDocEvent(ev crdt.Event) {
	if !ev.Local || s.link == nil {
		return
	}
	// A full queue forces a reconnect whose handshake carries these ops.
	_ = s.link.push(codec.Frame{Type: codec.MsgUpdate, Payload: codec.EncodeDelta(ev.Delta())})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	if old == Closed || old == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	fns := slices.Clone(s.statusFns)
	s.mu.Unlock()

	s.logger.Debug().Stringer("from", old).Stringer("to", st).Msg("state changed")
	if old.Status() != st.Status() {
		for _, fn := range fns {
			fn(st.Status())
		}
	}
}

func (s *Session) emitError(err error) {
	s.logger.Error().Err(err).Msg("session failed")
	s.mu.Lock()
	fns := slices.Clone(s.errorFns)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
