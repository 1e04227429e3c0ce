package access

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-collab/errors"
)

// Gate enforces a session's permission. It guards local edits of the
// session's document and records the terminal denial, if any.
type Gate struct {
	room     string
	expected Permission
	logger   zerolog.Logger

	mu        sync.Mutex
	validated bool
	denied    *errors.CollabError
	listeners []func(error)
}

// NewGate returns a gate for a session that expects the given permission.
func NewGate(room string, expected Permission) *Gate {
	return &Gate{
		room:     room,
		expected: expected,
		logger: log.With().
			Str("room", room).
			Str("permission", string(expected)).
			Logger(),
	}
}

// Expected returns the permission the session was configured with.
func (g *Gate) Expected() Permission {
	return g.expected
}

// Validate checks the permission asserted by the server. Any disagreement
// denies the session for good.
func (g *Gate) Validate(asserted string) error {
	p, err := Parse(asserted)
	if err != nil || p != g.expected {
		mismatch := errors.NewPermissionMismatch(string(g.expected), asserted)
		g.deny(mismatch)
		return mismatch
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied != nil {
		return g.denied
	}
	g.validated = true
	return nil
}

// Revoke records a server-pushed revocation. It returns true only for the
// first call; listeners are notified once.
func (g *Gate) Revoke() bool {
	return g.deny(errors.NewAccessDenied(g.room))
}

// Denied returns the terminal error, or nil while the session is allowed.
func (g *Gate) Denied() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied == nil {
		return nil
	}
	return g.denied
}

// OnDenied registers fn to be called once when the gate denies the session.
func (g *Gate) OnDenied(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// CheckWrite implements crdt.WriteGuard.
func (g *Gate) CheckWrite() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.denied != nil:
		return g.denied
	case !g.expected.CanWrite():
		return errors.NewReadOnly(g.room)
	case !g.validated:
		return errors.NewNotSynced(g.room)
	}
	return nil
}

func (g *Gate) deny(err *errors.CollabError) bool {
	g.mu.Lock()
	if g.denied != nil {
		g.mu.Unlock()
		return false
	}
	g.denied = err
	listeners := slices.Clone(g.listeners)
	g.mu.Unlock()

	g.logger.Warn().Str("code", string(err.Code)).Msg(err.Message)
	for _, fn := range listeners {
		fn(err)
	}
	return true
}
