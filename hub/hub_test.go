package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssau-fiit/cloudocs-collab/access"
	"github.com/ssau-fiit/cloudocs-collab/codec"
	"github.com/ssau-fiit/cloudocs-collab/crdt"
	"github.com/ssau-fiit/cloudocs-collab/database"
	"github.com/ssau-fiit/cloudocs-collab/errors"
	"github.com/ssau-fiit/cloudocs-collab/session"
)

const waitFor = 5 * time.Second

type fixture struct {
	store *database.Store
	hub   *Hub
	url   string
}

func newFixture(t *testing.T, mr *miniredis.Miniredis, withBroker bool) *fixture {
	t.Helper()
	rdb, err := database.Connect(database.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	store := database.NewStore(rdb)
	var h *Hub
	if withBroker {
		h = New(store, database.NewBroker(rdb))
	} else {
		h = New(store, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.Start(ctx))

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return &fixture{store: store, hub: h, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

// seed creates room r1 owned by u1 and invites u2 (read_write) and u3
// (read_only). Each user's token is "t" plus its number.
func seed(t *testing.T, store *database.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateRoom(ctx, database.Room{ID: "r1", Title: "Notes", Owner: "u1"}, ""))
	require.NoError(t, store.SetPermission(ctx, "r1", "u2", access.ReadWrite))
	require.NoError(t, store.SetPermission(ctx, "r1", "u3", access.ReadOnly))
	for _, n := range []string{"1", "2", "3"} {
		require.NoError(t, store.SetToken(ctx, "t"+n, "u"+n))
	}
}

type errSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errSink) add(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errSink) list() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func connect(t *testing.T, f *fixture, token string, perm access.Permission) (*session.Session, *errSink) {
	t.Helper()
	s := session.New(session.Config{
		Endpoint:   f.url,
		Room:       "r1",
		Credential: token,
		Permission: perm,
		MaxBackoff: 50 * time.Millisecond,
		Heartbeat:  100 * time.Millisecond,
	}, nil)
	sink := &errSink{}
	s.OnError(sink.add)
	t.Cleanup(s.Disconnect)
	require.NoError(t, s.Connect(context.Background()))
	return s, sink
}

func waitState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitFor, 10*time.Millisecond,
		"session never reached %s, last state %s", want, s.State())
}

func waitText(t *testing.T, s *session.Session, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		text, err := s.Text(context.Background())
		return err == nil && text == want
	}, waitFor, 10*time.Millisecond)
}

func TestLoneJoinerSyncs(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)

	s, _ := connect(t, f, "t1", access.Owner)
	waitState(t, s, session.Synced)
	assert.Equal(t, 1, f.hub.Rooms())

	s.Disconnect()
	require.Eventually(t, func() bool { return f.hub.Rooms() == 0 }, waitFor, 10*time.Millisecond)
}

func TestTwoPartyEdit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)

	a, _ := connect(t, f, "t1", access.Owner)
	b, _ := connect(t, f, "t2", access.ReadWrite)
	waitState(t, a, session.Synced)
	waitState(t, b, session.Synced)

	require.NoError(t, a.Insert(ctx, 0, "Hello"))
	waitText(t, b, "Hello")
	require.NoError(t, b.Insert(ctx, 5, " World"))
	waitText(t, a, "Hello World")
	waitText(t, b, "Hello World")
}

func TestLateJoinerGetsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)

	a, _ := connect(t, f, "t1", access.Owner)
	waitState(t, a, session.Synced)
	require.NoError(t, a.Insert(ctx, 0, "draft"))

	c, _ := connect(t, f, "t3", access.ReadOnly)
	waitState(t, c, session.Synced)
	waitText(t, c, "draft")
}

func TestReadOnlyUpdatesAreDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)

	a, _ := connect(t, f, "t1", access.Owner)
	waitState(t, a, session.Synced)

	// A hand-rolled read-only client that ignores its permission.
	ws, _, err := websocket.DefaultDialer.Dial(f.url+"?access_token=t3&room_uuid=r1&permissions=read_only", nil)
	require.NoError(t, err)
	defer ws.Close()

	rogue := crdt.New("r1", crdt.WithReplica(99))
	require.NoError(t, rogue.Insert(0, "spam"))
	update := codec.Frame{Type: codec.MsgUpdate, Payload: codec.EncodeDelta(rogue.DeltaSince(nil))}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, update.Encode()))

	// An owner edit made afterwards arrives; the rogue one never does.
	b, _ := connect(t, f, "t2", access.ReadWrite)
	waitState(t, b, session.Synced)
	require.NoError(t, a.Insert(ctx, 0, "ok"))
	waitText(t, b, "ok")
	text, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestUnknownTokenIsClosedAsDenied(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)

	s, sink := connect(t, f, "bogus", access.ReadWrite)
	waitState(t, s, session.Closed)

	errs := sink.list()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], errors.ErrAccessDenied))
}

func TestUninvitedUserIsClosedAsDenied(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)
	require.NoError(t, f.store.SetToken(context.Background(), "t4", "u4"))

	s, sink := connect(t, f, "t4", access.ReadWrite)
	waitState(t, s, session.Closed)
	require.Len(t, sink.list(), 1)
	assert.True(t, errors.Is(sink.list()[0], errors.ErrAccessDenied))
}

func TestPermissionMismatchClosesSession(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)

	s, sink := connect(t, f, "t3", access.ReadWrite)
	waitState(t, s, session.Closed)
	require.Len(t, sink.list(), 1)
	assert.True(t, errors.Is(sink.list()[0], errors.ErrPermissionMismatch))
}

func TestRevokeClosesOnlyThatUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)

	a, _ := connect(t, f, "t1", access.Owner)
	b, sink := connect(t, f, "t2", access.ReadWrite)
	waitState(t, a, session.Synced)
	waitState(t, b, session.Synced)

	_, err := f.store.DeletePermission(ctx, "r1", "u2")
	require.NoError(t, err)
	f.hub.Revoke(ctx, "r1", "u2")

	waitState(t, b, session.Closed)
	require.Len(t, sink.list(), 1)
	assert.True(t, errors.Is(sink.list()[0], errors.ErrAccessDenied))

	assert.Equal(t, session.Synced, a.State())
	require.NoError(t, a.Insert(ctx, 0, "still here"))
}

func TestPresenceRemovedOnDisconnect(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t), false)
	seed(t, f.store)

	a, _ := connect(t, f, "t1", access.Owner)
	b, _ := connect(t, f, "t2", access.ReadWrite)
	waitState(t, a, session.Synced)
	waitState(t, b, session.Synced)

	require.NoError(t, a.Presence().SetLocalState(map[string]any{"name": "Ann", "isOwner": true}))
	require.Eventually(t, func() bool {
		for _, rec := range b.Presence().States() {
			if rec.DisplayName == "Ann" && rec.IsOwner {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	a.Disconnect()
	require.Eventually(t, func() bool { return len(b.Presence().States()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestCrossInstanceFanOut(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	one := newFixture(t, mr, true)
	two := newFixture(t, mr, true)
	seed(t, one.store)

	a, _ := connect(t, one, "t1", access.Owner)
	b, sink := connect(t, two, "t2", access.ReadWrite)
	waitState(t, a, session.Synced)
	waitState(t, b, session.Synced)

	require.NoError(t, a.Insert(ctx, 0, "Hello"))
	waitText(t, b, "Hello")
	require.NoError(t, b.Insert(ctx, 5, " World"))
	waitText(t, a, "Hello World")

	// Revoking through one instance reaches sockets held by the other.
	one.hub.Revoke(ctx, "r1", "u2")
	waitState(t, b, session.Closed)
	require.Len(t, sink.list(), 1)
	assert.True(t, errors.Is(sink.list()[0], errors.ErrAccessDenied))
}

func TestCrossInstanceLateJoinerConverges(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	one := newFixture(t, mr, true)
	two := newFixture(t, mr, true)
	seed(t, one.store)

	a, _ := connect(t, one, "t1", access.Owner)
	waitState(t, a, session.Synced)
	require.NoError(t, a.Insert(ctx, 0, "Hello"))

	// b opens the room on the second instance after the text exists.
	b, _ := connect(t, two, "t2", access.ReadWrite)
	waitState(t, b, session.Synced)
	waitText(t, b, "Hello")

	require.NoError(t, a.Insert(ctx, 5, " World"))
	waitText(t, b, "Hello World")
	require.NoError(t, b.Insert(ctx, 11, "!"))
	waitText(t, a, "Hello World!")
}

// recordingBroker publishes slowly for early messages so unordered
// publishing would be observable.
type recordingBroker struct {
	mu   sync.Mutex
	seen []string
}

func (b *recordingBroker) Publish(_ context.Context, msg database.Message) error {
	if msg.Sender == "0" {
		time.Sleep(50 * time.Millisecond)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, msg.Sender)
	return nil
}

func (b *recordingBroker) Subscribe(ctx context.Context) (<-chan database.Message, error) {
	ch := make(chan database.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *recordingBroker) list() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.seen...)
}

func TestPublishKeepsOrder(t *testing.T) {
	broker := &recordingBroker{}
	h := New(nil, broker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	want := []string{"0", "1", "2", "3", "4"}
	for _, id := range want {
		h.publish(database.Message{Room: "r1", Kind: database.KindFrame, Sender: id})
	}
	require.Eventually(t, func() bool { return len(broker.list()) == len(want) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, broker.list())
}
