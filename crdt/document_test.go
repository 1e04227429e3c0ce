package crdt

import (
	"errors"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncFrom brings dst up to date with src the way a handshake does.
func syncFrom(t *testing.T, dst, src *Document) {
	t.Helper()
	require.NoError(t, dst.ApplyDelta(src.DeltaSince(dst.StateVector())))
}

func TestTwoPartyEdit(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))

	require.NoError(t, a.Insert(0, "Hello"))
	syncFrom(t, b, a)
	require.NoError(t, b.Insert(5, " World"))
	syncFrom(t, a, b)

	assert.Equal(t, "Hello World", a.String())
	assert.Equal(t, "Hello World", b.String())
	assert.Equal(t, 11, a.Len())
}

func TestConcurrentInsertSamePosition(t *testing.T) {
	for _, ids := range [][2]ReplicaID{{1, 2}, {2, 1}} {
		a := New("room", WithReplica(ids[0]))
		b := New("room", WithReplica(ids[1]))
		require.NoError(t, a.Insert(0, "ab"))
		syncFrom(t, b, a)

		require.NoError(t, a.Insert(1, "X"))
		require.NoError(t, b.Insert(1, "Y"))
		syncFrom(t, a, b)
		syncFrom(t, b, a)

		assert.Equal(t, a.String(), b.String())
		if ids[0] < ids[1] {
			assert.Equal(t, "aXYb", a.String())
		} else {
			assert.Equal(t, "aYXb", a.String())
		}
	}
}

func TestDeleteInsertRace(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))
	require.NoError(t, a.Insert(0, "abcdef"))
	syncFrom(t, b, a)

	require.NoError(t, a.Delete(1, 3))
	require.NoError(t, b.Insert(2, "Z"))
	syncFrom(t, a, b)
	syncFrom(t, b, a)

	assert.Equal(t, "aZef", a.String())
	assert.Equal(t, a.String(), b.String())
}

func TestDeleteIsIdempotent(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))
	c := New("room", WithReplica(3))
	require.NoError(t, a.Insert(0, "abc"))
	syncFrom(t, b, a)
	syncFrom(t, c, a)

	// Both replicas delete the same rune concurrently.
	require.NoError(t, b.Delete(1, 1))
	require.NoError(t, c.Delete(1, 1))
	syncFrom(t, a, b)
	syncFrom(t, a, c)
	syncFrom(t, b, a)
	syncFrom(t, c, a)

	for _, d := range []*Document{a, b, c} {
		assert.Equal(t, "ac", d.String())
		assert.Equal(t, 2, d.Len())
	}
}

func TestApplyDeltaTwice(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))
	require.NoError(t, a.Insert(0, "hello"))
	require.NoError(t, a.Delete(0, 1))
	delta := a.DeltaSince(nil)

	var events int
	b.Observe(func(Event) { events++ })

	require.NoError(t, b.ApplyDelta(delta))
	require.NoError(t, b.ApplyDelta(delta))

	assert.Equal(t, "ello", b.String())
	assert.Equal(t, 1, events, "duplicate delta must not notify")
}

func TestOneEventPerRemoteBatch(t *testing.T) {
	a := New("room", WithReplica(1))
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Insert(a.Len(), "x"))
	}
	require.NoError(t, a.Delete(0, 2))

	b := New("room", WithReplica(2))
	var got []Event
	b.Observe(func(ev Event) { got = append(got, ev) })
	require.NoError(t, b.ApplyDelta(a.DeltaSince(nil)))

	require.Len(t, got, 1)
	assert.False(t, got[0].Local)
	assert.Len(t, got[0].Ops, 6)
	assert.Equal(t, "xxx", b.String())
}

func TestLocalEventsAndUnobserve(t *testing.T) {
	d := New("room", WithReplica(1))
	var got []Event
	cancel := d.Observe(func(ev Event) { got = append(got, ev) })

	require.NoError(t, d.Insert(0, "abc"))
	require.NoError(t, d.Transact(func() error {
		if err := d.Insert(3, "def"); err != nil {
			return err
		}
		return d.Delete(0, 1)
	}))
	require.Len(t, got, 2)
	assert.True(t, got[0].Local)
	assert.Len(t, got[1].Ops, 2)
	assert.Equal(t, uint64(3), got[1].Since[1])

	cancel()
	require.NoError(t, d.Insert(0, "z"))
	assert.Len(t, got, 2)
}

func TestReplaceIsOneBatch(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))
	require.NoError(t, a.Insert(0, "old text"))
	syncFrom(t, b, a)

	var events []Event
	a.Observe(func(ev Event) { events = append(events, ev) })
	require.NoError(t, a.Replace("new text"))
	require.NoError(t, a.Replace("new text"))
	require.Len(t, events, 1)

	require.NoError(t, b.ApplyDelta(events[0].Delta()))
	assert.Equal(t, "new text", b.String())
}

func TestHandshakeMinimality(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))
	require.NoError(t, a.Insert(0, "first"))
	syncFrom(t, b, a)
	require.NoError(t, a.Insert(5, " second"))
	require.NoError(t, a.Delete(0, 1))
	require.NoError(t, b.Insert(0, ">"))

	sv := b.StateVector()
	delta := a.DeltaSince(sv)
	require.NotEmpty(t, delta.Ops)
	for _, op := range delta.Ops {
		assert.GreaterOrEqual(t, op.ID.Counter, sv[op.ID.Replica], "op %v already covered", op.ID)
	}
	assert.Empty(t, a.DeltaSince(a.StateVector()).Ops)
	assert.True(t, delta.Since.Equal(sv))
}

func TestDeltaSinceTrimsPartialRuns(t *testing.T) {
	a := New("room", WithReplica(1))
	require.NoError(t, a.Insert(0, "abcdef"))

	delta := a.DeltaSince(StateVector{1: 3})
	require.Len(t, delta.Ops, 1)
	op := delta.Ops[0]
	assert.Equal(t, "def", op.Text)
	assert.Equal(t, Stamp{Replica: 1, Counter: 3}, op.ID)
	require.NotNil(t, op.Origin)
	assert.Equal(t, Stamp{Replica: 1, Counter: 2}, *op.Origin)
}

func TestOverlappingRunIsTrimmed(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))
	require.NoError(t, a.Insert(0, "abc"))
	syncFrom(t, b, a)
	require.NoError(t, a.Insert(3, "def"))

	// Resend the whole history as one run; only "def" is new to b.
	require.NoError(t, b.ApplyRemote(Operation{Kind: OpInsert, ID: Stamp{Replica: 1}, Text: "abc"}))
	require.NoError(t, b.ApplyDelta(a.DeltaSince(StateVector{1: 1})))
	assert.Equal(t, "abcdef", b.String())
}

func TestOutOfOrderOperationsArePending(t *testing.T) {
	a := New("room", WithReplica(1))
	require.NoError(t, a.Insert(0, "ab"))
	first := a.DeltaSince(nil)
	require.NoError(t, a.Insert(2, "cd"))
	second := a.DeltaSince(StateVector{1: 2})

	b := New("room", WithReplica(2))
	require.NoError(t, b.ApplyDelta(second))
	assert.Equal(t, "", b.String())
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.ApplyDelta(first))
	assert.Equal(t, "abcd", b.String())
	assert.Zero(t, b.Pending())
}

func TestPendingQueueIsBounded(t *testing.T) {
	d := New("room", WithReplica(1), WithMaxPending(2))
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, d.ApplyRemote(Operation{Kind: OpInsert, ID: Stamp{Replica: 9, Counter: i * 10}, Text: "x"}))
	}
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, "", d.String())
}

func TestMalformedOperationsAreRejected(t *testing.T) {
	d := New("room", WithReplica(1))
	require.NoError(t, d.Insert(0, "abc"))
	require.NoError(t, d.Delete(0, 1)) // counter 3 is a delete
	before := d.String()

	cases := map[string]Operation{
		"empty insert":    {Kind: OpInsert, ID: Stamp{Replica: 2}},
		"unknown kind":    {Kind: 7, ID: Stamp{Replica: 2}},
		"self reference":  {Kind: OpInsert, ID: Stamp{Replica: 2, Counter: 1}, Text: "x", Origin: &Stamp{Replica: 2, Counter: 4}},
		"empty delete":    {Kind: OpDelete, ID: Stamp{Replica: 2}},
		"zero span":       {Kind: OpDelete, ID: Stamp{Replica: 2}, Targets: []Span{{Start: Stamp{Replica: 1}}}},
		"origin a delete": {Kind: OpInsert, ID: Stamp{Replica: 2}, Text: "x", Origin: &Stamp{Replica: 1, Counter: 3}},
		"delete a delete": {Kind: OpDelete, ID: Stamp{Replica: 2}, Targets: []Span{{Start: Stamp{Replica: 1, Counter: 3}, Len: 1}}},
	}
	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			err := d.ApplyRemote(op)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedOperation))
			assert.Equal(t, before, d.String())
			assert.Zero(t, d.Pending())
		})
	}

	// The document keeps working afterwards.
	require.NoError(t, d.Insert(d.Len(), "!"))
	assert.Equal(t, before+"!", d.String())
}

type denyGuard struct{ err error }

func (g denyGuard) CheckWrite() error { return g.err }

func TestGuardRejectsLocalEdits(t *testing.T) {
	d := New("room", WithReplica(1))
	require.NoError(t, d.Insert(0, "keep"))

	var events int
	d.Observe(func(Event) { events++ })
	denied := errors.New("read only")
	d.SetGuard(denyGuard{err: denied})

	assert.ErrorIs(t, d.Insert(0, "x"), denied)
	assert.ErrorIs(t, d.Delete(0, 1), denied)
	assert.ErrorIs(t, d.Replace("other"), denied)
	assert.Equal(t, "keep", d.String())
	assert.Zero(t, events)
	assert.Equal(t, uint64(4), d.StateVector()[1])

	// Remote edits still flow in.
	other := New("room", WithReplica(2))
	syncFrom(t, other, d)
	require.NoError(t, other.Insert(4, "!"))
	syncFrom(t, d, other)
	assert.Equal(t, "keep!", d.String())
}

func TestOutOfRange(t *testing.T) {
	d := New("room", WithReplica(1))
	assert.ErrorIs(t, d.Insert(1, "x"), ErrOutOfRange)
	require.NoError(t, d.Insert(0, "ab"))
	assert.ErrorIs(t, d.Delete(1, 2), ErrOutOfRange)
	assert.ErrorIs(t, d.Delete(-1, 1), ErrOutOfRange)
	require.NoError(t, d.Delete(1, 0))
}

func TestMultibyteText(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))
	require.NoError(t, a.Insert(0, "привет"))
	syncFrom(t, b, a)
	require.NoError(t, b.Insert(3, "ж"))
	require.NoError(t, b.Delete(0, 1))
	syncFrom(t, a, b)
	assert.Equal(t, "рижвет", a.String())
	assert.Equal(t, a.String(), b.String())
}

func randomText(rng *rand.Rand) string {
	const alphabet = "abcdefghij"
	n := 1 + rng.Intn(4)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(buf)
}

func randomEdit(t *testing.T, rng *rand.Rand, d *Document) {
	t.Helper()
	if d.Len() > 0 && rng.Intn(3) == 0 {
		pos := rng.Intn(d.Len())
		n := 1 + rng.Intn(min(3, d.Len()-pos))
		require.NoError(t, d.Delete(pos, n))
		return
	}
	require.NoError(t, d.Insert(rng.Intn(d.Len()+1), randomText(rng)))
}

func TestRandomConvergence(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		docs := []*Document{
			New("room", WithReplica(1)),
			New("room", WithReplica(2)),
			New("room", WithReplica(3)),
		}
		var history []Operation
		for _, d := range docs {
			d.Observe(func(ev Event) {
				if ev.Local {
					history = append(history, ev.Ops...)
				}
			})
		}

		for step := 0; step < 120; step++ {
			d := docs[rng.Intn(len(docs))]
			if rng.Intn(4) == 0 {
				syncFrom(t, d, docs[rng.Intn(len(docs))])
				continue
			}
			randomEdit(t, rng, d)
		}
		for i := 0; i < 2; i++ {
			for _, dst := range docs {
				for _, src := range docs {
					syncFrom(t, dst, src)
				}
			}
		}

		want := docs[0].String()
		for _, d := range docs[1:] {
			require.Equal(t, want, d.String(), "seed %d", seed)
			require.True(t, docs[0].StateVector().Equal(d.StateVector()))
		}

		// Replay every operation shuffled and partly duplicated, one by one.
		replay := append([]Operation(nil), history...)
		replay = append(replay, history[:len(history)/3]...)
		rng.Shuffle(len(replay), func(i, j int) { replay[i], replay[j] = replay[j], replay[i] })
		fresh := New("room", WithReplica(99), WithMaxPending(len(replay)))
		for _, op := range replay {
			require.NoError(t, fresh.ApplyRemote(op))
		}
		require.Zero(t, fresh.Pending(), "seed %d", seed)
		require.Equal(t, want, fresh.String(), "seed %d", seed)
	}
}

func TestStateVectorDominates(t *testing.T) {
	a := StateVector{1: 3, 2: 1}
	assert.True(t, a.Dominates(StateVector{1: 3}))
	assert.True(t, a.Dominates(StateVector{2: 0, 3: 0}))
	assert.True(t, a.Dominates(nil))
	assert.False(t, a.Dominates(StateVector{1: 4}))
	assert.False(t, a.Dominates(StateVector{3: 1}))
	assert.False(t, StateVector(nil).Dominates(a))
}

func TestLocalEditsMatchPlainText(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := New("room", WithReplica(1))
	other := New("room", WithReplica(2))
	var want []rune
	for step := 0; step < 3000; step++ {
		switch {
		case step%50 == 49:
			// Remote runs land between local edits.
			require.NoError(t, other.Insert(0, "rr"))
			syncFrom(t, d, other)
			want = []rune(d.String())
		case len(want) > 0 && rng.Intn(3) == 0:
			pos := rng.Intn(len(want))
			n := 1 + rng.Intn(min(4, len(want)-pos))
			require.NoError(t, d.Delete(pos, n))
			want = slices.Delete(want, pos, pos+n)
		default:
			// Mostly type near the last edit, sometimes jump.
			pos := len(want)
			if rng.Intn(5) == 0 {
				pos = rng.Intn(len(want) + 1)
			}
			text := randomText(rng)
			require.NoError(t, d.Insert(pos, text))
			want = slices.Insert(want, pos, []rune(text)...)
		}
		require.Equal(t, len(want), d.Len(), "step %d", step)
	}
	assert.Equal(t, string(want), d.String())
}

func TestLargeReversedSnapshotConverges(t *testing.T) {
	a := New("room", WithReplica(1))
	b := New("room", WithReplica(2))
	for i := 0; i < 2000; i++ {
		require.NoError(t, a.Insert(a.Len()/2, "a"))
		require.NoError(t, b.Insert(b.Len()/3, "b"))
		if i%7 == 0 {
			require.NoError(t, a.Delete(0, 1))
		}
		syncFrom(t, a, b)
		syncFrom(t, b, a)
	}
	require.Equal(t, a.String(), b.String())

	delta := a.DeltaSince(nil)
	slices.Reverse(delta.Ops)
	fresh := New("room", WithReplica(3), WithMaxPending(len(delta.Ops)))
	start := time.Now()
	require.NoError(t, fresh.ApplyDelta(delta))
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Zero(t, fresh.Pending())
	assert.Equal(t, a.String(), fresh.String())
	assert.True(t, a.StateVector().Equal(fresh.StateVector()))
}
