package crdt

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrOutOfRange is returned by local edits addressing a position outside
// the current text.
var ErrOutOfRange = errors.New("position out of range")

// DefaultMaxPending bounds the number of causally premature remote
// operations a document keeps around waiting for their dependencies.
const DefaultMaxPending = 1024

const nilIdx = -1

// WriteGuard decides whether local edits are currently allowed.
type WriteGuard interface {
	CheckWrite() error
}

// Option configures a Document.
type Option func(*Document)

// WithReplica fixes the replica id instead of drawing a random one.
func WithReplica(id ReplicaID) Option {
	return func(d *Document) {
		d.replica = id
	}
}

// WithMaxPending overrides DefaultMaxPending.
func WithMaxPending(n int) Option {
	return func(d *Document) {
		if n > 0 {
			d.maxPending = n
		}
	}
}

// WithGuard installs a write guard at construction time.
func WithGuard(g WriteGuard) Option {
	return func(d *Document) {
		d.guard = g
	}
}

// segment is a run of runes created by one insert operation, or a piece of
// such a run after splitting. Segments live in an arena and link to their
// neighbours by index.
type segment struct {
	id          Stamp
	origin      *Stamp
	rightOrigin *Stamp
	runes       []rune
	deleted     bool
	left, right int
}

func (s *segment) end() uint64 {
	return s.id.Counter + uint64(len(s.runes))
}

func (s *segment) last() Stamp {
	return Stamp{Replica: s.id.Replica, Counter: s.end() - 1}
}

type batch struct {
	local bool
	since StateVector
	ops   []Operation
}

type observer struct {
	id int
	fn func(Event)
}

// Document is a replicated text. It is not safe for concurrent use: all
// calls for one document must come from a single goroutine or be serialized
// by the caller.
type Document struct {
	room    string
	replica ReplicaID

	arena   []segment
	head    int
	index   map[ReplicaID][]int
	deletes map[ReplicaID][]Operation
	sv      StateVector
	visible int

	// cur is a segment and the visible runes before it, kept so local
	// edits near the previous one do not walk from the head.
	cur cursor

	pending    []Operation
	maxPending int

	guard        WriteGuard
	batch        *batch
	observers    []observer
	nextObserver int

	logger zerolog.Logger
}

// New creates an empty document for the given room.
func New(room string, opts ...Option) *Document {
	d := &Document{
		room:       room,
		replica:    ReplicaID(rand.Uint64()),
		head:       nilIdx,
		index:      make(map[ReplicaID][]int),
		deletes:    make(map[ReplicaID][]Operation),
		sv:         make(StateVector),
		maxPending: DefaultMaxPending,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.With().
		Str("room", room).
		Uint64("replica", uint64(d.replica)).
		Logger()
	return d
}

// Room returns the room identifier the document belongs to.
func (d *Document) Room() string { return d.room }

// Replica returns the local replica id.
func (d *Document) Replica() ReplicaID { return d.replica }

// Len returns the number of visible runes.
func (d *Document) Len() int { return d.visible }

// Pending returns how many remote operations are waiting for dependencies.
func (d *Document) Pending() int { return len(d.pending) }

// StateVector returns a copy of the current state vector.
func (d *Document) StateVector() StateVector { return d.sv.Clone() }

// SetGuard replaces the write guard. A nil guard allows every local edit.
func (d *Document) SetGuard(g WriteGuard) { d.guard = g }

// String returns the visible text.
func (d *Document) String() string {
	var b strings.Builder
	for i := d.head; i != nilIdx; i = d.arena[i].right {
		seg := &d.arena[i]
		if seg.deleted {
			continue
		}
		for _, r := range seg.runes {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Observe registers fn to be called synchronously after every mutation
// batch. The returned function removes the registration.
func (d *Document) Observe(fn func(Event)) (cancel func()) {
	id := d.nextObserver
	d.nextObserver++
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

/////////////////////////////
/// Local edits
/////////////////////////////

// Insert makes text visible at rune position pos of the current text.
func (d *Document) Insert(pos int, text string) error {
	if err := d.checkWrite(); err != nil {
		return err
	}
	if pos < 0 || pos > d.visible {
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, d.visible)
	}
	if text == "" {
		return nil
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("insert text is not valid utf-8")
	}

	left, right := d.neighbours(pos)
	op := Operation{
		Kind: OpInsert,
		ID:   Stamp{Replica: d.replica, Counter: d.sv[d.replica]},
		Text: text,
	}
	if left != nilIdx {
		op.Origin = stampPtr(d.arena[left].last())
	}
	if right != nilIdx {
		op.RightOrigin = stampPtr(d.arena[right].id)
	}
	return d.applyLocal(op)
}

// Delete tombstones length runes starting at rune position pos.
func (d *Document) Delete(pos, length int) error {
	if err := d.checkWrite(); err != nil {
		return err
	}
	if pos < 0 || length < 0 || pos+length > d.visible {
		return fmt.Errorf("%w: delete [%d, %d), length %d", ErrOutOfRange, pos, pos+length, d.visible)
	}
	if length == 0 {
		return nil
	}

	var targets []Span
	start, before := d.seek(pos)
	skip, remaining := pos-before, length
	for i := start; i != nilIdx && remaining > 0; i = d.arena[i].right {
		seg := &d.arena[i]
		if seg.deleted {
			continue
		}
		n := len(seg.runes)
		if skip >= n {
			skip -= n
			continue
		}
		if targets == nil {
			// Tombstoning only touches this segment and the ones after it.
			d.cur = cursor{idx: i, before: pos - skip, ok: true}
		}
		take := min(n-skip, remaining)
		targets = appendSpan(targets, Span{
			Start: Stamp{Replica: seg.id.Replica, Counter: seg.id.Counter + uint64(skip)},
			Len:   uint64(take),
		})
		skip = 0
		remaining -= take
	}

	return d.applyLocal(Operation{
		Kind:    OpDelete,
		ID:      Stamp{Replica: d.replica, Counter: d.sv[d.replica]},
		Targets: targets,
	})
}

// Replace swaps the whole visible text for text in a single batch.
func (d *Document) Replace(text string) error {
	if err := d.checkWrite(); err != nil {
		return err
	}
	if d.String() == text {
		return nil
	}
	return d.Transact(func() error {
		if err := d.Delete(0, d.visible); err != nil {
			return err
		}
		return d.Insert(0, text)
	})
}

// Transact runs fn and delivers all local edits it makes as one event.
// Edits made before fn fails stay applied.
func (d *Document) Transact(fn func() error) error {
	owner := d.begin(true)
	defer d.commit(owner)
	return fn()
}

func (d *Document) checkWrite() error {
	if d.guard == nil {
		return nil
	}
	return d.guard.CheckWrite()
}

func (d *Document) applyLocal(op Operation) error {
	owner := d.begin(true)
	defer d.commit(owner)

	applied, ok, err := d.integrate(op)
	if err != nil {
		return err
	}
	if ok {
		d.batch.ops = append(d.batch.ops, applied)
	}
	return nil
}

// neighbours returns the segments on both sides of rune position pos,
// splitting a segment when pos falls inside it.
func (d *Document) neighbours(pos int) (left, right int) {
	if pos == 0 {
		d.cur.ok = false
		return nilIdx, d.head
	}
	start, count := d.seek(pos)
	for i := start; i != nilIdx; i = d.arena[i].right {
		seg := &d.arena[i]
		if seg.deleted {
			continue
		}
		n := len(seg.runes)
		if count+n >= pos {
			if offset := pos - count; offset < n {
				d.split(i, offset)
			}
			// The new run goes right of i, so i keeps its offset.
			d.cur = cursor{idx: i, before: count, ok: true}
			return i, d.arena[i].right
		}
		count += n
	}
	return nilIdx, nilIdx
}

type cursor struct {
	idx    int
	before int
	ok     bool
}

// seek returns a segment to start a forward walk for rune position pos and
// the number of visible runes before it. Every segment left of the result
// ends strictly before pos, or the result is the head.
func (d *Document) seek(pos int) (idx, before int) {
	if !d.cur.ok || d.cur.idx >= len(d.arena) {
		return d.head, 0
	}
	idx, before = d.cur.idx, d.cur.before
	for before > 0 && before >= pos {
		idx = d.arena[idx].left
		if seg := &d.arena[idx]; !seg.deleted {
			before -= len(seg.runes)
		}
	}
	return idx, before
}

func appendSpan(spans []Span, s Span) []Span {
	if n := len(spans); n > 0 {
		last := &spans[n-1]
		if last.Start.Replica == s.Start.Replica && last.End() == s.Start.Counter {
			last.Len += s.Len
			return spans
		}
	}
	return append(spans, s)
}

/////////////////////////////
/// Remote operations
/////////////////////////////

// ApplyRemote integrates a single foreign operation.
func (d *Document) ApplyRemote(op Operation) error {
	return d.ApplyDelta(Delta{Ops: []Operation{op}})
}

// ApplyDelta integrates a batch of foreign operations and notifies
// observers once. Operations whose dependencies are missing are parked until
// they arrive; operations already seen are skipped; malformed operations
// are logged, dropped and reported in the returned error.
func (d *Document) ApplyDelta(delta Delta) error {
	owner := d.begin(false)
	defer d.commit(owner)

	var errs []error
	for _, op := range delta.Ops {
		if err := op.Validate(); err != nil {
			d.logger.Warn().Err(err).Stringer("op", op.ID).Msg("rejecting remote operation")
			errs = append(errs, err)
			continue
		}
		d.pending = append(d.pending, cloneOp(op))
	}
	errs = append(errs, d.drain()...)

	if over := len(d.pending) - d.maxPending; over > 0 {
		d.logger.Warn().Int("dropped", over).Msg("pending queue full, dropping oldest operations")
		d.pending = append([]Operation(nil), d.pending[over:]...)
	}
	return errors.Join(errs...)
}

// drain integrates every pending operation whose dependencies are met.
// An operation that cannot go yet waits on the first counter it misses and
// is looked at again only once that counter arrives.
func (d *Document) drain() []error {
	var errs []error
	done := make([]bool, len(d.pending))
	waiting := make(map[need][]int)
	queue := make([]int, len(d.pending))
	for i := range queue {
		queue[i] = i
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		op := d.pending[i]
		if n, ok := d.missing(op); ok {
			waiting[n] = append(waiting[n], i)
			continue
		}
		done[i] = true
		r := op.ID.Replica
		from := d.sv[r]
		applied, ok, err := d.integrate(op)
		if err != nil {
			d.logger.Warn().Err(err).Stringer("op", op.ID).Msg("rejecting remote operation")
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		d.cur.ok = false
		d.batch.ops = append(d.batch.ops, applied)
		queue = wake(waiting, r, from, d.sv[r], queue)
	}

	rest := make([]Operation, 0, len(d.pending))
	for i, op := range d.pending {
		if !done[i] {
			rest = append(rest, op)
		}
	}
	d.pending = rest
	return errs
}

// need is a state vector entry an operation waits for: sv[replica] must
// reach counter.
type need struct {
	replica ReplicaID
	counter uint64
}

// missing returns the first dependency of op the document lacks.
func (d *Document) missing(op Operation) (need, bool) {
	if op.ID.Counter > d.sv[op.ID.Replica] {
		return need{replica: op.ID.Replica, counter: op.ID.Counter}, true
	}
	switch op.Kind {
	case OpInsert:
		for _, o := range []*Stamp{op.Origin, op.RightOrigin} {
			if o != nil && !d.sv.Covers(*o) {
				return need{replica: o.Replica, counter: o.Counter + 1}, true
			}
		}
	case OpDelete:
		for _, t := range op.Targets {
			if t.End() > d.sv[t.Start.Replica] {
				return need{replica: t.Start.Replica, counter: t.End()}, true
			}
		}
	}
	return need{}, false
}

// wake moves the operations waiting for replica r to reach a counter in
// (from, to] back onto the queue, lowest counter first.
func wake(waiting map[need][]int, r ReplicaID, from, to uint64, queue []int) []int {
	if len(waiting) == 0 {
		return queue
	}
	var hits []need
	if to-from > uint64(len(waiting)) {
		for n := range waiting {
			if n.replica == r && n.counter > from && n.counter <= to {
				hits = append(hits, n)
			}
		}
		slices.SortFunc(hits, func(a, b need) int { return cmp.Compare(a.counter, b.counter) })
	} else {
		for c := from + 1; c <= to; c++ {
			if n := (need{replica: r, counter: c}); waiting[n] != nil {
				hits = append(hits, n)
			}
		}
	}
	for _, n := range hits {
		queue = append(queue, waiting[n]...)
		delete(waiting, n)
	}
	return queue
}

// integrate applies an operation whose dependencies are known. It reports
// false when every counter of the operation was already applied.
func (d *Document) integrate(op Operation) (Operation, bool, error) {
	next := d.sv[op.ID.Replica]
	if op.ID.Counter+op.Len() <= next {
		return op, false, nil
	}
	if op.ID.Counter < next {
		op = trimInsert(op, next-op.ID.Counter)
	}

	var err error
	switch op.Kind {
	case OpInsert:
		err = d.integrateInsert(op)
	case OpDelete:
		err = d.integrateDelete(op)
	default:
		err = fmt.Errorf("%w: unknown kind %d", ErrMalformedOperation, op.Kind)
	}
	if err != nil {
		return op, false, err
	}
	return op, true, nil
}

func (d *Document) integrateInsert(op Operation) error {
	left, right := nilIdx, nilIdx
	if op.RightOrigin != nil {
		idx, ok := d.cleanStart(*op.RightOrigin)
		if !ok {
			return fmt.Errorf("%w: insert %v right origin %v is not text", ErrMalformedOperation, op.ID, *op.RightOrigin)
		}
		right = idx
	}
	if op.Origin != nil {
		idx, ok := d.cleanEnd(*op.Origin)
		if !ok {
			return fmt.Errorf("%w: insert %v origin %v is not text", ErrMalformedOperation, op.ID, *op.Origin)
		}
		left = idx
	}
	if left != nilIdx && left == right {
		return fmt.Errorf("%w: insert %v origins are out of order", ErrMalformedOperation, op.ID)
	}

	// Walk the runs between the two origins and find where the new run
	// belongs among concurrent inserts.
	o := d.head
	if left != nilIdx {
		o = d.arena[left].right
	}
	before := make(map[int]bool)
	conflicting := make(map[int]bool)
	for o != nilIdx && o != right {
		before[o] = true
		conflicting[o] = true
		seg := &d.arena[o]
		if sameStamp(op.Origin, seg.origin) {
			if seg.id.Replica < op.ID.Replica {
				left = o
				clear(conflicting)
			} else if sameStamp(op.RightOrigin, seg.rightOrigin) {
				break
			}
		} else if seg.origin != nil {
			oi, _ := d.find(*seg.origin)
			if !before[oi] {
				break
			}
			if !conflicting[oi] {
				left = o
				clear(conflicting)
			}
		} else {
			break
		}
		o = seg.right
	}

	n := len(d.arena)
	seg := segment{
		id:          op.ID,
		origin:      copyStamp(op.Origin),
		rightOrigin: copyStamp(op.RightOrigin),
		runes:       []rune(op.Text),
		left:        left,
		right:       d.head,
	}
	if left != nilIdx {
		seg.right = d.arena[left].right
	}
	d.arena = append(d.arena, seg)
	if left != nilIdx {
		d.arena[left].right = n
	} else {
		d.head = n
	}
	if seg.right != nilIdx {
		d.arena[seg.right].left = n
	}

	r := op.ID.Replica
	d.index[r] = append(d.index[r], n)
	d.sv[r] = seg.end()
	d.visible += len(seg.runes)
	return nil
}

func (d *Document) integrateDelete(op Operation) error {
	for _, t := range op.Targets {
		if !d.spanIsText(t) {
			return fmt.Errorf("%w: delete %v targets %v+%d which is not text", ErrMalformedOperation, op.ID, t.Start, t.Len)
		}
	}
	for _, t := range op.Targets {
		for c := t.Start.Counter; c < t.End(); {
			idx, _ := d.cleanStart(Stamp{Replica: t.Start.Replica, Counter: c})
			if d.arena[idx].end() > t.End() {
				d.split(idx, int(t.End()-d.arena[idx].id.Counter))
			}
			seg := &d.arena[idx]
			if !seg.deleted {
				seg.deleted = true
				d.visible -= len(seg.runes)
			}
			c = seg.end()
		}
	}

	r := op.ID.Replica
	d.deletes[r] = append(d.deletes[r], cloneOp(op))
	d.sv[r] = op.ID.Counter + 1
	return nil
}

// spanIsText reports whether every counter of the span belongs to inserted
// text, as opposed to a delete operation or an unknown counter.
func (d *Document) spanIsText(t Span) bool {
	for c := t.Start.Counter; c < t.End(); {
		idx, ok := d.find(Stamp{Replica: t.Start.Replica, Counter: c})
		if !ok {
			return false
		}
		c = d.arena[idx].end()
	}
	return true
}

/////////////////////////////
/// Arena helpers
/////////////////////////////

// locate returns the position inside index[s.Replica] and the arena index
// of the segment containing s.
func (d *Document) locate(s Stamp) (pos, idx int, ok bool) {
	segs := d.index[s.Replica]
	pos = sort.Search(len(segs), func(i int) bool {
		return d.arena[segs[i]].id.Counter > s.Counter
	}) - 1
	if pos < 0 {
		return 0, nilIdx, false
	}
	idx = segs[pos]
	if s.Counter >= d.arena[idx].end() {
		return 0, nilIdx, false
	}
	return pos, idx, true
}

func (d *Document) find(s Stamp) (int, bool) {
	_, idx, ok := d.locate(s)
	return idx, ok
}

// split cuts segment idx after offset runes and returns the arena index of
// the new right half.
func (d *Document) split(idx, offset int) int {
	seg := d.arena[idx]
	at := Stamp{Replica: seg.id.Replica, Counter: seg.id.Counter + uint64(offset)}
	tail := segment{
		id:          at,
		origin:      &Stamp{Replica: at.Replica, Counter: at.Counter - 1},
		rightOrigin: copyStamp(seg.rightOrigin),
		runes:       append([]rune(nil), seg.runes[offset:]...),
		deleted:     seg.deleted,
		left:        idx,
		right:       seg.right,
	}
	n := len(d.arena)
	d.arena = append(d.arena, tail)
	d.arena[idx].runes = seg.runes[:offset:offset]
	d.arena[idx].right = n
	if tail.right != nilIdx {
		d.arena[tail.right].left = n
	}

	segs := d.index[at.Replica]
	pos := sort.Search(len(segs), func(i int) bool {
		return d.arena[segs[i]].id.Counter >= seg.id.Counter
	})
	segs = append(segs, 0)
	copy(segs[pos+2:], segs[pos+1:])
	segs[pos+1] = n
	d.index[at.Replica] = segs
	return n
}

// cleanEnd makes s the last rune of its segment.
func (d *Document) cleanEnd(s Stamp) (int, bool) {
	idx, ok := d.find(s)
	if !ok {
		return nilIdx, false
	}
	if seg := &d.arena[idx]; s.Counter+1 < seg.end() {
		d.split(idx, int(s.Counter-seg.id.Counter+1))
	}
	return idx, true
}

// cleanStart makes s the first rune of its segment.
func (d *Document) cleanStart(s Stamp) (int, bool) {
	idx, ok := d.find(s)
	if !ok {
		return nilIdx, false
	}
	if seg := &d.arena[idx]; s.Counter > seg.id.Counter {
		return d.split(idx, int(s.Counter-seg.id.Counter)), true
	}
	return idx, true
}

/////////////////////////////
/// Batches
/////////////////////////////

func (d *Document) begin(local bool) bool {
	if d.batch != nil {
		return false
	}
	d.batch = &batch{local: local, since: d.sv.Clone()}
	return true
}

func (d *Document) commit(owner bool) {
	if !owner {
		return
	}
	b := d.batch
	d.batch = nil
	if len(b.ops) == 0 {
		return
	}
	ev := Event{Local: b.local, Since: b.since, Ops: b.ops}
	for _, o := range append([]observer(nil), d.observers...) {
		o.fn(ev)
	}
}

/////////////////////////////
/// Deltas
/////////////////////////////

// DeltaSince returns every operation not reflected in since, grouped by
// replica in ascending replica id and counter order.
func (d *Document) DeltaSince(since StateVector) Delta {
	delta := Delta{Since: since.Clone()}
	for _, r := range d.sv.Replicas() {
		from := since[r]
		if from >= d.sv[r] {
			continue
		}

		var ops []Operation
		segs := d.index[r]
		i := sort.Search(len(segs), func(i int) bool {
			return d.arena[segs[i]].end() > from
		})
		for ; i < len(segs); i++ {
			seg := &d.arena[segs[i]]
			op := Operation{
				Kind:        OpInsert,
				ID:          seg.id,
				Origin:      copyStamp(seg.origin),
				RightOrigin: copyStamp(seg.rightOrigin),
				Text:        string(seg.runes),
			}
			if seg.id.Counter < from {
				op = trimInsert(op, from-seg.id.Counter)
			}
			ops = append(ops, op)
		}

		dels := d.deletes[r]
		j := sort.Search(len(dels), func(j int) bool {
			return dels[j].ID.Counter >= from
		})
		for ; j < len(dels); j++ {
			ops = append(ops, cloneOp(dels[j]))
		}

		sort.SliceStable(ops, func(a, b int) bool {
			return ops[a].ID.Counter < ops[b].ID.Counter
		})
		delta.Ops = append(delta.Ops, ops...)
	}
	return delta
}

// trimInsert drops the first k runes of an insert run.
func trimInsert(op Operation, k uint64) Operation {
	runes := []rune(op.Text)
	op.ID.Counter += k
	op.Origin = &Stamp{Replica: op.ID.Replica, Counter: op.ID.Counter - 1}
	op.Text = string(runes[k:])
	return op
}

func sameStamp(a, b *Stamp) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyStamp(s *Stamp) *Stamp {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneOp(op Operation) Operation {
	op.Origin = copyStamp(op.Origin)
	op.RightOrigin = copyStamp(op.RightOrigin)
	if op.Targets != nil {
		op.Targets = append([]Span(nil), op.Targets...)
	}
	return op
}
