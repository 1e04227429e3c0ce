package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedOperation is returned for remote operations that can never be
// integrated, no matter what else arrives later.
var ErrMalformedOperation = errors.New("malformed operation")

// OpKind distinguishes insert and delete operations.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Span is a run of consecutive counters from a single replica.
type Span struct {
	Start Stamp
	Len   uint64
}

// End returns the first counter after the span.
func (s Span) End() uint64 {
	return s.Start.Counter + s.Len
}

// Operation is a single replicated mutation.
//
// An insert carries the run of text created under consecutive counters
// starting at ID, together with the stamps of its left and right neighbours
// at creation time. A delete consumes exactly one counter and tombstones
// the runes named by Targets.
type Operation struct {
	Kind        OpKind
	ID          Stamp
	Origin      *Stamp
	RightOrigin *Stamp
	Text        string
	Targets     []Span
}

// Len returns how many counters of ID.Replica the operation consumes.
func (op Operation) Len() uint64 {
	if op.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(op.Text))
	}
	return 1
}

// Validate checks the structural rules every operation must satisfy.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert %v", ErrMalformedOperation, op.ID)
		}
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert %v is not valid utf-8", ErrMalformedOperation, op.ID)
		}
		if op.ID.Counter+op.Len() < op.ID.Counter {
			return fmt.Errorf("%w: insert %v overflows counter", ErrMalformedOperation, op.ID)
		}
		for _, ref := range []*Stamp{op.Origin, op.RightOrigin} {
			if ref != nil && ref.Replica == op.ID.Replica && ref.Counter >= op.ID.Counter {
				return fmt.Errorf("%w: insert %v references later stamp %v", ErrMalformedOperation, op.ID, *ref)
			}
		}
		if op.Origin != nil && op.RightOrigin != nil && *op.Origin == *op.RightOrigin {
			return fmt.Errorf("%w: insert %v has identical origins", ErrMalformedOperation, op.ID)
		}
		if len(op.Targets) != 0 {
			return fmt.Errorf("%w: insert %v carries delete targets", ErrMalformedOperation, op.ID)
		}
	case OpDelete:
		if len(op.Targets) == 0 {
			return fmt.Errorf("%w: delete %v has no targets", ErrMalformedOperation, op.ID)
		}
		for _, t := range op.Targets {
			if t.Len == 0 || t.End() < t.Start.Counter {
				return fmt.Errorf("%w: delete %v has invalid span %v+%d", ErrMalformedOperation, op.ID, t.Start, t.Len)
			}
			if t.Start.Replica == op.ID.Replica && t.End() > op.ID.Counter {
				return fmt.Errorf("%w: delete %v targets later stamp %v", ErrMalformedOperation, op.ID, t.Start)
			}
		}
		if op.Text != "" || op.Origin != nil || op.RightOrigin != nil {
			return fmt.Errorf("%w: delete %v carries insert fields", ErrMalformedOperation, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedOperation, op.Kind)
	}
	return nil
}

// Delta is an ordered batch of operations plus the state vector it was
// generated against.
type Delta struct {
	Since StateVector
	Ops   []Operation
}

// Empty reports whether the delta carries no operations.
func (d Delta) Empty() bool {
	return len(d.Ops) == 0
}

// Event is delivered to observers once per mutation batch.
type Event struct {
	// Local is true for edits made through Insert, Delete, Replace or
	// Transact on this replica.
	Local bool
	// Since is the state vector before the batch was applied.
	Since StateVector
	// Ops holds the operations integrated by the batch, in order.
	Ops []Operation
}

// Delta returns the batch as a delta suitable for broadcasting.
func (e Event) Delta() Delta {
	return Delta{Since: e.Since, Ops: e.Ops}
}

func stampPtr(s Stamp) *Stamp {
	return &s
}
