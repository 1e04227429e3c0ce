package crdt

import (
	"fmt"
	"sort"
)

// ReplicaID identifies one replica of a document. Ids are compared
// numerically when concurrent inserts need a deterministic order.
type ReplicaID uint64

// Stamp is the origin stamp of a single rune or operation: the replica
// that created it and that replica's counter at the time.
type Stamp struct {
	Replica ReplicaID
	Counter uint64
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d:%d", s.Replica, s.Counter)
}

// StateVector maps every known replica to the next counter expected from
// it, i.e. one past the highest counter seen.
type StateVector map[ReplicaID]uint64

// Covers reports whether the stamp is already reflected in the vector.
func (sv StateVector) Covers(s Stamp) bool {
	return s.Counter < sv[s.Replica]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for r, c := range sv {
		out[r] = c
	}
	return out
}

// Merge raises every entry of sv to at least the value in other.
func (sv StateVector) Merge(other StateVector) {
	for r, c := range other {
		if sv[r] < c {
			sv[r] = c
		}
	}
}

// Replicas returns the replica ids in ascending order.
func (sv StateVector) Replicas() []ReplicaID {
	ids := make([]ReplicaID, 0, len(sv))
	for r := range sv {
		ids = append(ids, r)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Equal reports whether both vectors describe the same set of operations.
// Missing entries count as zero.
func (sv StateVector) Equal(other StateVector) bool {
	for r, c := range sv {
		if other[r] != c {
			return false
		}
	}
	for r, c := range other {
		if sv[r] != c {
			return false
		}
	}
	return true
}

// Dominates reports whether sv has seen every operation other has.
func (sv StateVector) Dominates(other StateVector) bool {
	for r, c := range other {
		if sv[r] < c {
			return false
		}
	}
	return true
}
