package codec

import (
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ssau-fiit/cloudocs-collab/crdt"
)

// Field numbers of the delta message.
const (
	deltaVersion protowire.Number = 1
	deltaSince   protowire.Number = 2
	deltaOp      protowire.Number = 3
)

// Field numbers of the state vector message.
const (
	vectorVersion protowire.Number = 1
	vectorEntry   protowire.Number = 2
)

// Field numbers shared by stamps, vector entries and spans.
const (
	stampReplica protowire.Number = 1
	stampCounter protowire.Number = 2
	spanLen      protowire.Number = 3
)

// Field numbers of an operation.
const (
	opKind        protowire.Number = 1
	opReplica     protowire.Number = 2
	opCounter     protowire.Number = 3
	opOrigin      protowire.Number = 4
	opRightOrigin protowire.Number = 5
	opText        protowire.Number = 6
	opTarget      protowire.Number = 7
)

// EncodeStateAsDelta returns every operation of doc not reflected in since.
// An empty vector yields a full snapshot.
func EncodeStateAsDelta(doc *crdt.Document, since crdt.StateVector) []byte {
	return EncodeDelta(doc.DeltaSince(since))
}

// EncodeDelta serializes a delta.
func EncodeDelta(d crdt.Delta) []byte {
	b := appendVarintField(nil, deltaVersion, Version)
	b = appendBytesField(b, deltaSince, EncodeStateVector(d.Since))
	for _, op := range d.Ops {
		b = appendBytesField(b, deltaOp, appendOp(nil, op))
	}
	return b
}

// Decode parses a delta payload into its ordered operations.
func Decode(b []byte) ([]crdt.Operation, error) {
	d, err := DecodeDelta(b)
	if err != nil {
		return nil, err
	}
	return d.Ops, nil
}

// DecodeDelta parses a delta payload. Any truncation, version mismatch or
// invalid field yields a *MalformedDeltaError and no operations.
func DecodeDelta(b []byte) (crdt.Delta, error) {
	var (
		d          crdt.Delta
		hasVersion bool
	)
	err := walk(b, 0, func(f field) error {
		switch f.num {
		case deltaVersion:
			v, err := f.varint()
			if err != nil {
				return err
			}
			if v != Version {
				return malformed(f.off, "unsupported version", nil)
			}
			hasVersion = true
		case deltaSince:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			sv, err := decodeStateVector(raw, fieldBase(f))
			if err != nil {
				return err
			}
			d.Since = sv
		case deltaOp:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			op, err := decodeOp(raw, fieldBase(f))
			if err != nil {
				return err
			}
			d.Ops = append(d.Ops, op)
		}
		return nil
	})
	if err != nil {
		return crdt.Delta{}, err
	}
	if !hasVersion {
		return crdt.Delta{}, malformed(0, "missing version", nil)
	}
	if d.Since == nil {
		d.Since = crdt.StateVector{}
	}
	return d, nil
}

// EncodeStateVector serializes a state vector in ascending replica order.
func EncodeStateVector(sv crdt.StateVector) []byte {
	b := appendVarintField(nil, vectorVersion, Version)
	for _, r := range sv.Replicas() {
		entry := appendVarintField(nil, stampReplica, uint64(r))
		entry = appendVarintField(entry, stampCounter, sv[r])
		b = appendBytesField(b, vectorEntry, entry)
	}
	return b
}

// DecodeStateVector parses a payload written by EncodeStateVector.
func DecodeStateVector(b []byte) (crdt.StateVector, error) {
	return decodeStateVector(b, 0)
}

func decodeStateVector(b []byte, base int) (crdt.StateVector, error) {
	sv := make(crdt.StateVector)
	hasVersion := false
	err := walk(b, base, func(f field) error {
		switch f.num {
		case vectorVersion:
			v, err := f.varint()
			if err != nil {
				return err
			}
			if v != Version {
				return malformed(f.off, "unsupported state vector version", nil)
			}
			hasVersion = true
		case vectorEntry:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			s, err := decodeStamp(raw, fieldBase(f))
			if err != nil {
				return err
			}
			if s.Counter > sv[s.Replica] {
				sv[s.Replica] = s.Counter
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasVersion {
		return nil, malformed(base, "state vector missing version", nil)
	}
	return sv, nil
}

func appendStamp(b []byte, s crdt.Stamp) []byte {
	b = appendVarintField(b, stampReplica, uint64(s.Replica))
	return appendVarintField(b, stampCounter, s.Counter)
}

func decodeStamp(b []byte, base int) (crdt.Stamp, error) {
	var s crdt.Stamp
	err := walk(b, base, func(f field) error {
		switch f.num {
		case stampReplica:
			v, err := f.varint()
			s.Replica = crdt.ReplicaID(v)
			return err
		case stampCounter:
			v, err := f.varint()
			s.Counter = v
			return err
		}
		return nil
	})
	return s, err
}

func appendOp(b []byte, op crdt.Operation) []byte {
	b = appendVarintField(b, opKind, uint64(op.Kind))
	b = appendVarintField(b, opReplica, uint64(op.ID.Replica))
	b = appendVarintField(b, opCounter, op.ID.Counter)
	if op.Origin != nil {
		b = appendBytesField(b, opOrigin, appendStamp(nil, *op.Origin))
	}
	if op.RightOrigin != nil {
		b = appendBytesField(b, opRightOrigin, appendStamp(nil, *op.RightOrigin))
	}
	if op.Text != "" {
		b = appendStringField(b, opText, op.Text)
	}
	for _, t := range op.Targets {
		span := appendStamp(nil, t.Start)
		span = appendVarintField(span, spanLen, t.Len)
		b = appendBytesField(b, opTarget, span)
	}
	return b
}

func decodeOp(b []byte, base int) (crdt.Operation, error) {
	var op crdt.Operation
	err := walk(b, base, func(f field) error {
		switch f.num {
		case opKind:
			v, err := f.varint()
			if err != nil {
				return err
			}
			if v > 0xff {
				return malformed(f.off, "operation kind out of range", nil)
			}
			op.Kind = crdt.OpKind(v)
		case opReplica:
			v, err := f.varint()
			op.ID.Replica = crdt.ReplicaID(v)
			return err
		case opCounter:
			v, err := f.varint()
			op.ID.Counter = v
			return err
		case opOrigin, opRightOrigin:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			s, err := decodeStamp(raw, fieldBase(f))
			if err != nil {
				return err
			}
			if f.num == opOrigin {
				op.Origin = &s
			} else {
				op.RightOrigin = &s
			}
		case opText:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			if !utf8.Valid(raw) {
				return malformed(f.off, "insert text is not utf-8", nil)
			}
			op.Text = string(raw)
		case opTarget:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			span, err := decodeSpan(raw, fieldBase(f))
			if err != nil {
				return err
			}
			op.Targets = append(op.Targets, span)
		}
		return nil
	})
	return op, err
}

func decodeSpan(b []byte, base int) (crdt.Span, error) {
	var span crdt.Span
	err := walk(b, base, func(f field) error {
		var err error
		switch f.num {
		case stampReplica:
			var v uint64
			v, err = f.varint()
			span.Start.Replica = crdt.ReplicaID(v)
		case stampCounter:
			span.Start.Counter, err = f.varint()
		case spanLen:
			span.Len, err = f.varint()
		}
		return err
	})
	return span, err
}
