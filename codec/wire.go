package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Version is the wire format version written into every delta and state
// vector.
const Version = 1

// ErrMalformedDelta matches every *MalformedDeltaError through errors.Is.
var ErrMalformedDelta = errors.New("malformed delta")

// MalformedDeltaError describes a payload that could not be decoded.
// Receivers must drop the payload and resynchronise.
type MalformedDeltaError struct {
	Reason string
	Offset int
	Err    error
}

func (e *MalformedDeltaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed delta at byte %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed delta at byte %d: %s", e.Offset, e.Reason)
}

func (e *MalformedDeltaError) Unwrap() error { return e.Err }

func (e *MalformedDeltaError) Is(target error) bool { return target == ErrMalformedDelta }

func malformed(off int, reason string, err error) error {
	return &MalformedDeltaError{Reason: reason, Offset: off, Err: err}
}

// field is one decoded protowire field. off is the absolute offset of the
// field's tag in the outermost payload.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
	off int
}

func (f field) varint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, malformed(f.off, fmt.Sprintf("field %d: want varint", f.num), nil)
	}
	return f.u, nil
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, malformed(f.off, fmt.Sprintf("field %d: want bytes", f.num), nil)
	}
	return f.b, nil
}

// walk calls visit for each field of a message. Fields of wire types other
// than varint and bytes are skipped.
func walk(b []byte, base int, visit func(f field) error) error {
	for off := 0; off < len(b); {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return malformed(base+off, "bad tag", protowire.ParseError(n))
		}
		f := field{num: num, typ: typ, off: base + off}
		off += n

		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b[off:])
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b[off:])
		default:
			n = protowire.ConsumeFieldValue(num, typ, b[off:])
		}
		if n < 0 {
			return malformed(base+off, fmt.Sprintf("field %d truncated", num), protowire.ParseError(n))
		}
		off += n

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

// fieldBase returns the absolute offset of a nested bytes field's payload.
func fieldBase(f field) int {
	return f.off + protowire.SizeTag(f.num) + protowire.SizeVarint(uint64(len(f.b)))
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
