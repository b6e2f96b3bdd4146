// Package ot implements operational transformation over plain text buffers:
// an operation model with actor attribution, a compact string codec, a
// clamping applier, and transform rules that re-base concurrent operations.
package ot

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the operation variants.
type Kind int

const (
	Insert Kind = iota
	Delete
	// Format and Move never mutate the buffer but still participate in
	// ordering and conflict analysis, as zero-length markers.
	Format
	Move
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Format:
		return "format"
	case Move:
		return "move"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindFromString is the inverse of Kind.String.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "insert":
		return Insert, nil
	case "delete":
		return Delete, nil
	case "format":
		return Format, nil
	case "move":
		return Move, nil
	}
	return 0, fmt.Errorf("unknown op kind %q", s)
}

// Op is an atomic edit descriptor. Pos is a zero-based byte offset into the
// buffer as the issuing actor last observed it.
type Op struct {
	Kind Kind
	Pos  int
	// Value holds the inserted text (Insert) or attribute name (Format).
	Value string
	// Len is the deleted span length (Delete).
	Len int
	// To is the target offset (Move).
	To int

	// Actor identifies the issuing participant. Insert-insert ties at the
	// same position are broken by actor id, never by timestamp, so that all
	// replicas converge identically.
	Actor string
	// Seq is the actor-local sequence number, used for echo confirmation and
	// duplicate suppression on an at-least-once channel.
	Seq uint64
	// Base is the number of broadcast operations the issuing actor had
	// observed when the op was issued. Receivers re-base the op against
	// everything broadcast after that point.
	Base uint64
	// Time is an HLC timestamp, for tie-break display only.
	Time int64
}

// Encode returns the compact encoding, e.g. "i,4,foo" or "d,2,3".
func (op Op) Encode() string {
	switch op.Kind {
	case Insert:
		return fmt.Sprintf("i,%d,%s", op.Pos, op.Value)
	case Delete:
		return fmt.Sprintf("d,%d,%d", op.Pos, op.Len)
	case Format:
		return fmt.Sprintf("f,%d,%s", op.Pos, op.Value)
	case Move:
		return fmt.Sprintf("m,%d,%d", op.Pos, op.To)
	}
	return ""
}

// DecodeOp returns an Op given an encoded op. Attribution fields are not part
// of the compact encoding; they travel in the wire envelope.
func DecodeOp(s string) (Op, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) < 3 {
		return Op{}, fmt.Errorf("failed to parse op: %s", s)
	}
	pos, err := strconv.Atoi(parts[1])
	if err != nil {
		return Op{}, err
	}
	switch parts[0] {
	case "i":
		return Op{Kind: Insert, Pos: pos, Value: parts[2]}, nil
	case "d":
		length, err := strconv.Atoi(parts[2])
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: Delete, Pos: pos, Len: length}, nil
	case "f":
		return Op{Kind: Format, Pos: pos, Value: parts[2]}, nil
	case "m":
		to, err := strconv.Atoi(parts[2])
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: Move, Pos: pos, To: to}, nil
	default:
		return Op{}, fmt.Errorf("unknown op type: %s", parts[0])
	}
}

func EncodeOps(ops []Op) []string {
	strs := make([]string, len(ops))
	for i, v := range ops {
		strs[i] = v.Encode()
	}
	return strs
}

func DecodeOps(strs []string) ([]Op, error) {
	ops := make([]Op, len(strs))
	for i, v := range strs {
		op, err := DecodeOp(v)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return ops, nil
}

// Apply splices op into buf and returns the new buffer, the inverse op, and
// whether the buffer changed. Positions are clamped to the buffer bounds and
// delete spans are truncated; Apply never fails. By the time an op reaches
// Apply it has been transformed, and bounds drift is expected under high
// concurrency.
func Apply(buf string, op Op) (string, Op, bool) {
	switch op.Kind {
	case Insert:
		pos := clamp(op.Pos, 0, len(buf))
		inv := Op{Kind: Delete, Pos: pos, Len: len(op.Value), Actor: op.Actor}
		return buf[:pos] + op.Value + buf[pos:], inv, len(op.Value) > 0
	case Delete:
		pos := clamp(op.Pos, 0, len(buf))
		end := clamp(op.Pos+op.Len, pos, len(buf))
		inv := Op{Kind: Insert, Pos: pos, Value: buf[pos:end], Actor: op.Actor}
		return buf[:pos] + buf[end:], inv, end > pos
	default:
		// Markers leave the buffer untouched and invert to themselves.
		return buf, op, false
	}
}

// ApplyAll applies ops in order, discarding inverses.
func ApplyAll(buf string, ops []Op) string {
	for _, op := range ops {
		buf, _, _ = Apply(buf, op)
	}
	return buf
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
