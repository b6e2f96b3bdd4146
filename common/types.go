// Package common holds the wire message types exchanged over the broadcast
// channel. Every message is a JSON object with a "type" discriminator.
package common

import (
	"encoding/json"
	"fmt"

	"github.com/asadovsky/coedit/ot"
)

// MsgType is used for detecting the incoming message type.
type MsgType struct {
	Type string `json:"type"`
}

// Operation carries one edit. Broadcast by the issuing participant and echoed
// back by the channel; the echo doubles as the round-trip confirmation.
type Operation struct {
	Type     string `json:"type"` // "operation"
	DocID    string `json:"doc_id"`
	ActorID  string `json:"actor_id"`
	Kind     string `json:"kind"` // "insert", "delete", "format", "move"
	Position int    `json:"position"`
	Payload  string `json:"payload,omitempty"` // inserted text or format attribute
	Length   int    `json:"length,omitempty"`  // deleted span
	To       int    `json:"to,omitempty"`      // move target
	Seq      uint64 `json:"seq"`
	Base     uint64 `json:"base"`
	IssuedAt int64  `json:"issued_at"`
}

// Selection is a visible selection range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CursorMove is consumed for conflict-participant display only; it never
// feeds reconciliation.
type CursorMove struct {
	Type      string     `json:"type"` // "cursor_move"
	DocID     string     `json:"doc_id"`
	ActorID   string     `json:"actor_id"`
	Offset    int        `json:"offset"`
	Selection *Selection `json:"selection,omitempty"`
}

// Lock toggles the advisory editor lock. It discourages concurrent typing but
// is never enforced by the engine.
type Lock struct {
	Type    string `json:"type"` // "lock"
	DocID   string `json:"doc_id"`
	ActorID string `json:"actor_id"`
	Locked  bool   `json:"locked"`
}

// Snapshot is sent to a joining participant when the relay has a stored copy
// of the document.
type Snapshot struct {
	Type  string `json:"type"` // "snapshot"
	DocID string `json:"doc_id"`
	Text  string `json:"text"`
}

// FromOp builds the wire form of op.
func FromOp(docID string, op ot.Op) Operation {
	return Operation{
		Type:     "operation",
		DocID:    docID,
		ActorID:  op.Actor,
		Kind:     op.Kind.String(),
		Position: op.Pos,
		Payload:  op.Value,
		Length:   op.Len,
		To:       op.To,
		Seq:      op.Seq,
		Base:     op.Base,
		IssuedAt: op.Time,
	}
}

// Op converts the wire form back to an ot.Op.
func (m Operation) Op() (ot.Op, error) {
	kind, err := ot.KindFromString(m.Kind)
	if err != nil {
		return ot.Op{}, err
	}
	return ot.Op{
		Kind:  kind,
		Pos:   m.Position,
		Value: m.Payload,
		Len:   m.Length,
		To:    m.To,
		Actor: m.ActorID,
		Seq:   m.Seq,
		Base:  m.Base,
		Time:  m.IssuedAt,
	}, nil
}

// Decode sniffs the type discriminator and unmarshals the concrete message:
// *Operation, *CursorMove, *Lock, or *Snapshot.
func Decode(buf []byte) (interface{}, error) {
	var mt MsgType
	if err := json.Unmarshal(buf, &mt); err != nil {
		return nil, err
	}
	switch mt.Type {
	case "operation":
		var msg Operation
		if err := json.Unmarshal(buf, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case "cursor_move":
		var msg CursorMove
		if err := json.Unmarshal(buf, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case "lock":
		var msg Lock
		if err := json.Unmarshal(buf, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case "snapshot":
		var msg Snapshot
		if err := json.Unmarshal(buf, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", mt.Type)
	}
}
