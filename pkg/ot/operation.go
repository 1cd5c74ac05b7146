// Package ot implements the operational-transform algebra used by both the
// server reconciliation protocol and the client pending-operation buffer:
// apply, pairwise transform, batch transform, compose and text diffing.
//
// All functions are pure; positions are byte offsets into the document as it
// was *before* the operation is applied. An operation is meaningless without
// the document version it was produced against.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRangeViolation indicates an operation whose position or length falls
// outside the current document bounds. It is never silently clamped: a range
// violation after transform means a broken peer or an algebra bug, and
// clamping would break convergence.
var ErrRangeViolation = errors.New("operation out of document range")

// Op is a single text operation. The set of implementations is closed:
// Insert, Delete and Retain.
type Op interface {
	isOp()
}

// Insert places Text at byte offset Pos.
type Insert struct {
	Text string
	Pos  int
}

// Delete removes Len bytes starting at byte offset Pos.
type Delete struct {
	Pos int
	Len int
}

// Retain is the identity operation. It is produced as the neutral result of
// transforms (e.g. a delete fully subsumed by a concurrent delete) and never
// comes out of diffing except to express "nothing left to do".
type Retain struct {
	Len int
}

func (Insert) isOp() {}
func (Delete) isOp() {}
func (Retain) isOp() {}

// Batch is an ordered sequence of operations produced from one edit event.
// Operations apply left to right; each subsequent position is interpreted
// against the document as mutated by the prior operations of the same batch.
type Batch []Op

// Apply applies a single operation to doc and returns the new document.
func Apply(doc string, op Op) (string, error) {
	switch o := op.(type) {
	case Insert:
		if o.Pos < 0 || o.Pos > len(doc) {
			return "", fmt.Errorf("insert at %d, document length %d: %w", o.Pos, len(doc), ErrRangeViolation)
		}
		return doc[:o.Pos] + o.Text + doc[o.Pos:], nil
	case Delete:
		if o.Pos < 0 || o.Len < 0 || o.Pos+o.Len > len(doc) {
			return "", fmt.Errorf("delete [%d,%d), document length %d: %w", o.Pos, o.Pos+o.Len, len(doc), ErrRangeViolation)
		}
		return doc[:o.Pos] + doc[o.Pos+o.Len:], nil
	case Retain:
		// Retain ничего не меняет; длина не проверяется.
		return doc, nil
	default:
		return "", fmt.Errorf("unknown operation type %T", op)
	}
}

// ApplyBatch left-folds Apply over the batch.
func ApplyBatch(doc string, batch Batch) (string, error) {
	var err error
	for _, op := range batch {
		if doc, err = Apply(doc, op); err != nil {
			return "", err
		}
	}
	return doc, nil
}

// IsNoop reports whether op changes nothing when applied.
func IsNoop(op Op) bool {
	switch o := op.(type) {
	case Insert:
		return o.Text == ""
	case Delete:
		return o.Len == 0
	case Retain:
		return true
	default:
		return false
	}
}

// Wire encoding mirrors the JSON the protocol has always used:
//
//	{"type":"insert","position":5,"char":"x"}
//	{"type":"delete","position":5,"length":3}
//	{"type":"retain","length":5}
type opEnvelope struct {
	Type     string `json:"type"`
	Char     string `json:"char,omitempty"`
	Position int    `json:"position"`
	Length   int    `json:"length"`
}

const (
	opTypeInsert = "insert"
	opTypeDelete = "delete"
	opTypeRetain = "retain"
)

// MarshalJSON encodes the batch in the wire format.
func (b Batch) MarshalJSON() ([]byte, error) {
	envs := make([]opEnvelope, len(b))
	for i, op := range b {
		switch o := op.(type) {
		case Insert:
			envs[i] = opEnvelope{Type: opTypeInsert, Position: o.Pos, Char: o.Text}
		case Delete:
			envs[i] = opEnvelope{Type: opTypeDelete, Position: o.Pos, Length: o.Len}
		case Retain:
			envs[i] = opEnvelope{Type: opTypeRetain, Length: o.Len}
		default:
			return nil, fmt.Errorf("unknown operation type %T", op)
		}
	}
	return json.Marshal(envs)
}

// UnmarshalJSON decodes the wire format, rejecting unknown operation types.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var envs []opEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return err
	}
	batch := make(Batch, len(envs))
	for i, env := range envs {
		switch env.Type {
		case opTypeInsert:
			batch[i] = Insert{Pos: env.Position, Text: env.Char}
		case opTypeDelete:
			batch[i] = Delete{Pos: env.Position, Len: env.Length}
		case opTypeRetain:
			batch[i] = Retain{Len: env.Length}
		default:
			return fmt.Errorf("unknown operation type %q", env.Type)
		}
	}
	*b = batch
	return nil
}

// Clone returns a copy of the batch. Ops are values, so the shallow copy is
// enough to protect the original from later in-place transforms.
func (b Batch) Clone() Batch {
	out := make(Batch, len(b))
	copy(out, b)
	return out
}
