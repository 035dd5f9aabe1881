package changes

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// ChangeType enumerates the supported edit operations.
type ChangeType string

const (
	// ChangeTypeInsert splices content into the document.
	ChangeTypeInsert ChangeType = "insert"
	// ChangeTypeDelete removes a run of characters.
	ChangeTypeDelete ChangeType = "delete"
	// ChangeTypeRetain leaves the document untouched.
	ChangeTypeRetain ChangeType = "retain"
)

// Operation is the edit carried by a DocumentChange. It is implemented only by
// Insert, Delete and Retain.
type Operation interface {
	Type() ChangeType
	// Pos is the offset, in characters, the operation was authored against.
	Pos() int
	// Span is the number of characters the operation affects.
	Span() int
	withPosition(position int) Operation
}

// Insert splices Content at Position.
type Insert struct {
	Position int
	Content  string
}

func (op Insert) Type() ChangeType { return ChangeTypeInsert }
func (op Insert) Pos() int         { return op.Position }
func (op Insert) Span() int        { return utf8.RuneCountInString(op.Content) }

func (op Insert) withPosition(position int) Operation {
	op.Position = position
	return op
}

// Delete removes Length characters starting at Position.
type Delete struct {
	Position int
	Length   int
}

func (op Delete) Type() ChangeType { return ChangeTypeDelete }
func (op Delete) Pos() int         { return op.Position }
func (op Delete) Span() int        { return op.Length }

func (op Delete) withPosition(position int) Operation {
	op.Position = position
	return op
}

// Retain is a no-op placeholder.
type Retain struct {
	Position int
}

func (op Retain) Type() ChangeType { return ChangeTypeRetain }
func (op Retain) Pos() int         { return op.Position }
func (op Retain) Span() int        { return 0 }

func (op Retain) withPosition(position int) Operation {
	op.Position = position
	return op
}

// ValidateOperation enforces the per-variant invariants.
func ValidateOperation(op Operation) error {
	if op == nil {
		return fmt.Errorf("%w: missing operation", ErrInvalidOperation)
	}
	if op.Pos() < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Pos())
	}
	if del, ok := op.(Delete); ok && del.Length <= 0 {
		return fmt.Errorf("%w: delete length must be positive, got %d", ErrInvalidOperation, del.Length)
	}
	return nil
}

// DocumentChange is an atomic edit plus its ordering metadata.
type DocumentChange struct {
	ID         string
	DocumentID DocumentID
	Author     UserID
	Timestamp  time.Time
	Op         Operation
}

// Type returns the variant of the carried operation.
func (c DocumentChange) Type() ChangeType {
	if c.Op == nil {
		return ""
	}
	return c.Op.Type()
}

// Position returns the operation offset.
func (c DocumentChange) Position() int {
	if c.Op == nil {
		return 0
	}
	return c.Op.Pos()
}

// Span returns the number of characters the operation affects.
func (c DocumentChange) Span() int {
	if c.Op == nil {
		return 0
	}
	return c.Op.Span()
}

// Range returns the half-open affected range [start, end).
func (c DocumentChange) Range() (int, int) {
	start := c.Position()
	return start, start + c.Span()
}

// WithPosition returns a copy of the change moved to position.
func (c DocumentChange) WithPosition(position int) DocumentChange {
	if c.Op == nil {
		return c
	}
	c.Op = c.Op.withPosition(position)
	return c
}

// Validate checks identifiers and the operation invariants.
func (c DocumentChange) Validate() error {
	if _, err := NewDocumentID(c.DocumentID.String()); err != nil {
		return err
	}
	if _, err := NewUserID(c.Author.String()); err != nil {
		return err
	}
	return ValidateOperation(c.Op)
}

type wireChange struct {
	ID         string     `json:"id"`
	Type       ChangeType `json:"type"`
	Position   int        `json:"position"`
	Content    string     `json:"content,omitempty"`
	Length     int        `json:"length,omitempty"`
	Author     string     `json:"author"`
	Timestamp  time.Time  `json:"timestamp"`
	DocumentID string     `json:"documentId"`
}

// MarshalJSON flattens the operation variant into the wire shape.
func (c DocumentChange) MarshalJSON() ([]byte, error) {
	wire := wireChange{
		ID:         c.ID,
		Type:       c.Type(),
		Position:   c.Position(),
		Author:     c.Author.String(),
		Timestamp:  c.Timestamp,
		DocumentID: c.DocumentID.String(),
	}
	switch op := c.Op.(type) {
	case Insert:
		wire.Content = op.Content
	case Delete:
		wire.Length = op.Length
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the wire shape and rejects operations that break their
// variant invariants. Identifiers are not required here.
func (c *DocumentChange) UnmarshalJSON(data []byte) error {
	var wire wireChange
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var op Operation
	switch wire.Type {
	case ChangeTypeInsert:
		op = Insert{Position: wire.Position, Content: wire.Content}
	case ChangeTypeDelete:
		op = Delete{Position: wire.Position, Length: wire.Length}
	case ChangeTypeRetain:
		op = Retain{Position: wire.Position}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, wire.Type)
	}
	if err := ValidateOperation(op); err != nil {
		return err
	}
	*c = DocumentChange{
		ID:         wire.ID,
		DocumentID: DocumentID(wire.DocumentID),
		Author:     UserID(wire.Author),
		Timestamp:  wire.Timestamp,
		Op:         op,
	}
	return nil
}
