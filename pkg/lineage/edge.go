package lineage

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// EdgeKind is the relationship an edge expresses. The built-in kinds are
// maintained by the engine; callers add their own relationships with
// [Custom].
type EdgeKind string

const (
	// Follows links consecutive interactions within a session, in
	// insertion order.
	Follows EdgeKind = "follows"

	// RespondsTo links a response to the prompt that produced it.
	RespondsTo EdgeKind = "responds_to"

	// HandledBy links a prompt or response to its session.
	HandledBy EdgeKind = "handled_by"

	// PartOf is an alias of HandledBy. It is accepted in filters and never
	// stored under its own name.
	PartOf EdgeKind = "part_of"
)

const customPrefix = "x:"

// Custom returns the kind for a caller-defined relationship. Custom kinds
// never collide with built-in ones, even when name equals a built-in name.
func Custom(name string) EdgeKind {
	return EdgeKind(customPrefix + name)
}

// IsCustom reports whether k was created with [Custom].
func (k EdgeKind) IsCustom() bool {
	return strings.HasPrefix(string(k), customPrefix)
}

// CustomName returns the caller-supplied name of a custom kind, or "".
func (k EdgeKind) CustomName() string {
	if !k.IsCustom() {
		return ""
	}
	return string(k[len(customPrefix):])
}

// Canonical resolves aliases: PartOf becomes HandledBy.
func (k EdgeKind) Canonical() EdgeKind {
	if k == PartOf {
		return HandledBy
	}
	return k
}

// Validate reports whether k is a built-in kind or a well-formed custom kind.
// Custom names must be non-empty and free of control characters, which are
// reserved by the storage key encoding.
func (k EdgeKind) Validate() error {
	switch k {
	case Follows, RespondsTo, HandledBy, PartOf:
		return nil
	}
	if !k.IsCustom() {
		return fmt.Errorf("%w: unknown edge kind %q", ErrInvalidArgument, string(k))
	}
	name := k.CustomName()
	if name == "" {
		return fmt.Errorf("%w: empty custom edge kind", ErrInvalidArgument)
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: custom edge kind %q contains control characters", ErrInvalidArgument, name)
	}
	return nil
}

// ParseEdgeKind parses the textual form of a kind. Built-in names map to
// built-in kinds; anything else is treated as a custom name, with or
// without the "x:" prefix.
func ParseEdgeKind(s string) (EdgeKind, error) {
	k := EdgeKind(s)
	switch k {
	case Follows, RespondsTo, HandledBy, PartOf:
		return k, nil
	}
	if !k.IsCustom() {
		k = Custom(s)
	}
	return k, k.Validate()
}

// Edge is a directed, immutable relationship between two nodes.
type Edge struct {
	ID        EdgeID    `json:"id"`
	From      NodeID    `json:"from"`
	To        NodeID    `json:"to"`
	Kind      EdgeKind  `json:"kind"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the edge invariants: non-zero ids, a valid kind and no
// self-loop.
func (e *Edge) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil edge", ErrInvalidArgument)
	}
	if e.ID.IsZero() || e.From.IsZero() || e.To.IsZero() {
		return fmt.Errorf("%w: edge has zero id or endpoint", ErrInvalidArgument)
	}
	if e.From == e.To {
		return fmt.Errorf("%w: self-loop on node %s", ErrInvalidArgument, e.From)
	}
	return e.Kind.Validate()
}

// Link returns the index record for e.
func (e *Edge) Link() Link {
	return Link{Edge: e.ID, Kind: e.Kind, From: e.From, To: e.To, Seq: e.Seq}
}

// Link is an edge as seen from the outgoing or incoming index: enough to
// step to the neighbour without loading the edge record.
type Link struct {
	Edge EdgeID   `json:"edge"`
	Kind EdgeKind `json:"kind"`
	From NodeID   `json:"from"`
	To   NodeID   `json:"to"`
	Seq  uint64   `json:"seq"`
}

// Peer returns the endpoint of l that is not id.
func (l Link) Peer(id NodeID) NodeID {
	if l.From == id {
		return l.To
	}
	return l.From
}
