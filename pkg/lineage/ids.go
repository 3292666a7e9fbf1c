// Package lineage defines the data model of the lineage graph: typed
// identifiers, the closed set of node variants (prompt, response, session),
// edge kinds, engine configuration and the error taxonomy shared by the
// storage, engine and query packages.
//
// The package performs no I/O. See package engine for the façade that
// persists this model and package query for filtered reads and traversal.
package lineage

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies a node (prompt, response or session root).
type NodeID uuid.UUID

// SessionID identifies a session. A session's root node is stored under
// the NodeID with the same bits, see [SessionID.Node].
type SessionID uuid.UUID

// EdgeID identifies an edge.
type EdgeID uuid.UUID

// TemplateID identifies a prompt template that prompts may be derived from.
type TemplateID uuid.UUID

// NewNodeID returns a fresh random NodeID.
func NewNodeID() NodeID { return NodeID(uuid.New()) }

// NewSessionID returns a fresh random SessionID.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

// NewEdgeID returns a fresh random EdgeID.
func NewEdgeID() EdgeID { return EdgeID(uuid.New()) }

// NewTemplateID returns a fresh random TemplateID.
func NewTemplateID() TemplateID { return TemplateID(uuid.New()) }

func (id NodeID) String() string     { return uuid.UUID(id).String() }
func (id SessionID) String() string  { return uuid.UUID(id).String() }
func (id EdgeID) String() string     { return uuid.UUID(id).String() }
func (id TemplateID) String() string { return uuid.UUID(id).String() }

func (id NodeID) IsZero() bool     { return id == NodeID{} }
func (id SessionID) IsZero() bool  { return id == SessionID{} }
func (id EdgeID) IsZero() bool     { return id == EdgeID{} }
func (id TemplateID) IsZero() bool { return id == TemplateID{} }

// Node returns the NodeID of the session's root node.
func (id SessionID) Node() NodeID { return NodeID(id) }

// Session reinterprets a session root's NodeID as its SessionID. Only
// meaningful when the node is known to be a session root.
func (id NodeID) Session() SessionID { return SessionID(id) }

// ParseNodeID parses the canonical string form of a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	u, err := parseUUID("node", s)
	return NodeID(u), err
}

// ParseSessionID parses the canonical string form of a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID("session", s)
	return SessionID(u), err
}

// ParseEdgeID parses the canonical string form of an EdgeID.
func ParseEdgeID(s string) (EdgeID, error) {
	u, err := parseUUID("edge", s)
	return EdgeID(u), err
}

// ParseTemplateID parses the canonical string form of a TemplateID.
func ParseTemplateID(s string) (TemplateID, error) {
	u, err := parseUUID("template", s)
	return TemplateID(u), err
}

func parseUUID(what, s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: %s id %q: %v", ErrInvalidArgument, what, s, err)
	}
	return u, nil
}

func (id NodeID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id SessionID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id EdgeID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id TemplateID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *NodeID) UnmarshalText(b []byte) (err error) {
	*id, err = ParseNodeID(string(b))
	return err
}

func (id *SessionID) UnmarshalText(b []byte) (err error) {
	*id, err = ParseSessionID(string(b))
	return err
}

func (id *EdgeID) UnmarshalText(b []byte) (err error) {
	*id, err = ParseEdgeID(string(b))
	return err
}

func (id *TemplateID) UnmarshalText(b []byte) (err error) {
	*id, err = ParseTemplateID(string(b))
	return err
}
