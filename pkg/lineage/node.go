package lineage

import (
	"fmt"
	"maps"
	"time"
)

// NodeKind discriminates the node variants.
type NodeKind uint8

const (
	KindPrompt NodeKind = iota + 1
	KindResponse
	KindSession
)

// String returns the lower-case kind name used in JSON and CLI flags.
func (k NodeKind) String() string {
	switch k {
	case KindPrompt:
		return "prompt"
	case KindResponse:
		return "response"
	case KindSession:
		return "session"
	default:
		return fmt.Sprintf("NodeKind(%d)", uint8(k))
	}
}

// ParseNodeKind parses a kind name as returned by [NodeKind.String].
func ParseNodeKind(s string) (NodeKind, error) {
	switch s {
	case "prompt":
		return KindPrompt, nil
	case "response":
		return KindResponse, nil
	case "session":
		return KindSession, nil
	default:
		return 0, fmt.Errorf("%w: unknown node kind %q", ErrInvalidArgument, s)
	}
}

// Metadata is free-form caller metadata attached to a node.
type Metadata map[string]string

// Clone returns a copy of m. Clone of nil is nil.
func (m Metadata) Clone() Metadata {
	return maps.Clone(m)
}

// TokenUsage records the token accounting reported for a response.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Total returns the sum of prompt and completion tokens.
func (u TokenUsage) Total() int64 { return u.PromptTokens + u.CompletionTokens }

// Body is the variant-specific payload of a node. It is implemented only by
// *Prompt, *Response and *SessionRoot; switch on the concrete type to handle
// each variant.
type Body interface {
	Kind() NodeKind
	sealed()
}

// Prompt is the payload of a prompt node.
type Prompt struct {
	Text string

	// ModelID names the model the prompt was sent to, if known.
	ModelID string

	// Template is the template the prompt was rendered from. Zero if none.
	Template TemplateID
}

// Response is the payload of a response node.
type Response struct {
	Text  string
	Usage TokenUsage
}

// SessionRoot is the payload of a session's root node. Session aggregates
// live in the session state record, not in the node.
type SessionRoot struct{}

func (*Prompt) Kind() NodeKind      { return KindPrompt }
func (*Response) Kind() NodeKind    { return KindResponse }
func (*SessionRoot) Kind() NodeKind { return KindSession }

func (*Prompt) sealed()      {}
func (*Response) sealed()    {}
func (*SessionRoot) sealed() {}

// Node is a vertex of the lineage graph. Nodes are written once and never
// modified.
type Node struct {
	ID NodeID

	// Seq is the insertion sequence number assigned by the engine. Creation
	// order is ascending Seq; timestamps are informational only.
	Seq uint64

	CreatedAt time.Time
	Metadata  Metadata
	Body      Body
}

// Kind returns the variant of the node, or 0 if the body is unset.
func (n *Node) Kind() NodeKind {
	if n == nil || n.Body == nil {
		return 0
	}
	return n.Body.Kind()
}

// Text returns the prompt or response text, and "" for session roots.
func (n *Node) Text() string {
	switch b := n.Body.(type) {
	case *Prompt:
		return b.Text
	case *Response:
		return b.Text
	default:
		return ""
	}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Metadata = n.Metadata.Clone()
	switch b := n.Body.(type) {
	case *Prompt:
		pb := *b
		cp.Body = &pb
	case *Response:
		rb := *b
		cp.Body = &rb
	case *SessionRoot:
		cp.Body = &SessionRoot{}
	}
	return &cp
}

// Validate checks the structural invariants of a node before it is stored.
func (n *Node) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidArgument)
	}
	if n.ID.IsZero() {
		return fmt.Errorf("%w: node has zero id", ErrInvalidArgument)
	}
	switch n.Body.(type) {
	case *Prompt, *Response, *SessionRoot:
		return nil
	default:
		return fmt.Errorf("%w: node %s has unknown body %T", ErrInvalidArgument, n.ID, n.Body)
	}
}

// Now returns the current time in the form nodes and edges store it: UTC
// with the monotonic reading stripped, so that values compare equal after
// a storage round trip.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}
