package lineage

import (
	"encoding/json"
	"fmt"
	"time"
)

// nodeJSON is the export shape of a Node. Variant fields are flattened and
// discriminated by "kind".
type nodeJSON struct {
	ID        NodeID      `json:"id"`
	Kind      string      `json:"kind"`
	Seq       uint64      `json:"seq"`
	CreatedAt time.Time   `json:"created_at"`
	Metadata  Metadata    `json:"metadata,omitempty"`
	Text      string      `json:"text,omitempty"`
	ModelID   string      `json:"model_id,omitempty"`
	Template  TemplateID  `json:"template_id,omitzero"`
	Usage     *TokenUsage `json:"token_usage,omitempty"`
}

// MarshalJSON encodes the node for export and debugging. JSON is never the
// persisted format.
func (n Node) MarshalJSON() ([]byte, error) {
	out := nodeJSON{
		ID:        n.ID,
		Seq:       n.Seq,
		CreatedAt: n.CreatedAt,
		Metadata:  n.Metadata,
	}
	switch b := n.Body.(type) {
	case *Prompt:
		out.Kind = KindPrompt.String()
		out.Text = b.Text
		out.ModelID = b.ModelID
		out.Template = b.Template
	case *Response:
		out.Kind = KindResponse.String()
		out.Text = b.Text
		usage := b.Usage
		out.Usage = &usage
	case *SessionRoot:
		out.Kind = KindSession.String()
	default:
		return nil, fmt.Errorf("lineage: marshal node %s: unknown body %T", n.ID, n.Body)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the export form produced by MarshalJSON.
func (n *Node) UnmarshalJSON(data []byte) error {
	var in nodeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := ParseNodeKind(in.Kind)
	if err != nil {
		return err
	}
	*n = Node{
		ID:        in.ID,
		Seq:       in.Seq,
		CreatedAt: in.CreatedAt,
		Metadata:  in.Metadata,
	}
	switch kind {
	case KindPrompt:
		n.Body = &Prompt{Text: in.Text, ModelID: in.ModelID, Template: in.Template}
	case KindResponse:
		r := &Response{Text: in.Text}
		if in.Usage != nil {
			r.Usage = *in.Usage
		}
		n.Body = r
	case KindSession:
		n.Body = &SessionRoot{}
	}
	return nil
}
