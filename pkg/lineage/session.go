package lineage

import "time"

// Session is the engine view of a session: its root node plus the
// aggregate counters the engine maintains.
type Session struct {
	ID        SessionID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  Metadata  `json:"metadata,omitempty"`

	// NodeCount is the number of prompts and responses in the session.
	NodeCount int64 `json:"node_count"`

	// EdgeCount is the number of edges accounted to the session.
	EdgeCount int64 `json:"edge_count"`
}

// Clone returns a copy of s that shares no mutable state with it.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Metadata = s.Metadata.Clone()
	return &cp
}

// SessionStats are the tracked aggregates of a session.
type SessionStats struct {
	Session   SessionID `json:"session"`
	NodeCount int64     `json:"node_count"`
	EdgeCount int64     `json:"edge_count"`

	// Head is the first node of the session's Follows chain. Zero when the
	// session is empty.
	Head NodeID `json:"head"`

	// Tail is the most recently appended node. Zero when the session is
	// empty.
	Tail NodeID `json:"tail"`
}

// PromptRecord is a validated prompt handed over by the ingestion pipeline.
type PromptRecord struct {
	SessionID  SessionID  `json:"session_id"`
	Text       string     `json:"text"`
	ModelID    string     `json:"model_id,omitempty"`
	TemplateID TemplateID `json:"template_id,omitzero"`
	Metadata   Metadata   `json:"metadata,omitempty"`
}

// ResponseRecord is a validated response handed over by the ingestion
// pipeline.
type ResponseRecord struct {
	PromptID NodeID     `json:"prompt_id,omitzero"`
	Text     string     `json:"text"`
	Usage    TokenUsage `json:"token_usage"`
	Metadata Metadata   `json:"metadata,omitempty"`
}

// Interaction is a prompt with the responses it produced, the unit of
// batch ingestion. The PromptID of each response is assigned by the engine.
type Interaction struct {
	Prompt    PromptRecord     `json:"prompt"`
	Responses []ResponseRecord `json:"responses,omitempty"`
}
