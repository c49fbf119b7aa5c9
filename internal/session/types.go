package session

import "time"

type Status string

const (
	StatusLive    Status = "live"
	StatusRetired Status = "retired"
)

// ContextEntry is one prior message copied into an ephemeral session.
type ContextEntry struct {
	Role      string    `json:"role"`
	Speaker   string    `json:"speaker,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentSession is a temporary per-agent conversational instance scoped to one
// voice episode.
type AgentSession struct {
	ID             string         `json:"session_id"`
	BaseAgentID    string         `json:"base_agent_id"`
	IsEphemeral    bool           `json:"is_ephemeral"`
	SkipTextStages bool           `json:"skip_text_stages"`
	Status         Status         `json:"status"`
	Episode        uint64         `json:"episode"`
	Context        []ContextEntry `json:"context,omitempty"`
	// Degraded is set when the context snapshot could not be fetched.
	Degraded     bool      `json:"degraded,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RetiredAt    time.Time `json:"retired_at,omitempty"`
	RetireReason string    `json:"retire_reason,omitempty"`
}

// Live reports whether the session has not been retired.
func (s AgentSession) Live() bool {
	return s.Status == StatusLive
}

// CreateOptions carries the episode context for a new session.
type CreateOptions struct {
	Episode  uint64
	Degraded bool
}

// RetiredEvent is the session-retired payload.
type RetiredEvent struct {
	Session AgentSession `json:"session"`
	Reason  string       `json:"reason"`
}
