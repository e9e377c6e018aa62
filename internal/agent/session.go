package agent

import "time"

// SessionRecord is one row of the agent-session log.
type SessionRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	SessionID  string    `json:"sessionId"`
	AgentID    string    `json:"agentId"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	TokensUsed Tokens    `json:"tokensUsed"`
	CostUSD    float64   `json:"costUsd"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewSessionRecord builds the log record for a finished invocation.
func NewSessionRecord(userID, sessionID, input string, r *Response) SessionRecord {
	return SessionRecord{
		UserID:     userID,
		SessionID:  sessionID,
		AgentID:    r.AgentID,
		Input:      input,
		Output:     r.Content,
		TokensUsed: r.TokensUsed,
		CostUSD:    r.CostUSD,
		DurationMs: r.DurationMs,
		CreatedAt:  r.Timestamp,
	}
}
