package agent

import (
	"time"
)

// StepType identifies a pipeline stage.
type StepType string

const (
	StepSanitize  StepType = "sanitize"
	StepRateLimit StepType = "rate_limit"
	StepCompact   StepType = "compact"
	StepExecute   StepType = "execute"
	StepValidate  StepType = "validate"
	StepMemory    StepType = "memory"
)

// Trace records what the pipeline did for one invocation.
type Trace struct {
	AgentID   string        `json:"agentId"`
	SessionID string        `json:"sessionId"`
	Steps     []Step        `json:"steps"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Step is a single pipeline stage.
type Step struct {
	Type     StepType      `json:"type"`
	Content  string        `json:"content"`
	Duration time.Duration `json:"duration"`
}

func newTrace(agentID, sessionID string) *Trace {
	return &Trace{AgentID: agentID, SessionID: sessionID, StartedAt: time.Now()}
}

// mark records a step that began at since.
func (t *Trace) mark(typ StepType, content string, since time.Time) {
	t.Steps = append(t.Steps, Step{Type: typ, Content: content, Duration: time.Since(since)})
}
