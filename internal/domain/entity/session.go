package entity

import "time"

type AgentStatus string

const (
	AgentRunning  AgentStatus = "running"
	AgentStalled  AgentStatus = "stalled"
	AgentFinished AgentStatus = "finished"
	AgentFailed   AgentStatus = "failed"
)

func (s AgentStatus) Terminal() bool {
	return s == AgentFinished || s == AgentFailed
}

type AgentSession struct {
	AgentID      string          `json:"agent_id"`
	CurrentPage  PageFingerprint `json:"current_page_fingerprint,omitempty"`
	CurrentURL   string          `json:"current_url,omitempty"`
	ActionsTaken int             `json:"actions_taken"`
	PagesVisited int             `json:"pages_visited"`
	NewPages     int             `json:"new_pages"`
	Status       AgentStatus     `json:"status"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}
