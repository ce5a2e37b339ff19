package entity

import "time"

type PageRecord struct {
	Fingerprint PageFingerprint `json:"fingerprint"`
	URL         string          `json:"url"`
	Title       string          `json:"title,omitempty"`
	FirstSeenBy string          `json:"first_seen_by,omitempty"`
	FirstSeen   time.Time       `json:"first_seen"`
	Visits      int             `json:"visits"`
	Complete    bool            `json:"complete"`
}

type RegisterResult struct {
	New bool
}

type Stats struct {
	Pages         int64              `json:"pages"`
	CompletePages int64              `json:"complete_pages"`
	Actions       int64              `json:"actions"`
	Findings      int64              `json:"findings"`
	Occurrences   int64              `json:"occurrences"`
	BySeverity    map[Severity]int64 `json:"by_severity"`
}

type Ledger struct {
	RunID    string        `json:"run_id"`
	Pages    []PageRecord  `json:"pages"`
	Actions  []ActionClaim `json:"actions"`
	Findings []Finding     `json:"findings"`
}

func (l *Ledger) UniqueURLs() int {
	seen := make(map[string]struct{}, len(l.Pages))
	for _, p := range l.Pages {
		seen[p.URL] = struct{}{}
	}
	return len(seen)
}

func (l *Ledger) FindingsByCategory(c Category) []Finding {
	var out []Finding
	for _, f := range l.Findings {
		if f.Category == c {
			out = append(out, f)
		}
	}
	return out
}

type StopReason string

const (
	StopDuration     StopReason = "duration_elapsed"
	StopAllFinished  StopReason = "all_agents_finished"
	StopMaxFindings  StopReason = "max_findings_reached"
	StopMaxCritical  StopReason = "max_critical_findings_reached"
	StopAborted      StopReason = "aborted"
	StopCoordination StopReason = "coordination_unavailable"
)

type RunReport struct {
	RunID      string         `json:"run_id"`
	BaseURL    string         `json:"base_url"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	StopReason StopReason     `json:"stop_reason"`
	Stats      Stats          `json:"stats"`
	UniqueURLs int            `json:"unique_urls"`
	Agents     []AgentSession `json:"agents"`
	Ledger     *Ledger        `json:"ledger,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
}

func (r *RunReport) FailedAgents() []AgentSession {
	var out []AgentSession
	for _, a := range r.Agents {
		if a.Status == AgentFailed {
			out = append(out, a)
		}
	}
	return out
}
