package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

type Category string

const (
	CategoryJSError       Category = "js_error"
	CategoryConsoleError  Category = "console_error"
	CategoryHTTPError     Category = "http_error"
	CategorySlowPage      Category = "slow_page"
	CategoryBrokenLink    Category = "broken_link"
	CategoryBrokenImage   Category = "broken_image"
	CategoryAccessibility Category = "accessibility"
	CategoryAgentError    Category = "agent_error"
	CategoryAgentTimeout  Category = "agent_timeout"
)

// Defect is what a detector reports. The agent turns it into a Finding.
// Page is optional; the agent fills in the fingerprint of the inspected state.
type Defect struct {
	Severity    Severity
	Category    Category
	Page        PageFingerprint
	URL         string
	Description string
	Evidence    string
}

type Finding struct {
	ID           string          `json:"id"`
	Severity     Severity        `json:"severity"`
	Category     Category        `json:"category"`
	Page         PageFingerprint `json:"page_fingerprint"`
	URL          string          `json:"url,omitempty"`
	Description  string          `json:"description"`
	Evidence     string          `json:"evidence_reference,omitempty"`
	DiscoveredBy string          `json:"discovered_by"`
	Timestamp    time.Time       `json:"timestamp"`
	LastSeen     time.Time       `json:"last_seen"`
	Occurrences  int             `json:"occurrences"`
}

// Signature is the coalescing key: category + page + description.
func (f Finding) Signature() string {
	desc := strings.Join(strings.Fields(strings.ToLower(f.Description)), " ")
	return fmt.Sprintf("%016x", xxhash.Sum64String(string(f.Category)+"\x1f"+string(f.Page)+"\x1f"+desc))
}

func (f Finding) Validate() error {
	if !f.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidFinding, f.Severity)
	}
	if f.Category == "" {
		return fmt.Errorf("%w: empty category", ErrInvalidFinding)
	}
	if strings.TrimSpace(f.Description) == "" {
		return fmt.Errorf("%w: empty description", ErrInvalidFinding)
	}
	return nil
}
