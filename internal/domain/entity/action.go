package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionFill     ActionKind = "fill"
	ActionNavigate ActionKind = "navigate"
	ActionScroll   ActionKind = "scroll"
	ActionBack     ActionKind = "back"
	ActionNone     ActionKind = "none"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionClick, ActionFill, ActionNavigate, ActionScroll, ActionBack, ActionNone:
		return true
	}
	return false
}

// NeedsElement reports whether the action must reference an element of the page.
func (k ActionKind) NeedsElement() bool {
	return k == ActionClick || k == ActionFill
}

type Action struct {
	Kind      ActionKind `json:"type"`
	Target    string     `json:"target,omitempty"`
	Selector  string     `json:"selector,omitempty"`
	URL       string     `json:"url,omitempty"`
	Value     string     `json:"value,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

func (a Action) IsNone() bool {
	return a.Kind == "" || a.Kind == ActionNone
}

// Descriptor identifies the thing the action operates on.
func (a Action) Descriptor() string {
	switch {
	case a.Selector != "":
		return a.Selector
	case a.Target != "":
		return a.Target
	default:
		return a.URL
	}
}

// ActionRecord is the identity of one interaction attempt against one page state.
type ActionRecord struct {
	Page      PageFingerprint `json:"page"`
	Kind      ActionKind      `json:"kind"`
	Target    string          `json:"target"`
	ParamHash string          `json:"param_hash"`
}

func NewActionRecord(page PageFingerprint, a Action) ActionRecord {
	return ActionRecord{
		Page:      page,
		Kind:      a.Kind,
		Target:    a.Descriptor(),
		ParamHash: paramHash(a),
	}
}

func paramHash(a Action) string {
	if a.URL == "" && a.Value == "" {
		return ""
	}
	return hex64(xxhash.Sum64String(a.URL + "\x00" + a.Value))
}

func (r ActionRecord) Key() string {
	return hex64(xxhash.Sum64String(strings.Join([]string{
		string(r.Page), string(r.Kind), r.Target, r.ParamHash,
	}, "\x1f")))
}

type ActionClaim struct {
	Record    ActionRecord `json:"record"`
	Key       string       `json:"key"`
	ClaimedBy string       `json:"claimed_by"`
	ClaimedAt time.Time    `json:"claimed_at"`
}

// ActionOutcome is what the browser reports after executing an action.
// FromPage is set by the agent, not the browser.
type ActionOutcome struct {
	Action     Action          `json:"action"`
	FromPage   PageFingerprint `json:"from_page,omitempty"`
	FromURL    string          `json:"from_url"`
	URL        string          `json:"url"`
	StatusCode int             `json:"status_code,omitempty"`
	Navigated  bool            `json:"navigated"`
	Duration   time.Duration   `json:"duration"`
}

func hex64(v uint64) string {
	return fmt.Sprintf("%016x", v)
}
