package oracle

import (
	"context"
	"fmt"

	"browser-swarm/internal/domain/entity"
)

type DecisionKind string

const (
	Decided  DecisionKind = "decided"
	Fallback DecisionKind = "fallback"
)

// Decision is either the oracle's validated proposal or the fallback policy's
// pick. A fallback whose action is none means the page has nothing left.
type Decision struct {
	Kind   DecisionKind
	Action entity.Action
	Reason string
}

func (d Decision) Exhausted() bool {
	return d.Kind == Fallback && d.Action.IsNone()
}

type ClaimChecker interface {
	IsClaimed(ctx context.Context, rec entity.ActionRecord) (bool, error)
}

type HistoryEntry struct {
	Action entity.Action
	URL    string
	Result string
}

func (h HistoryEntry) String() string {
	s := fmt.Sprintf("%s %s on %s", h.Action.Kind, h.Action.Descriptor(), h.URL)
	if h.Result != "" {
		s += " (" + h.Result + ")"
	}
	return s
}

type Request struct {
	AgentID   string
	Page      entity.PageFingerprint
	State     *entity.PageState
	History   []HistoryEntry
	Explored  []string
	Claimed   ClaimChecker
	Attempted map[string]bool
}

func (r Request) attempted(rec entity.ActionRecord) bool {
	return r.Attempted[rec.Key()]
}

func (r Request) claimed(ctx context.Context, rec entity.ActionRecord) bool {
	if r.Claimed == nil {
		return false
	}
	ok, err := r.Claimed.IsClaimed(ctx, rec)
	return err == nil && ok
}
