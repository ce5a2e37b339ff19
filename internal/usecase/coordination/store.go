// Package coordination is the swarm's shared ledger: which page states exist,
// which interactions are taken and which defects have been reported.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/application/service"
	"browser-swarm/internal/domain/entity"

	"github.com/google/uuid"
)

type Options struct {
	RunID   string
	Retry   service.RetryPolicy
	Logger  output.LoggerPort
	Metrics output.MetricsPort
	Now     func() time.Time
}

// Store serializes agent writes through a LedgerBackend. Counters used by
// Snapshot are atomics updated after each successful write, so monitoring
// never touches the backend.
type Store struct {
	backend output.LedgerBackend
	runID   string
	policy  service.RetryPolicy
	logger  output.LoggerPort
	metrics output.MetricsPort
	now     func() time.Time

	pages       atomic.Int64
	complete    atomic.Int64
	actions     atomic.Int64
	findings    atomic.Int64
	occurrences atomic.Int64
	bySeverity  map[entity.Severity]*atomic.Int64
}

// Open wraps backend and seeds the counters from what it already holds, so a
// resumed run reports correct totals.
func Open(ctx context.Context, backend output.LedgerBackend, opts Options) (*Store, error) {
	s := &Store{
		backend:    backend,
		runID:      opts.RunID,
		policy:     opts.Retry,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		bySeverity: make(map[entity.Severity]*atomic.Int64, len(entity.Severities)),
	}
	if s.logger == nil {
		s.logger = output.NopLogger{}
	}
	if s.metrics == nil {
		s.metrics = output.NopMetrics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, sev := range entity.Severities {
		s.bySeverity[sev] = new(atomic.Int64)
	}

	stats, err := call(ctx, s, "counts", func() (entity.Stats, error) {
		return backend.Counts(ctx)
	})
	if err != nil {
		return nil, err
	}
	s.pages.Store(stats.Pages)
	s.complete.Store(stats.CompletePages)
	s.actions.Store(stats.Actions)
	s.findings.Store(stats.Findings)
	s.occurrences.Store(stats.Occurrences)
	for sev, n := range stats.BySeverity {
		if c, ok := s.bySeverity[sev]; ok {
			c.Store(n)
		}
	}
	return s, nil
}

func (s *Store) RunID() string { return s.runID }

// call runs op under the retry policy. Exhausted retries surface as
// ErrCoordinationUnavailable; context cancellation is returned as is.
func call[T any](ctx context.Context, s *Store, op string, fn func() (T, error)) (T, error) {
	res, err := service.Retry(ctx, s.policy, fn, func(err error, delay time.Duration) {
		s.metrics.StoreRetry(op)
		s.logger.Warn("Ledger call failed, retrying", "op", op, "error", err, "delay", delay)
	})
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, entity.ErrInvalidFinding) {
		return res, err
	}
	s.logger.Error("Ledger unavailable", "op", op, "error", err)
	return res, fmt.Errorf("%w: %s: %w", entity.ErrCoordinationUnavailable, op, err)
}

// RegisterPage records a page state. Registering a known state only bumps its
// visit count.
func (s *Store) RegisterPage(ctx context.Context, page entity.PageRecord) (entity.RegisterResult, error) {
	if page.FirstSeen.IsZero() {
		page.FirstSeen = s.now()
	}
	inserted, err := call(ctx, s, "register_page", func() (bool, error) {
		return s.backend.InsertPage(ctx, page)
	})
	if err != nil {
		return entity.RegisterResult{}, err
	}
	if inserted {
		s.pages.Add(1)
	}
	s.metrics.PageRegistered(inserted)
	return entity.RegisterResult{New: inserted}, nil
}

// TryClaimAction is a compare-and-set on the action record: exactly one agent
// per run gets true for a given record.
func (s *Store) TryClaimAction(ctx context.Context, rec entity.ActionRecord, agentID string) (bool, error) {
	claim := entity.ActionClaim{
		Record:    rec,
		Key:       rec.Key(),
		ClaimedBy: agentID,
		ClaimedAt: s.now(),
	}
	won, err := call(ctx, s, "claim_action", func() (bool, error) {
		return s.backend.InsertClaim(ctx, claim)
	})
	if err != nil {
		return false, err
	}
	if won {
		s.actions.Add(1)
	}
	s.metrics.ClaimAttempt(won)
	return won, nil
}

func (s *Store) IsClaimed(ctx context.Context, rec entity.ActionRecord) (bool, error) {
	key := rec.Key()
	return call(ctx, s, "is_claimed", func() (bool, error) {
		return s.backend.Claimed(ctx, key)
	})
}

// RecordFinding appends f or coalesces it into an existing finding with the
// same signature. Invalid findings are rejected without touching the backend.
func (s *Store) RecordFinding(ctx context.Context, f entity.Finding) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = s.now()
	}

	sig := f.Signature()
	created, err := call(ctx, s, "record_finding", func() (bool, error) {
		return s.backend.UpsertFinding(ctx, sig, f)
	})
	if err != nil {
		return false, err
	}

	s.occurrences.Add(1)
	if created {
		s.findings.Add(1)
		if c, ok := s.bySeverity[f.Severity]; ok {
			c.Add(1)
		}
	}
	s.metrics.FindingRecorded(f, created)
	return created, nil
}

func (s *Store) MarkPageComplete(ctx context.Context, fp entity.PageFingerprint) error {
	changed, err := call(ctx, s, "mark_complete", func() (bool, error) {
		return s.backend.MarkPageComplete(ctx, fp)
	})
	if err != nil {
		return err
	}
	if changed {
		s.complete.Add(1)
	}
	return nil
}

func (s *Store) IsPageComplete(ctx context.Context, fp entity.PageFingerprint) (bool, error) {
	page, err := call(ctx, s, "get_page", func() (*entity.PageRecord, error) {
		return s.backend.Page(ctx, fp)
	})
	if err != nil {
		return false, err
	}
	return page != nil && page.Complete, nil
}

// Frontier lists incomplete pages in first-seen order. limit <= 0 means all.
func (s *Store) Frontier(ctx context.Context, limit int) ([]entity.PageRecord, error) {
	return call(ctx, s, "frontier", func() ([]entity.PageRecord, error) {
		return s.backend.Frontier(ctx, limit)
	})
}

// Snapshot reads counters only and never blocks on the backend.
func (s *Store) Snapshot() entity.Stats {
	stats := entity.Stats{
		Pages:         s.pages.Load(),
		CompletePages: s.complete.Load(),
		Actions:       s.actions.Load(),
		Findings:      s.findings.Load(),
		Occurrences:   s.occurrences.Load(),
		BySeverity:    make(map[entity.Severity]int64, len(s.bySeverity)),
	}
	for sev, c := range s.bySeverity {
		stats.BySeverity[sev] = c.Load()
	}
	return stats
}

func (s *Store) Export(ctx context.Context) (*entity.Ledger, error) {
	ledger, err := call(ctx, s, "export", func() (*entity.Ledger, error) {
		return s.backend.Export(ctx)
	})
	if err != nil {
		return nil, err
	}
	if ledger.RunID == "" {
		ledger.RunID = s.runID
	}
	return ledger, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := call(ctx, s, "ping", func() (struct{}, error) {
		return struct{}{}, s.backend.Ping(ctx)
	})
	return err
}

func (s *Store) Close() error {
	return s.backend.Close()
}
