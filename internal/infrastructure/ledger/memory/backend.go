// Package memory is an in-process ledger backend. A single mutex serializes
// every operation.
package memory

import (
	"context"
	"sync"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"
)

var _ output.LedgerBackend = (*Backend)(nil)

type Backend struct {
	mu     sync.Mutex
	runID  string
	closed bool

	pages     map[entity.PageFingerprint]*entity.PageRecord
	pageOrder []entity.PageFingerprint

	claims     map[string]entity.ActionClaim
	claimOrder []string

	findings     map[string]*entity.Finding
	findingOrder []string

	// reports maps applied finding ids to whether they created the finding.
	reports map[string]bool
}

func New(runID string) *Backend {
	return &Backend{
		runID:    runID,
		pages:    make(map[entity.PageFingerprint]*entity.PageRecord),
		claims:   make(map[string]entity.ActionClaim),
		findings: make(map[string]*entity.Finding),
		reports:  make(map[string]bool),
	}
}

func (b *Backend) InsertPage(_ context.Context, page entity.PageRecord) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, errClosed
	}

	if existing, ok := b.pages[page.Fingerprint]; ok {
		existing.Visits++
		return false, nil
	}

	if page.FirstSeen.IsZero() {
		page.FirstSeen = time.Now()
	}
	page.Visits = 1
	page.Complete = false
	b.pages[page.Fingerprint] = &page
	b.pageOrder = append(b.pageOrder, page.Fingerprint)
	return true, nil
}

func (b *Backend) MarkPageComplete(_ context.Context, fp entity.PageFingerprint) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, errClosed
	}

	page, ok := b.pages[fp]
	if !ok || page.Complete {
		return false, nil
	}
	page.Complete = true
	return true, nil
}

func (b *Backend) Page(_ context.Context, fp entity.PageFingerprint) (*entity.PageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errClosed
	}

	page, ok := b.pages[fp]
	if !ok {
		return nil, nil
	}
	cp := *page
	return &cp, nil
}

func (b *Backend) Frontier(_ context.Context, limit int) ([]entity.PageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errClosed
	}

	var result []entity.PageRecord
	for _, fp := range b.pageOrder {
		page := b.pages[fp]
		if page.Complete {
			continue
		}
		result = append(result, *page)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (b *Backend) InsertClaim(_ context.Context, claim entity.ActionClaim) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, errClosed
	}

	if _, ok := b.claims[claim.Key]; ok {
		return false, nil
	}
	b.claims[claim.Key] = claim
	b.claimOrder = append(b.claimOrder, claim.Key)
	return true, nil
}

func (b *Backend) Claimed(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, errClosed
	}

	_, ok := b.claims[key]
	return ok, nil
}

func (b *Backend) UpsertFinding(_ context.Context, signature string, f entity.Finding) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, errClosed
	}
	if created, ok := b.reports[f.ID]; ok {
		return created, nil
	}

	if existing, ok := b.findings[signature]; ok {
		existing.Occurrences++
		if f.Timestamp.After(existing.LastSeen) {
			existing.LastSeen = f.Timestamp
		}
		if existing.Evidence == "" {
			existing.Evidence = f.Evidence
		}
		b.report(f.ID, false)
		return false, nil
	}

	f.Occurrences = 1
	f.LastSeen = f.Timestamp
	b.findings[signature] = &f
	b.findingOrder = append(b.findingOrder, signature)
	b.report(f.ID, true)
	return true, nil
}

func (b *Backend) report(id string, created bool) {
	if id != "" {
		b.reports[id] = created
	}
}

func (b *Backend) Counts(_ context.Context) (entity.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return entity.Stats{}, errClosed
	}

	stats := entity.Stats{
		Pages:      int64(len(b.pages)),
		Actions:    int64(len(b.claims)),
		Findings:   int64(len(b.findings)),
		BySeverity: make(map[entity.Severity]int64),
	}
	for _, p := range b.pages {
		if p.Complete {
			stats.CompletePages++
		}
	}
	for _, f := range b.findings {
		stats.Occurrences += int64(f.Occurrences)
		stats.BySeverity[f.Severity]++
	}
	return stats, nil
}

func (b *Backend) Export(_ context.Context) (*entity.Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errClosed
	}

	ledger := &entity.Ledger{
		RunID:    b.runID,
		Pages:    make([]entity.PageRecord, 0, len(b.pageOrder)),
		Actions:  make([]entity.ActionClaim, 0, len(b.claimOrder)),
		Findings: make([]entity.Finding, 0, len(b.findingOrder)),
	}
	for _, fp := range b.pageOrder {
		ledger.Pages = append(ledger.Pages, *b.pages[fp])
	}
	for _, key := range b.claimOrder {
		ledger.Actions = append(ledger.Actions, b.claims[key])
	}
	for _, sig := range b.findingOrder {
		ledger.Findings = append(ledger.Findings, *b.findings[sig])
	}
	return ledger, nil
}

func (b *Backend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errClosed
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}
