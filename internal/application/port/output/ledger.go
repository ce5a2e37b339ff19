package output

import (
	"context"

	"browser-swarm/internal/domain/entity"
)

// LedgerBackend is the persistence behind the coordination store. Every
// mutating method must be atomic with respect to concurrent callers.
type LedgerBackend interface {
	InsertPage(ctx context.Context, page entity.PageRecord) (inserted bool, err error)
	MarkPageComplete(ctx context.Context, fp entity.PageFingerprint) (changed bool, err error)
	Page(ctx context.Context, fp entity.PageFingerprint) (*entity.PageRecord, error)
	Frontier(ctx context.Context, limit int) ([]entity.PageRecord, error)

	InsertClaim(ctx context.Context, claim entity.ActionClaim) (inserted bool, err error)
	Claimed(ctx context.Context, key string) (bool, error)

	// UpsertFinding inserts a new finding or bumps the occurrence count of the
	// finding with the same signature. The stored first-seen evidence is kept.
	// A repeated f.ID is a replay: it returns the first outcome and changes
	// nothing.
	UpsertFinding(ctx context.Context, signature string, f entity.Finding) (created bool, err error)

	Counts(ctx context.Context) (entity.Stats, error)
	Export(ctx context.Context) (*entity.Ledger, error)
	Ping(ctx context.Context) error
	Close() error
}
