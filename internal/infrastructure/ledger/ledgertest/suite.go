// Package ledgertest holds the behaviour every ledger backend must share.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) output.LedgerBackend

func Run(t *testing.T, newBackend Factory) {
	t.Run("InsertPageIdempotent", func(t *testing.T) { testInsertPage(t, newBackend(t)) })
	t.Run("MarkPageComplete", func(t *testing.T) { testMarkComplete(t, newBackend(t)) })
	t.Run("FrontierOrder", func(t *testing.T) { testFrontier(t, newBackend(t)) })
	t.Run("ClaimOnce", func(t *testing.T) { testClaimOnce(t, newBackend(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newBackend(t)) })
	t.Run("FindingCoalescing", func(t *testing.T) { testFindingCoalescing(t, newBackend(t)) })
	t.Run("FindingReplay", func(t *testing.T) { testFindingReplay(t, newBackend(t)) })
	t.Run("CountsAndExport", func(t *testing.T) { testCountsAndExport(t, newBackend(t)) })
}

func Page(fp string) entity.PageRecord {
	return entity.PageRecord{
		Fingerprint: entity.PageFingerprint(fp),
		URL:         "http://app.test/" + fp,
		Title:       fp,
		FirstSeenBy: "agent-1",
		FirstSeen:   time.Unix(1700000000, 0).UTC(),
	}
}

func Claim(fp, target, agent string) entity.ActionClaim {
	rec := entity.NewActionRecord(entity.PageFingerprint(fp), entity.Action{Kind: entity.ActionClick, Target: target})
	return entity.ActionClaim{
		Record:    rec,
		Key:       rec.Key(),
		ClaimedBy: agent,
		ClaimedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func Finding(fp, desc, evidence string) entity.Finding {
	return entity.Finding{
		ID:           "f-" + desc,
		Severity:     entity.SeverityHigh,
		Category:     entity.CategoryJSError,
		Page:         entity.PageFingerprint(fp),
		URL:          "http://app.test/" + fp,
		Description:  desc,
		Evidence:     evidence,
		DiscoveredBy: "agent-1",
		Timestamp:    time.Unix(1700000000, 0).UTC(),
	}
}

func testInsertPage(t *testing.T, b output.LedgerBackend) {
	ctx := context.Background()
	defer b.Close()

	inserted, err := b.InsertPage(ctx, Page("p1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	second := Page("p1")
	second.FirstSeenBy = "agent-2"
	inserted, err = b.InsertPage(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	rec, err := b.Page(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "agent-1", rec.FirstSeenBy)
	assert.Equal(t, 2, rec.Visits)
	assert.False(t, rec.Complete)

	missing, err := b.Page(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testMarkComplete(t *testing.T, b output.LedgerBackend) {
	ctx := context.Background()
	defer b.Close()

	_, err := b.InsertPage(ctx, Page("p1"))
	require.NoError(t, err)

	changed, err := b.MarkPageComplete(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = b.MarkPageComplete(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = b.MarkPageComplete(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err := b.Page(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, rec.Complete)
}

func testFrontier(t *testing.T, b output.LedgerBackend) {
	ctx := context.Background()
	defer b.Close()

	for i := 0; i < 5; i++ {
		p := Page(fmt.Sprintf("p%d", i))
		p.FirstSeen = p.FirstSeen.Add(time.Duration(i) * time.Second)
		_, err := b.InsertPage(ctx, p)
		require.NoError(t, err)
	}
	_, err := b.MarkPageComplete(ctx, "p1")
	require.NoError(t, err)

	frontier, err := b.Frontier(ctx, 0)
	require.NoError(t, err)
	var fps []entity.PageFingerprint
	for _, p := range frontier {
		fps = append(fps, p.Fingerprint)
	}
	assert.Equal(t, []entity.PageFingerprint{"p0", "p2", "p3", "p4"}, fps)

	limited, err := b.Frontier(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testClaimOnce(t *testing.T, b output.LedgerBackend) {
	ctx := context.Background()
	defer b.Close()

	c := Claim("p1", "#buy", "agent-1")
	ok, err := b.InsertClaim(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	again := c
	again.ClaimedBy = "agent-2"
	ok, err = b.InsertClaim(ctx, again)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := b.Claimed(ctx, c.Key)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = b.Claimed(ctx, Claim("p1", "#other", "agent-1").Key)
	require.NoError(t, err)
	assert.False(t, claimed)

	ledger, err := b.Export(ctx)
	require.NoError(t, err)
	require.Len(t, ledger.Actions, 1)
	assert.Equal(t, "agent-1", ledger.Actions[0].ClaimedBy)
}

func testConcurrentClaim(t *testing.T, b output.LedgerBackend) {
	ctx := context.Background()
	defer b.Close()

	const agents = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := b.InsertClaim(ctx, Claim("p1", "#submit", fmt.Sprintf("agent-%d", i)))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	stats, err := b.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Actions)
}

func testFindingCoalescing(t *testing.T, b output.LedgerBackend) {
	ctx := context.Background()
	defer b.Close()

	first := Finding("p1", "TypeError: x is undefined", "shots/a.png")
	created, err := b.UpsertFinding(ctx, first.Signature(), first)
	require.NoError(t, err)
	assert.True(t, created)

	dup := Finding("p1", "TypeError: x is undefined", "shots/b.png")
	dup.ID = "f-dup"
	dup.Timestamp = dup.Timestamp.Add(time.Minute)
	created, err = b.UpsertFinding(ctx, dup.Signature(), dup)
	require.NoError(t, err)
	assert.False(t, created)

	ledger, err := b.Export(ctx)
	require.NoError(t, err)
	require.Len(t, ledger.Findings, 1)
	f := ledger.Findings[0]
	assert.Equal(t, 2, f.Occurrences)
	assert.Equal(t, "shots/a.png", f.Evidence)
	assert.True(t, f.LastSeen.Equal(dup.Timestamp))
	assert.True(t, f.Timestamp.Equal(first.Timestamp))
}

// A replayed report, e.g. a retry after a lost reply, must not count twice.
func testFindingReplay(t *testing.T, b output.LedgerBackend) {
	ctx := context.Background()
	defer b.Close()

	first := Finding("p1", "TypeError: x is undefined", "")
	for i := 0; i < 2; i++ {
		created, err := b.UpsertFinding(ctx, first.Signature(), first)
		require.NoError(t, err)
		assert.True(t, created, "attempt %d", i)
	}

	dup := Finding("p1", "TypeError: x is undefined", "")
	dup.ID = "f-dup"
	for i := 0; i < 2; i++ {
		created, err := b.UpsertFinding(ctx, dup.Signature(), dup)
		require.NoError(t, err)
		assert.False(t, created, "attempt %d", i)
	}

	stats, err := b.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Findings)
	assert.Equal(t, int64(2), stats.Occurrences)
	assert.Equal(t, int64(1), stats.BySeverity[entity.SeverityHigh])

	ledger, err := b.Export(ctx)
	require.NoError(t, err)
	require.Len(t, ledger.Findings, 1)
	assert.Equal(t, 2, ledger.Findings[0].Occurrences)
}

func testCountsAndExport(t *testing.T, b output.LedgerBackend) {
	ctx := context.Background()
	defer b.Close()

	for _, fp := range []string{"a", "b", "c"} {
		_, err := b.InsertPage(ctx, Page(fp))
		require.NoError(t, err)
	}
	_, err := b.MarkPageComplete(ctx, "b")
	require.NoError(t, err)
	_, err = b.InsertClaim(ctx, Claim("a", "#x", "agent-1"))
	require.NoError(t, err)
	_, err = b.InsertClaim(ctx, Claim("a", "#y", "agent-2"))
	require.NoError(t, err)

	crit := Finding("a", "500 on /api", "")
	crit.Severity = entity.SeverityCritical
	crit.Category = entity.CategoryHTTPError
	for i := 0; i < 3; i++ {
		crit.ID = fmt.Sprintf("f-crit-%d", i)
		_, err = b.UpsertFinding(ctx, crit.Signature(), crit)
		require.NoError(t, err)
	}
	low := Finding("c", "missing alt text", "")
	low.Severity = entity.SeverityLow
	low.Category = entity.CategoryAccessibility
	_, err = b.UpsertFinding(ctx, low.Signature(), low)
	require.NoError(t, err)

	stats, err := b.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Pages)
	assert.Equal(t, int64(1), stats.CompletePages)
	assert.Equal(t, int64(2), stats.Actions)
	assert.Equal(t, int64(2), stats.Findings)
	assert.Equal(t, int64(4), stats.Occurrences)
	assert.Equal(t, int64(1), stats.BySeverity[entity.SeverityCritical])
	assert.Equal(t, int64(1), stats.BySeverity[entity.SeverityLow])

	ledger, err := b.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, ledger.Pages, 3)
	assert.Equal(t, entity.PageFingerprint("a"), ledger.Pages[0].Fingerprint)
	assert.Len(t, ledger.Actions, 2)
	assert.Len(t, ledger.Findings, 2)
	assert.Equal(t, entity.CategoryHTTPError, ledger.Findings[0].Category)
	assert.NoError(t, b.Ping(ctx))
}
