package coordination

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/application/service"
	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/infrastructure/ledger/memory"
	redisledger "browser-swarm/internal/infrastructure/ledger/redis"
	"browser-swarm/internal/infrastructure/ledger/sqlite"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var errFlaky = errors.New("connection reset")

// flakyBackend fails the next `fail` calls of every method.
type flakyBackend struct {
	output.LedgerBackend
	fail  atomic.Int32
	calls atomic.Int32
}

func (f *flakyBackend) trip() error {
	f.calls.Add(1)
	if f.fail.Add(-1) >= 0 {
		return errFlaky
	}
	return nil
}

func (f *flakyBackend) InsertClaim(ctx context.Context, c entity.ActionClaim) (bool, error) {
	if err := f.trip(); err != nil {
		return false, err
	}
	return f.LedgerBackend.InsertClaim(ctx, c)
}

func (f *flakyBackend) InsertPage(ctx context.Context, p entity.PageRecord) (bool, error) {
	if err := f.trip(); err != nil {
		return false, err
	}
	return f.LedgerBackend.InsertPage(ctx, p)
}

func (f *flakyBackend) UpsertFinding(ctx context.Context, sig string, fd entity.Finding) (bool, error) {
	if err := f.trip(); err != nil {
		return false, err
	}
	return f.LedgerBackend.UpsertFinding(ctx, sig, fd)
}

// lostReplyBackend applies the next `lose` finding writes and then reports
// them as failed, as if the reply never reached the caller.
type lostReplyBackend struct {
	output.LedgerBackend
	lose atomic.Int32
}

func (l *lostReplyBackend) UpsertFinding(ctx context.Context, sig string, fd entity.Finding) (bool, error) {
	created, err := l.LedgerBackend.UpsertFinding(ctx, sig, fd)
	if err == nil && l.lose.Add(-1) >= 0 {
		return false, errFlaky
	}
	return created, err
}

func fastPolicy() service.RetryPolicy {
	return service.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func openStore(t *testing.T, backend output.LedgerBackend) *Store {
	t.Helper()
	s, err := Open(context.Background(), backend, Options{RunID: "run-test", Retry: fastPolicy()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func page(fp string) entity.PageRecord {
	return entity.PageRecord{Fingerprint: entity.PageFingerprint(fp), URL: "http://app.test/" + fp, FirstSeenBy: "agent-1"}
}

func record(fp, target string) entity.ActionRecord {
	return entity.NewActionRecord(entity.PageFingerprint(fp), entity.Action{Kind: entity.ActionClick, Target: target})
}

func finding(fp, desc, evidence string, sev entity.Severity) entity.Finding {
	return entity.Finding{
		Severity:     sev,
		Category:     entity.CategoryJSError,
		Page:         entity.PageFingerprint(fp),
		Description:  desc,
		Evidence:     evidence,
		DiscoveredBy: "agent-1",
	}
}

func TestStore_RegisterPageIdempotent(t *testing.T) {
	s := openStore(t, memory.New("run-test"))
	ctx := context.Background()

	res, err := s.RegisterPage(ctx, page("home"))
	require.NoError(t, err)
	assert.True(t, res.New)

	for i := 0; i < 3; i++ {
		res, err = s.RegisterPage(ctx, page("home"))
		require.NoError(t, err)
		assert.False(t, res.New)
	}

	assert.Equal(t, int64(1), s.Snapshot().Pages)
	ledger, err := s.Export(ctx)
	require.NoError(t, err)
	require.Len(t, ledger.Pages, 1)
	assert.Equal(t, 4, ledger.Pages[0].Visits)
	assert.Equal(t, "run-test", ledger.RunID)
}

func TestStore_ConcurrentClaimSingleWinner(t *testing.T) {
	s := openStore(t, memory.New("run-test"))
	ctx := context.Background()
	rec := record("home", "e3")

	const agents = 32
	winners := make(chan string, agents)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			won, err := s.TryClaimAction(ctx, rec, id)
			assert.NoError(t, err)
			if won {
				winners <- id
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	close(start)
	wg.Wait()
	close(winners)

	var got []string
	for id := range winners {
		got = append(got, id)
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), s.Snapshot().Actions)

	claimed, err := s.IsClaimed(ctx, rec)
	require.NoError(t, err)
	assert.True(t, claimed)

	ledger, err := s.Export(ctx)
	require.NoError(t, err)
	require.Len(t, ledger.Actions, 1)
	assert.Equal(t, got[0], ledger.Actions[0].ClaimedBy)
}

func TestStore_FindingCoalescingKeepsFirstEvidence(t *testing.T) {
	s := openStore(t, memory.New("run-test"))
	ctx := context.Background()

	created, err := s.RecordFinding(ctx, finding("p4", "Uncaught TypeError", "evidence/a.png", entity.SeverityHigh))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.RecordFinding(ctx, finding("p4", "uncaught   typeerror", "evidence/b.png", entity.SeverityHigh))
	require.NoError(t, err)
	assert.False(t, created)

	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.Findings)
	assert.Equal(t, int64(2), snap.Occurrences)
	assert.Equal(t, int64(1), snap.BySeverity[entity.SeverityHigh])

	ledger, err := s.Export(ctx)
	require.NoError(t, err)
	require.Len(t, ledger.Findings, 1)
	assert.Equal(t, "evidence/a.png", ledger.Findings[0].Evidence)
	assert.Equal(t, 2, ledger.Findings[0].Occurrences)
	assert.NotEmpty(t, ledger.Findings[0].ID)
}

func TestStore_InvalidFindingIsNotRetried(t *testing.T) {
	backend := &flakyBackend{LedgerBackend: memory.New("run-test")}
	s := openStore(t, backend)

	_, err := s.RecordFinding(context.Background(), finding("p", "", "", entity.SeverityLow))
	assert.ErrorIs(t, err, entity.ErrInvalidFinding)
	assert.NotErrorIs(t, err, entity.ErrCoordinationUnavailable)
	assert.Equal(t, int32(0), backend.calls.Load())

	_, err = s.RecordFinding(context.Background(), finding("p", "x", "", "urgent"))
	assert.ErrorIs(t, err, entity.ErrInvalidFinding)
}

func TestStore_RecordFindingRetryAfterLostReply(t *testing.T) {
	backend := &lostReplyBackend{LedgerBackend: memory.New("run-test")}
	s := openStore(t, backend)
	backend.lose.Store(2)
	ctx := context.Background()

	created, err := s.RecordFinding(ctx, finding("p", "TypeError", "", entity.SeverityHigh))
	require.NoError(t, err)
	assert.True(t, created)

	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.Findings)
	assert.Equal(t, int64(1), snap.Occurrences)

	ledger, err := s.Export(ctx)
	require.NoError(t, err)
	require.Len(t, ledger.Findings, 1)
	assert.Equal(t, 1, ledger.Findings[0].Occurrences)
}

func TestStore_RetriesTransientErrors(t *testing.T) {
	backend := &flakyBackend{LedgerBackend: memory.New("run-test")}
	s := openStore(t, backend)
	backend.fail.Store(2)

	won, err := s.TryClaimAction(context.Background(), record("p", "e0"), "agent-1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestStore_UnavailableAfterRetries(t *testing.T) {
	backend := &flakyBackend{LedgerBackend: memory.New("run-test")}
	s := openStore(t, backend)
	backend.fail.Store(100)

	_, err := s.RegisterPage(context.Background(), page("p"))
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrCoordinationUnavailable)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int32(3), backend.calls.Load())
	assert.Equal(t, int64(0), s.Snapshot().Pages)
}

func TestStore_CancelledContextIsNotUnavailable(t *testing.T) {
	backend := &flakyBackend{LedgerBackend: memory.New("run-test")}
	s := openStore(t, backend)
	backend.fail.Store(100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.TryClaimAction(ctx, record("p", "e0"), "agent-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, entity.ErrCoordinationUnavailable)
}

func TestStore_PageCompletionAndFrontier(t *testing.T) {
	s := openStore(t, memory.New("run-test"))
	ctx := context.Background()

	for _, fp := range []string{"a", "b", "c"} {
		_, err := s.RegisterPage(ctx, page(fp))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkPageComplete(ctx, "b"))
	require.NoError(t, s.MarkPageComplete(ctx, "b"))

	done, err := s.IsPageComplete(ctx, "b")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.IsPageComplete(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, done)

	frontier, err := s.Frontier(ctx, 0)
	require.NoError(t, err)
	require.Len(t, frontier, 2)
	assert.Equal(t, entity.PageFingerprint("a"), frontier[0].Fingerprint)
	assert.Equal(t, entity.PageFingerprint("c"), frontier[1].Fingerprint)
	assert.Equal(t, int64(1), s.Snapshot().CompletePages)
}

func TestStore_ResumeSeedsSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	backend, err := sqlite.Open(path, "run-resume")
	require.NoError(t, err)
	s, err := Open(ctx, backend, Options{RunID: "run-resume", Retry: fastPolicy()})
	require.NoError(t, err)
	_, err = s.RegisterPage(ctx, page("home"))
	require.NoError(t, err)
	_, err = s.RecordFinding(ctx, finding("home", "boom", "", entity.SeverityCritical))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	backend, err = sqlite.Open(path, "run-resume")
	require.NoError(t, err)
	resumed := openStore(t, backend)

	snap := resumed.Snapshot()
	assert.Equal(t, int64(1), snap.Pages)
	assert.Equal(t, int64(1), snap.Findings)
	assert.Equal(t, int64(1), snap.BySeverity[entity.SeverityCritical])
}

type backendFactory func() (output.LedgerBackend, func())

func backends(t *testing.T) map[string]backendFactory {
	var seq atomic.Int64
	dir := t.TempDir()
	return map[string]backendFactory{
		"memory": func() (output.LedgerBackend, func()) {
			return memory.New("prop"), func() {}
		},
		"sqlite": func() (output.LedgerBackend, func()) {
			b, err := sqlite.Open(filepath.Join(dir, fmt.Sprintf("prop-%d.db", seq.Add(1))), "prop")
			require.NoError(t, err)
			return b, func() {}
		},
		"redis": func() (output.LedgerBackend, func()) {
			mr, err := miniredis.Run()
			require.NoError(t, err)
			return redisledger.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "", "prop"), mr.Close
		},
	}
}

// Any interleaving of claims behaves like a sequential set: the first claim
// of a record wins and every later one loses.
func TestStore_ClaimLinearizabilityProperty(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				backend, cleanup := factory()
				defer cleanup()
				s, err := Open(context.Background(), backend, Options{RunID: "prop", Retry: fastPolicy()})
				require.NoError(rt, err)
				defer s.Close()

				targets := rapid.SliceOfN(rapid.SampledFrom([]string{"e0", "e1", "e2", "e3"}), 1, 24).Draw(rt, "targets")
				workers := rapid.IntRange(1, 4).Draw(rt, "workers")

				var wins sync.Map
				var total atomic.Int64
				var wg sync.WaitGroup
				for w := 0; w < workers; w++ {
					wg.Add(1)
					go func(agent string) {
						defer wg.Done()
						for _, target := range targets {
							won, err := s.TryClaimAction(context.Background(), record("page", target), agent)
							if err != nil {
								rt.Error(err)
								return
							}
							if won {
								total.Add(1)
								if prev, loaded := wins.LoadOrStore(target, agent); loaded {
									rt.Errorf("target %s won twice: %v and %s", target, prev, agent)
								}
							}
						}
					}(fmt.Sprintf("agent-%d", w))
				}
				wg.Wait()

				distinct := map[string]struct{}{}
				for _, target := range targets {
					distinct[target] = struct{}{}
				}
				if total.Load() != int64(len(distinct)) {
					rt.Fatalf("wins = %d, distinct targets = %d", total.Load(), len(distinct))
				}
				if s.Snapshot().Actions != int64(len(distinct)) {
					rt.Fatalf("snapshot actions = %d, want %d", s.Snapshot().Actions, len(distinct))
				}
			})
		})
	}
}
