// Package redis shares the run ledger between swarm processes through Redis.
// Multi-key updates run as Lua scripts so each operation is atomic. Every key
// of a run carries the run id as a hash tag, so a cluster client keeps them in
// one slot.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"

	goredis "github.com/redis/go-redis/v9"
)

var _ output.LedgerBackend = (*Backend)(nil)

type Config struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type Backend struct {
	client goredis.UniversalClient
	runID  string
	prefix string
}

func Open(ctx context.Context, cfg Config, runID string) (*Backend, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, cfg.KeyPrefix, runID), nil
}

func New(client goredis.UniversalClient, keyPrefix, runID string) *Backend {
	if keyPrefix == "" {
		keyPrefix = "swarm:"
	}
	return &Backend{
		client: client,
		runID:  runID,
		prefix: keyPrefix + "{" + runID + "}:",
	}
}

func (b *Backend) pageKey(fp entity.PageFingerprint) string { return b.prefix + "page:" + string(fp) }
func (b *Backend) pagesKey() string { return b.prefix + "pages" }
func (b *Backend) frontierKey() string { return b.prefix + "frontier" }
func (b *Backend) pageSeqKey() string { return b.prefix + "pages:seq" }
func (b *Backend) claimsKey() string { return b.prefix + "claims" }
func (b *Backend) claimOrderKey() string { return b.prefix + "claims:order" }
func (b *Backend) findingKey(sig string) string { return b.prefix + "finding:" + sig }
func (b *Backend) findingsKey() string { return b.prefix + "findings" }
func (b *Backend) findingSeqKey() string { return b.prefix + "findings:seq" }
func (b *Backend) countersKey() string { return b.prefix + "counters" }
func (b *Backend) reportsKey() string { return b.prefix + "findings:reports" }

func (b *Backend) InsertPage(ctx context.Context, page entity.PageRecord) (bool, error) {
	if page.FirstSeen.IsZero() {
		page.FirstSeen = time.Now()
	}
	n, err := insertPageScript.Run(ctx, b.client,
		[]string{b.pageKey(page.Fingerprint), b.pagesKey(), b.frontierKey(), b.pageSeqKey()},
		string(page.Fingerprint), page.URL, page.Title, page.FirstSeenBy, page.FirstSeen.UnixMicro(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("insert page: %w", err)
	}
	return n == 1, nil
}

func (b *Backend) MarkPageComplete(ctx context.Context, fp entity.PageFingerprint) (bool, error) {
	n, err := completePageScript.Run(ctx, b.client,
		[]string{b.pageKey(fp), b.frontierKey()}, string(fp)).Int()
	if err != nil {
		return false, fmt.Errorf("mark page complete: %w", err)
	}
	return n == 1, nil
}

func (b *Backend) Page(ctx context.Context, fp entity.PageFingerprint) (*entity.PageRecord, error) {
	fields, err := b.client.HGetAll(ctx, b.pageKey(fp)).Result()
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	p := decodePage(fields)
	return &p, nil
}

func (b *Backend) Frontier(ctx context.Context, limit int) ([]entity.PageRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	return b.pagesFrom(ctx, b.frontierKey(), stop)
}

func (b *Backend) pagesFrom(ctx context.Context, index string, stop int64) ([]entity.PageRecord, error) {
	fps, err := b.client.ZRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read page index: %w", err)
	}
	if len(fps) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(fps))
	for i, fp := range fps {
		cmds[i] = pipe.HGetAll(ctx, b.pageKey(entity.PageFingerprint(fp)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read pages: %w", err)
	}

	out := make([]entity.PageRecord, 0, len(cmds))
	for _, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			out = append(out, decodePage(fields))
		}
	}
	return out, nil
}

func (b *Backend) InsertClaim(ctx context.Context, c entity.ActionClaim) (bool, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("failed to marshal claim: %w", err)
	}
	n, err := insertClaimScript.Run(ctx, b.client,
		[]string{b.claimsKey(), b.claimOrderKey()}, c.Key, data).Int()
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	return n == 1, nil
}

func (b *Backend) Claimed(ctx context.Context, key string) (bool, error) {
	ok, err := b.client.HExists(ctx, b.claimsKey(), key).Result()
	if err != nil {
		return false, fmt.Errorf("check claim: %w", err)
	}
	return ok, nil
}

func (b *Backend) UpsertFinding(ctx context.Context, signature string, f entity.Finding) (bool, error) {
	n, err := upsertFindingScript.Run(ctx, b.client,
		[]string{b.findingKey(signature), b.findingsKey(), b.findingSeqKey(), b.countersKey(), b.reportsKey()},
		signature, f.ID, string(f.Severity), string(f.Category), string(f.Page), f.URL,
		f.Description, f.Evidence, f.DiscoveredBy, f.Timestamp.UnixMicro(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("upsert finding: %w", err)
	}
	return n == 1, nil
}

func (b *Backend) Counts(ctx context.Context) (entity.Stats, error) {
	pipe := b.client.Pipeline()
	pages := pipe.ZCard(ctx, b.pagesKey())
	frontier := pipe.ZCard(ctx, b.frontierKey())
	claims := pipe.HLen(ctx, b.claimsKey())
	findings := pipe.ZCard(ctx, b.findingsKey())
	counters := pipe.HGetAll(ctx, b.countersKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return entity.Stats{}, fmt.Errorf("read counts: %w", err)
	}

	stats := entity.Stats{
		Pages:         pages.Val(),
		CompletePages: pages.Val() - frontier.Val(),
		Actions:       claims.Val(),
		Findings:      findings.Val(),
		BySeverity:    make(map[entity.Severity]int64),
	}
	for field, raw := range counters.Val() {
		v, _ := strconv.ParseInt(raw, 10, 64)
		if field == "occurrences" {
			stats.Occurrences = v
			continue
		}
		if sev, ok := strings.CutPrefix(field, "sev:"); ok {
			stats.BySeverity[entity.Severity(sev)] = v
		}
	}
	return stats, nil
}

func (b *Backend) Export(ctx context.Context) (*entity.Ledger, error) {
	ledger := &entity.Ledger{RunID: b.runID}

	pages, err := b.pagesFrom(ctx, b.pagesKey(), -1)
	if err != nil {
		return nil, err
	}
	ledger.Pages = pages

	keys, err := b.client.LRange(ctx, b.claimOrderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read claim order: %w", err)
	}
	if len(keys) > 0 {
		raw, err := b.client.HMGet(ctx, b.claimsKey(), keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("read claims: %w", err)
		}
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var c entity.ActionClaim
			if err := json.Unmarshal([]byte(s), &c); err != nil {
				return nil, fmt.Errorf("failed to unmarshal claim: %w", err)
			}
			ledger.Actions = append(ledger.Actions, c)
		}
	}

	sigs, err := b.client.ZRange(ctx, b.findingsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read finding index: %w", err)
	}
	if len(sigs) > 0 {
		pipe := b.client.Pipeline()
		cmds := make([]*goredis.MapStringStringCmd, len(sigs))
		for i, sig := range sigs {
			cmds[i] = pipe.HGetAll(ctx, b.findingKey(sig))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read findings: %w", err)
		}
		for _, cmd := range cmds {
			if fields := cmd.Val(); len(fields) > 0 {
				ledger.Findings = append(ledger.Findings, decodeFinding(fields))
			}
		}
	}
	return ledger, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func decodePage(m map[string]string) entity.PageRecord {
	return entity.PageRecord{
		Fingerprint: entity.PageFingerprint(m["fingerprint"]),
		URL:         m["url"],
		Title:       m["title"],
		FirstSeenBy: m["first_seen_by"],
		FirstSeen:   micros(m["first_seen"]),
		Visits:      atoi(m["visits"]),
		Complete:    m["complete"] == "1",
	}
}

func decodeFinding(m map[string]string) entity.Finding {
	return entity.Finding{
		ID:           m["id"],
		Severity:     entity.Severity(m["severity"]),
		Category:     entity.Category(m["category"]),
		Page:         entity.PageFingerprint(m["page"]),
		URL:          m["url"],
		Description:  m["description"],
		Evidence:     m["evidence"],
		DiscoveredBy: m["discovered_by"],
		Timestamp:    micros(m["ts"]),
		LastSeen:     micros(m["last_seen"]),
		Occurrences:  atoi(m["occurrences"]),
	}
}

func micros(s string) time.Time {
	v, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMicro(v).UTC()
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
