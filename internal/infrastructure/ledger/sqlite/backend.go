// Package sqlite persists the run ledger in a SQLite file so a run can be
// audited or resumed after the process exits.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"

	_ "modernc.org/sqlite"
)

var _ output.LedgerBackend = (*Backend)(nil)

type Backend struct {
	db    *sql.DB
	runID string
}

// Open opens or creates the database at path. Rows are scoped by runID so one
// file can hold several runs.
func Open(path, runID string) (*Backend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; every statement is serialized through this connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	b := &Backend{db: db, runID: runID}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate() error {
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := b.db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var v int
	err := b.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := b.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case v != schemaVersion:
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

func (b *Backend) RunID() string { return b.runID }

func (b *Backend) InsertPage(ctx context.Context, page entity.PageRecord) (bool, error) {
	if page.FirstSeen.IsZero() {
		page.FirstSeen = time.Now()
	}
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO pages(run_id, fingerprint, url, title, first_seen_by, first_seen, visits, complete)
		 VALUES(?, ?, ?, ?, ?, ?, 1, 0)
		 ON CONFLICT(run_id, fingerprint) DO NOTHING`,
		b.runID, string(page.Fingerprint), page.URL, page.Title, page.FirstSeenBy, page.FirstSeen.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert page rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	if _, err := b.db.ExecContext(ctx,
		"UPDATE pages SET visits = visits + 1 WHERE run_id = ? AND fingerprint = ?",
		b.runID, string(page.Fingerprint)); err != nil {
		return false, fmt.Errorf("bump page visits: %w", err)
	}
	return false, nil
}

func (b *Backend) MarkPageComplete(ctx context.Context, fp entity.PageFingerprint) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		"UPDATE pages SET complete = 1 WHERE run_id = ? AND fingerprint = ? AND complete = 0",
		b.runID, string(fp))
	if err != nil {
		return false, fmt.Errorf("mark page complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark page complete rows: %w", err)
	}
	return n == 1, nil
}

const pageColumns = "fingerprint, url, title, first_seen_by, first_seen, visits, complete"

func scanPage(row interface{ Scan(...any) error }) (entity.PageRecord, error) {
	var (
		p         entity.PageRecord
		fp        string
		firstSeen int64
		complete  int
	)
	if err := row.Scan(&fp, &p.URL, &p.Title, &p.FirstSeenBy, &firstSeen, &p.Visits, &complete); err != nil {
		return p, err
	}
	p.Fingerprint = entity.PageFingerprint(fp)
	p.FirstSeen = time.Unix(0, firstSeen).UTC()
	p.Complete = complete != 0
	return p, nil
}

func (b *Backend) Page(ctx context.Context, fp entity.PageFingerprint) (*entity.PageRecord, error) {
	row := b.db.QueryRowContext(ctx,
		"SELECT "+pageColumns+" FROM pages WHERE run_id = ? AND fingerprint = ?",
		b.runID, string(fp))
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	return &p, nil
}

func (b *Backend) Frontier(ctx context.Context, limit int) ([]entity.PageRecord, error) {
	query := "SELECT " + pageColumns + " FROM pages WHERE run_id = ? AND complete = 0 ORDER BY rowid"
	args := []any{b.runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return b.queryPages(ctx, query, args...)
}

func (b *Backend) queryPages(ctx context.Context, query string, args ...any) ([]entity.PageRecord, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var out []entity.PageRecord
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *Backend) InsertClaim(ctx context.Context, c entity.ActionClaim) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO claims(run_id, key, page, kind, target, param_hash, claimed_by, claimed_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		b.runID, c.Key, string(c.Record.Page), string(c.Record.Kind), c.Record.Target, c.Record.ParamHash,
		c.ClaimedBy, c.ClaimedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert claim rows: %w", err)
	}
	return n == 1, nil
}

func (b *Backend) Claimed(ctx context.Context, key string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM claims WHERE run_id = ? AND key = ?", b.runID, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check claim: %w", err)
	}
	return n > 0, nil
}

func (b *Backend) UpsertFinding(ctx context.Context, signature string, f entity.Finding) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin finding tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if f.ID != "" {
		var prev bool
		err := tx.QueryRowContext(ctx,
			"SELECT created FROM finding_reports WHERE run_id = ? AND id = ?", b.runID, f.ID).Scan(&prev)
		switch {
		case err == nil:
			return prev, nil
		case !errors.Is(err, sql.ErrNoRows):
			return false, fmt.Errorf("check finding report: %w", err)
		}
	}

	ts := f.Timestamp.UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO findings(run_id, signature, id, severity, category, page, url, description,
		                      evidence, discovered_by, ts, last_seen, occurrences)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(run_id, signature) DO NOTHING`,
		b.runID, signature, f.ID, string(f.Severity), string(f.Category), string(f.Page), f.URL,
		f.Description, f.Evidence, f.DiscoveredBy, ts, ts)
	if err != nil {
		return false, fmt.Errorf("insert finding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert finding rows: %w", err)
	}

	created := n == 1
	if !created {
		if _, err := tx.ExecContext(ctx,
			`UPDATE findings
			 SET occurrences = occurrences + 1,
			     last_seen = MAX(last_seen, ?),
			     evidence = CASE WHEN evidence = '' THEN ? ELSE evidence END
			 WHERE run_id = ? AND signature = ?`,
			ts, f.Evidence, b.runID, signature); err != nil {
			return false, fmt.Errorf("coalesce finding: %w", err)
		}
	}
	if f.ID != "" {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO finding_reports(run_id, id, created) VALUES(?, ?, ?)",
			b.runID, f.ID, created); err != nil {
			return false, fmt.Errorf("record finding report: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finding: %w", err)
	}
	return created, nil
}

func (b *Backend) Counts(ctx context.Context) (entity.Stats, error) {
	stats := entity.Stats{BySeverity: make(map[entity.Severity]int64)}

	if err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(complete), 0) FROM pages WHERE run_id = ?", b.runID,
	).Scan(&stats.Pages, &stats.CompletePages); err != nil {
		return stats, fmt.Errorf("count pages: %w", err)
	}
	if err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM claims WHERE run_id = ?", b.runID,
	).Scan(&stats.Actions); err != nil {
		return stats, fmt.Errorf("count claims: %w", err)
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT severity, COUNT(*), SUM(occurrences) FROM findings WHERE run_id = ? GROUP BY severity", b.runID)
	if err != nil {
		return stats, fmt.Errorf("count findings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sev         string
			count, occu int64
		)
		if err := rows.Scan(&sev, &count, &occu); err != nil {
			return stats, fmt.Errorf("scan finding counts: %w", err)
		}
		stats.BySeverity[entity.Severity(sev)] = count
		stats.Findings += count
		stats.Occurrences += occu
	}
	return stats, rows.Err()
}

func (b *Backend) Export(ctx context.Context) (*entity.Ledger, error) {
	ledger := &entity.Ledger{RunID: b.runID}

	pages, err := b.queryPages(ctx, "SELECT "+pageColumns+" FROM pages WHERE run_id = ? ORDER BY rowid", b.runID)
	if err != nil {
		return nil, err
	}
	ledger.Pages = pages

	if ledger.Actions, err = b.exportClaims(ctx); err != nil {
		return nil, err
	}
	if ledger.Findings, err = b.exportFindings(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

func (b *Backend) exportClaims(ctx context.Context) ([]entity.ActionClaim, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, page, kind, target, param_hash, claimed_by, claimed_at
		 FROM claims WHERE run_id = ? ORDER BY rowid`, b.runID)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var out []entity.ActionClaim
	for rows.Next() {
		var (
			c          entity.ActionClaim
			page, kind string
			claimedAt  int64
		)
		if err := rows.Scan(&c.Key, &page, &kind, &c.Record.Target, &c.Record.ParamHash, &c.ClaimedBy, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		c.Record.Page = entity.PageFingerprint(page)
		c.Record.Kind = entity.ActionKind(kind)
		c.ClaimedAt = time.Unix(0, claimedAt).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *Backend) exportFindings(ctx context.Context) ([]entity.Finding, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, severity, category, page, url, description, evidence, discovered_by, ts, last_seen, occurrences
		 FROM findings WHERE run_id = ? ORDER BY rowid`, b.runID)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []entity.Finding
	for rows.Next() {
		var (
			f              entity.Finding
			sev, cat, page string
			ts, lastSeen   int64
		)
		if err := rows.Scan(&f.ID, &sev, &cat, &page, &f.URL, &f.Description, &f.Evidence,
			&f.DiscoveredBy, &ts, &lastSeen, &f.Occurrences); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Severity = entity.Severity(sev)
		f.Category = entity.Category(cat)
		f.Page = entity.PageFingerprint(page)
		f.Timestamp = time.Unix(0, ts).UTC()
		f.LastSeen = time.Unix(0, lastSeen).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// Runs lists the run ids stored in the file, oldest first.
func (b *Backend) Runs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT run_id FROM pages GROUP BY run_id ORDER BY MIN(first_seen)")
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Close() error {
	return b.db.Close()
}
