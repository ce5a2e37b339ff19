package sqlite

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
	run_id        TEXT    NOT NULL,
	fingerprint   TEXT    NOT NULL,
	url           TEXT    NOT NULL,
	title         TEXT    NOT NULL DEFAULT '',
	first_seen_by TEXT    NOT NULL DEFAULT '',
	first_seen    INTEGER NOT NULL,
	visits        INTEGER NOT NULL DEFAULT 1,
	complete      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS claims (
	run_id     TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	page       TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	target     TEXT    NOT NULL DEFAULT '',
	param_hash TEXT    NOT NULL DEFAULT '',
	claimed_by TEXT    NOT NULL,
	claimed_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS findings (
	run_id        TEXT    NOT NULL,
	signature     TEXT    NOT NULL,
	id            TEXT    NOT NULL,
	severity      TEXT    NOT NULL,
	category      TEXT    NOT NULL,
	page          TEXT    NOT NULL DEFAULT '',
	url           TEXT    NOT NULL DEFAULT '',
	description   TEXT    NOT NULL,
	evidence      TEXT    NOT NULL DEFAULT '',
	discovered_by TEXT    NOT NULL DEFAULT '',
	ts            INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL,
	occurrences   INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (run_id, signature)
);

CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(run_id, severity);

CREATE TABLE IF NOT EXISTS finding_reports (
	run_id  TEXT    NOT NULL,
	id      TEXT    NOT NULL,
	created INTEGER NOT NULL,
	PRIMARY KEY (run_id, id)
);
`
