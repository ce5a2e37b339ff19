// Package report writes run reports to disk.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"
)

var _ output.ReportWriter = (*JSONWriter)(nil)

type JSONWriter struct {
	dir string
}

func NewJSONWriter(dir string) *JSONWriter {
	return &JSONWriter{dir: dir}
}

// Write stores the report as report_<run>_<timestamp>.json and returns the path.
func (w *JSONWriter) Write(ctx context.Context, r *entity.RunReport) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	ts := r.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	path := filepath.Join(w.dir, fmt.Sprintf("report_%s_%s.json", r.RunID, ts.UTC().Format("20060102T150405Z")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
