// Package evidence stores screenshots attached to findings.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"

	"github.com/disintegration/imaging"
)

var _ output.EvidenceStore = (*FileStore)(nil)

const defaultMaxWidth = 1024

// FileStore writes screenshots below dir as <agent>_<seq>.<format> and
// returns paths relative to dir.
type FileStore struct {
	dir      string
	maxWidth int
}

func NewFileStore(dir string, maxWidth int) (*FileStore, error) {
	if maxWidth <= 0 {
		maxWidth = defaultMaxWidth
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &FileStore{dir: dir, maxWidth: maxWidth}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Save(ctx context.Context, agentID string, seq int, shot *entity.Screenshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if shot == nil || len(shot.Data) == 0 {
		return "", fmt.Errorf("empty screenshot")
	}

	img, err := imaging.Decode(bytes.NewReader(shot.Data))
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	if img.Bounds().Dx() > s.maxWidth {
		img = imaging.Resize(img, s.maxWidth, 0, imaging.Lanczos)
	}

	ext := "jpg"
	if shot.Format == "png" {
		ext = "png"
	}
	name := fmt.Sprintf("%s_%04d.%s", agentID, seq, ext)
	if err := imaging.Save(img, filepath.Join(s.dir, name), imaging.JPEGQuality(75)); err != nil {
		return "", fmt.Errorf("save screenshot: %w", err)
	}
	return name, nil
}
