package evidence

import (
	"bytes"
	"context"
	"image/color"
	"path/filepath"
	"testing"

	"browser-swarm/internal/domain/entity"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngShot(t *testing.T, w, h int) *entity.Screenshot {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.White), imaging.PNG))
	return &entity.Screenshot{Data: buf.Bytes(), Format: "png", Width: w, Height: h}
}

func TestFileStore_SaveResizes(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 200)
	require.NoError(t, err)

	ref, err := s.Save(context.Background(), "agent-1", 3, pngShot(t, 800, 400))
	require.NoError(t, err)
	assert.Equal(t, "agent-1_0003.png", ref)

	img, err := imaging.Open(filepath.Join(dir, ref))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestFileStore_RejectsGarbage(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = s.Save(context.Background(), "agent-1", 1, &entity.Screenshot{Data: []byte("not an image"), Format: "png"})
	assert.Error(t, err)

	_, err = s.Save(context.Background(), "agent-1", 1, nil)
	assert.Error(t, err)
}
