package artifacts

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirStore_Put(t *testing.T) {
	root := t.TempDir()
	s, err := NewDirStore(root, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	uri, err := s.Put(context.Background(), JobKey("job-1", "index.html"), []byte("<html></html>"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(root, "jobs", "job-1", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))
}

func TestDirStore_KeysStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	s, err := NewDirStore(root, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	// Leading ".." is clamped to the root
	_, err = s.Put(context.Background(), "../../outside.txt", []byte("x"), "")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "outside.txt"))
	assert.NoError(t, err)

	_, err = s.Put(context.Background(), "  ", []byte("x"), "")
	assert.Error(t, err)
}

func TestContentTypeForKey(t *testing.T) {
	tests := map[string]string{
		"a/index.html":  "text/html; charset=utf-8",
		"design.md":     "text/markdown; charset=utf-8",
		"report.JSON":   "application/json",
		"ship.png":      "image/png",
		"photo.jpeg":    "image/jpeg",
		"archive.bin":   "application/octet-stream",
		"no-extension":  "application/octet-stream",
		"tile.webp":     "image/webp",
		"legacy.htm":    "text/html; charset=utf-8",
		"snapshot.jpg":  "image/jpeg",
		"notes/info.md": "text/markdown; charset=utf-8",
	}
	for key, want := range tests {
		assert.Equal(t, want, ContentTypeForKey(key), key)
	}
}

func TestGCSStore_ObjectName(t *testing.T) {
	s := &GCSStore{bucket: "games", prefix: "gamegen"}
	name, err := s.objectName(JobKey("job-1", "assets", "ship.png"))
	require.NoError(t, err)
	assert.Equal(t, "gamegen/jobs/job-1/assets/ship.png", name)

	s.prefix = ""
	name, err = s.objectName("/jobs/job-2/report.json")
	require.NoError(t, err)
	assert.Equal(t, "jobs/job-2/report.json", name)
}
