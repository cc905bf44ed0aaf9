package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertAndList(t *testing.T) {
	c := newCatalog(t)

	require.NoError(t, c.Upsert(Record{
		Filename:   "a.pb",
		SizeBytes:  100,
		FrameCount: 10,
		DeviceID:   "dev-1",
		ModifiedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, c.Upsert(Record{
		Filename:   "b.pb",
		SizeBytes:  200,
		ModifiedAt: time.Now(),
	}))

	recs, err := c.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b.pb", recs[0].Filename, "newest first")
	assert.Equal(t, "a.pb", recs[1].Filename)
	assert.Equal(t, 10, recs[1].FrameCount)
}

func TestUpsertPreservesKnownCounts(t *testing.T) {
	c := newCatalog(t)

	require.NoError(t, c.Upsert(Record{
		Filename: "a.pb", SizeBytes: 100, FrameCount: 42, DeviceID: "dev-1",
		AnnotationCount: 7, ModifiedAt: time.Now(),
	}))
	// A directory refresh only knows size and mtime.
	require.NoError(t, c.Upsert(Record{
		Filename: "a.pb", SizeBytes: 150, ModifiedAt: time.Now(),
	}))

	recs, err := c.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(150), recs[0].SizeBytes)
	assert.Equal(t, 42, recs[0].FrameCount)
	assert.Equal(t, "dev-1", recs[0].DeviceID)
	assert.Equal(t, 7, recs[0].AnnotationCount)
}

func TestRefresh(t *testing.T) {
	c := newCatalog(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.pb"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.pb"), []byte("moredata"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.seg.pb"), []byte("sidecar"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	recs, err := c.Refresh(dir)
	require.NoError(t, err)
	require.Len(t, recs, 2, "sidecars and non-recordings are excluded")

	// A stale catalog row disappears when its file is gone.
	require.NoError(t, os.Remove(filepath.Join(dir, "two.pb")))
	recs, err = c.Refresh(dir)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "one.pb", recs[0].Filename)
	assert.Equal(t, int64(4), recs[0].SizeBytes)
}

func TestRefreshMissingDir(t *testing.T) {
	c := newCatalog(t)
	recs, err := c.Refresh(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}
