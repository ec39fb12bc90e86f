package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the behavior every backend must share.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	location := TaskLocation(uuid.New(), "contacts.vcf")

	n, err := s.Put(ctx, location, strings.NewReader("BEGIN:VCARD"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	r, err := s.Get(ctx, location)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "BEGIN:VCARD", string(data))

	_, err = s.Put(ctx, location, strings.NewReader("replaced"))
	require.NoError(t, err)
	r, err = s.Get(ctx, location)
	require.NoError(t, err)
	data, _ = io.ReadAll(r)
	_ = r.Close()
	assert.Equal(t, "replaced", string(data))

	require.NoError(t, s.Delete(ctx, location))
	_, err = s.Get(ctx, location)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice is fine.
	assert.NoError(t, s.Delete(ctx, location))

	_, err = s.Put(ctx, "../outside", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidLocation)
	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestFS(t *testing.T) {
	t.Parallel()

	s, err := NewFS(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	testStore(t, s)
}

func TestFSPutLeavesNoTemporaryFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewFS(root)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "a/b/c.zip", strings.NewReader("zip"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c.zip", entries[0].Name())
}

func TestFSPutHonorsContext(t *testing.T) {
	t.Parallel()

	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, "canceled.bin", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Get(context.Background(), "canceled.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	s, err := NewRedis(RedisOptions{Addr: addr, Prefix: "exportq:test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	testStore(t, s)
}

func TestBuckets(t *testing.T) {
	t.Parallel()

	fallback, err := NewFS(t.TempDir())
	require.NoError(t, err)
	archive, err := NewFS(t.TempDir())
	require.NoError(t, err)

	b := NewBuckets(fallback)
	b.Register(7, archive)

	got, err := b.Bucket(7)
	require.NoError(t, err)
	assert.Same(t, archive, got)

	got, err = b.Bucket(1)
	require.NoError(t, err)
	assert.Same(t, fallback, got)

	_, err = NewBuckets(nil).Bucket(1)
	assert.Error(t, err)
}

func TestTaskLocation(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("2b1f9c2e-6a7d-4a38-9d0e-1b5f8c3a7e11")
	assert.Equal(t, "exports/2b1f9c2e-6a7d-4a38-9d0e-1b5f8c3a7e11/part-1.zip", TaskLocation(id, "part-1.zip"))
}
