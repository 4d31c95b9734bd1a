package staging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArea(t *testing.T) *Area {
	t.Helper()
	a, err := New(filepath.Join(t.TempDir(), "cache"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func TestTempDirIsUnique(t *testing.T) {
	a := newTestArea(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		dir, err := a.TempDir()
		require.NoError(t, err)
		assert.False(t, seen[dir], "temp dir %s reused", dir)
		seen[dir] = true
		assert.Equal(t, filepath.Join(a.Root(), "tmp"), filepath.Dir(dir))
	}
}

func TestMoveReplacesDestination(t *testing.T) {
	a := newTestArea(t)
	final := filepath.Join(t.TempDir(), "birds-media", "a.png")
	require.NoError(t, a.WriteFile(final, []byte("old")))

	staged, err := a.TempFile("media-*")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged, []byte("new"), 0644))

	require.NoError(t, a.Move(staged, final))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	assert.NoFileExists(t, staged)
}

func TestMoveMissingSourceKeepsNothingHalfWritten(t *testing.T) {
	a := newTestArea(t)
	final := filepath.Join(t.TempDir(), "a.png")

	err := a.Move(filepath.Join(a.Root(), "missing"), final)
	require.Error(t, err)
	assert.NoFileExists(t, final)
}

func TestCopy(t *testing.T) {
	a := newTestArea(t)
	src := filepath.Join(t.TempDir(), "src.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b"), 0644))

	dst := filepath.Join(t.TempDir(), "nested", "dst.csv")
	require.NoError(t, a.Copy(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(got))
	assert.FileExists(t, src)
}

func TestMD5CachesUntilFileChanges(t *testing.T) {
	a := newTestArea(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	sum, err := a.MD5(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
	assert.Equal(t, 1, a.hashes.Len())

	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))
	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	sum, err = a.MD5(path)
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", sum)

	_, err = a.MD5(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestPurgeStale(t *testing.T) {
	a := newTestArea(t)

	old, err := a.TempDir()
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh, err := a.TempDir()
	require.NoError(t, err)

	assert.Equal(t, 1, a.PurgeStale(time.Hour))
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
}
