package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempImage(t *testing.T, size int) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func TestSyncBackendReadWriteRoundTrip(t *testing.T) {
	path := tempImage(t, 4096)
	b, err := NewSyncBackend(path, false)
	require.NoError(t, err)
	defer b.Close()

	data := []byte("hello disk")
	require.NoError(t, b.WriteAt(data, 512))

	out := make([]byte, len(data))
	require.NoError(t, b.ReadAt(out, 512))
	require.Equal(t, data, out)
	require.NoError(t, b.Flush())
}

func TestSyncBackendReadPastEndErrors(t *testing.T) {
	path := tempImage(t, 16)
	b, err := NewSyncBackend(path, false)
	require.NoError(t, err)
	defer b.Close()

	out := make([]byte, 64)
	require.Error(t, b.ReadAt(out, 0))
}

func TestSyncBackendSecondOpenFailsOnLock(t *testing.T) {
	path := tempImage(t, 16)
	b1, err := NewSyncBackend(path, false)
	require.NoError(t, err)
	defer b1.Close()

	_, err = NewSyncBackend(path, false)
	require.Error(t, err)
}

func TestMmapBackendReadWriteRoundTrip(t *testing.T) {
	path := tempImage(t, 4096)
	b, err := NewMmapBackend(path, false)
	require.NoError(t, err)
	defer b.Close()

	data := []byte("mmap backend")
	require.NoError(t, b.WriteAt(data, 100))
	out := make([]byte, len(data))
	require.NoError(t, b.ReadAt(out, 100))
	require.Equal(t, data, out)
}

func TestAsyncBackendDrainReturnsCompletion(t *testing.T) {
	path := tempImage(t, 4096)
	b, err := NewAsyncBackend(path, false)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.WriteAt([]byte("async"), 0))
	completions := b.Drain()
	require.Len(t, completions, 1)
	require.NoError(t, completions[0].Err)
	require.NotEqual(t, -1, b.CompletionFD())
}
