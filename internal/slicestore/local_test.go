package slicestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/compressor"
)

func payload(index int, content string) *checkbook.SlicePayload {
	return &checkbook.SlicePayload{
		Slice: checkbook.Slice{
			Index:             index,
			Length:            int64(len(content)),
			Adler:             checkbook.Adler32(checkbook.InitialAdler, []byte(content)),
			PreviousAdler:     checkbook.InitialAdler,
			CheckBookFilename: "movie.mkv.checkbook",
		},
		Content: []byte(content),
	}
}

func TestLocalStorePutGet(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		t.Run(name, func(t *testing.T) {
			codec, err := compressor.ByName(name)
			require.NoError(t, err)
			dir := t.TempDir()
			store, err := NewLocalStore(dir, codec)
			require.NoError(t, err)

			p := payload(3, "hello slice")
			require.NoError(t, store.Put(p))
			assert.FileExists(t, filepath.Join(dir, "movie.mkv.checkbook.3"))
			assert.True(t, store.Exists("movie.mkv.checkbook", 3))

			got, err := store.Get("movie.mkv.checkbook", 3)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestLocalStoreReadsOtherCodecs(t *testing.T) {
	dir := t.TempDir()
	zstd, _ := compressor.ByName("zstd")
	writer, err := NewLocalStore(dir, zstd)
	require.NoError(t, err)
	require.NoError(t, writer.Put(payload(0, "written as zstd")))

	reader, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	got, err := reader.Get("movie.mkv.checkbook", 0)
	require.NoError(t, err)
	assert.Equal(t, "written as zstd", string(got.Content))
}

func TestLocalStorePutTruncates(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(payload(0, "a much longer first version")))
	require.NoError(t, store.Put(payload(0, "short")))

	got, err := store.Get("movie.mkv.checkbook", 0)
	require.NoError(t, err)
	assert.Equal(t, "short", string(got.Content))
}

func TestLocalStoreErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil)
	require.NoError(t, err)

	_, err = store.Get("movie.mkv.checkbook", 7)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mkv.checkbook.1"), []byte("garbage"), 0644))
	_, err = store.Get("movie.mkv.checkbook", 1)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, store.Remove("movie.mkv.checkbook", 1))
	require.NoError(t, store.Remove("movie.mkv.checkbook", 1))
	assert.False(t, store.Exists("movie.mkv.checkbook", 1))
}

func TestIsSliceFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(payload(0, "abc")))
	assert.True(t, IsSliceFile(store.Path("movie.mkv.checkbook", 0)))

	plain := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(plain, []byte("just text"), 0644))
	assert.False(t, IsSliceFile(plain))
	assert.False(t, IsSliceFile(filepath.Join(dir, "missing")))
}
