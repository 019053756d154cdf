package transfer

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/SliceBook/internal/metadata"
)

type recordingArchiver struct {
	err   error
	paths []string
}

func (a *recordingArchiver) Archive(ctx context.Context, localPath, name string) (string, error) {
	a.paths = append(a.paths, localPath)
	if a.err != nil {
		return "", a.err
	}
	return "s3://bucket/" + name, nil
}

func TestFinalizerRecordsAndArchives(t *testing.T) {
	ledger, err := metadata.OpenLedgerStore(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	defer ledger.Close()

	arch := &recordingArchiver{}
	fin := &Finalizer{Ledger: ledger, Archiver: arch, Log: quietLogger()}
	res := &Result{
		CheckBookFilename: "movie.mkv.checkbook",
		DestFilename:      "movie.mkv",
		DestPath:          "/data/movie.mkv",
		Size:              42,
		Slices:            3,
		Digest:            "abc",
		CompletedAt:       time.Now().UTC(),
	}
	fin.Handle(res)
	fin.Wait()

	rec, err := ledger.GetTransfer("movie.mkv.checkbook")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/movie.mkv", rec.ArchivedAs)
	assert.EqualValues(t, 42, rec.Size)
	assert.Equal(t, []string{"/data/movie.mkv"}, arch.paths)
}

func TestFinalizerArchiveFailureKeepsRecord(t *testing.T) {
	ledger, err := metadata.OpenLedgerStore(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	defer ledger.Close()

	fin := &Finalizer{Ledger: ledger, Archiver: &recordingArchiver{err: errors.New("denied")}, Log: quietLogger()}
	fin.Handle(&Result{CheckBookFilename: "a.checkbook", DestFilename: "a"})
	fin.Wait()

	rec, err := ledger.GetTransfer("a.checkbook")
	require.NoError(t, err)
	assert.Empty(t, rec.ArchivedAs)
}

func TestProgressTracker(t *testing.T) {
	pt := NewProgressTracker()
	pt.StartTracking("f.checkbook", "f", 4, 4096)
	pt.UpdateProgress("f.checkbook", 2, 2048, StatusInProgress)

	p, ok := pt.Snapshot("f.checkbook")
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, p.Status)
	assert.Equal(t, 2, p.SlicesSent)

	var out bytes.Buffer
	pt.PrintProgress(&out, "f.checkbook")
	assert.True(t, strings.HasPrefix(out.String(), "f: 2/4 slices (50.0%) 2.0 KiB/4.0 KiB"), out.String())

	pt.RemoveTransfer("f.checkbook")
	out.Reset()
	pt.PrintProgress(&out, "f.checkbook")
	assert.Equal(t, "Transfer f.checkbook not found\n", out.String())
}
