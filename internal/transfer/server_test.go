package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/chunker"
	"github.com/jaywantadh/SliceBook/internal/metadata"
	"github.com/jaywantadh/SliceBook/internal/slicestore"
)

type serverEnv struct {
	root   string
	ledger *metadata.LedgerStore
	dir    *Directory
	http   *httptest.Server
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	env := &serverEnv{root: t.TempDir()}

	var err error
	env.ledger, err = metadata.OpenLedgerStore(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { env.ledger.Close() })

	store, err := slicestore.NewLocalStore(env.root, nil)
	require.NoError(t, err)
	fin := &Finalizer{Ledger: env.ledger, Log: quietLogger()}
	env.dir, err = NewDirectory(Options{
		Root:        env.root,
		Store:       store,
		Logger:      quietLogger(),
		OnFinalized: fin.Handle,
	})
	require.NoError(t, err)

	srv := NewServer(ServerOptions{Directory: env.dir, Ledger: env.ledger, Logger: quietLogger()})
	env.http = httptest.NewServer(srv.Routes())
	t.Cleanup(env.http.Close)
	return env
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/13)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestSendFileEndToEnd(t *testing.T) {
	env := newServerEnv(t)
	src, data := writeSource(t, 10_000)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := NewClient(env.http.URL, quietLogger())
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	report, err := client.SendFile(ctx, src, "copy.bin", 1024)
	require.NoError(t, err)
	assert.False(t, report.Resumed)
	assert.True(t, report.Finished)
	assert.Equal(t, 10, report.Sent)

	got, err := os.ReadFile(filepath.Join(env.root, "copy.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	snap, ok := client.Progress.Snapshot("copy.bin.checkbook")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, snap.Status)

	status, err := client.GetTransferStatus(ctx, "copy.bin.checkbook")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Nil(t, status.Progress)
	require.NotNil(t, status.Completed)
	assert.EqualValues(t, len(data), status.Completed.Size)
	assert.Equal(t, "copy.bin", status.Completed.DestFilename)
}

func TestSendFileResumesAfterReconnect(t *testing.T) {
	env := newServerEnv(t)
	src, data := writeSource(t, 5000)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cb, err := chunker.Plan(src, "resumed.bin", 1000)
	require.NoError(t, err)
	require.Equal(t, 5, cb.Len())

	first := NewClient(env.http.URL, quietLogger())
	require.NoError(t, first.Connect(ctx))
	require.NoError(t, first.SendCheckBook(ctx, cb))
	for _, i := range []int{0, 3} {
		s := cb.Slice(i)
		resp, err := first.SendSlice(ctx, &checkbook.SlicePayload{Slice: s, Content: data[s.Offset : s.Offset+s.Length]})
		require.NoError(t, err)
		assert.True(t, resp.Succeed)
		assert.False(t, resp.Finished)
	}
	require.NoError(t, first.Close())

	second := NewClient(env.http.URL, quietLogger())
	require.NoError(t, second.Connect(ctx))
	defer second.Close()

	report, err := second.SendFile(ctx, src, "resumed.bin", 1000)
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, 3, report.Sent)
	assert.True(t, report.Finished)

	got, err := os.ReadFile(filepath.Join(env.root, "resumed.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStatusEndpoints(t *testing.T) {
	env := newServerEnv(t)
	ctx := context.Background()
	client := NewClient(env.http.URL, quietLogger())

	status, err := client.GetTransferStatus(ctx, "nothing.checkbook")
	require.NoError(t, err)
	assert.Nil(t, status)

	cb, _ := buildTransfer("posted.bin", "abc", "def")
	body, err := json.Marshal(CheckBookRequest{CheckBook: *cb})
	require.NoError(t, err)
	resp, err := http.Post(env.http.URL+EndpointCheckBook, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	status, err = client.GetTransferStatus(ctx, cb.FileName())
	require.NoError(t, err)
	require.NotNil(t, status)
	require.NotNil(t, status.Progress)
	assert.Equal(t, 2, status.Progress.TotalSlices)
	assert.Equal(t, []int{0, 1}, status.Progress.Missing)

	resp, err = http.Post(env.http.URL+EndpointCheckBook, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.http.URL + EndpointLedger)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list []metadata.TransferRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list)
}

func TestUnknownMethod(t *testing.T) {
	env := newServerEnv(t)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + EndpointWebSocket
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Envelope{ID: "1", Method: "DeleteEverything"}))
	var reply Envelope
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "1", reply.ID)
	assert.Contains(t, reply.Error, "unknown method")

	require.NoError(t, ws.WriteJSON(Envelope{ID: "2", Method: MethodReceiveSlice, Body: json.RawMessage(`"x"`)}))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "2", reply.ID)
	assert.Equal(t, "invalid slice request", reply.Error)
}
