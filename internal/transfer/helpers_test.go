package transfer

import (
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/slicestore"
)

type fakeConn struct {
	id       string
	mu       sync.Mutex
	handlers []func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New().String()}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:0" }

func (c *fakeConn) PushCloseHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	handlers := c.handlers
	c.handlers = nil
	c.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// plainCaller is a caller without connection identity.
type plainCaller struct{}

func (plainCaller) RemoteAddr() string { return "127.0.0.1:0" }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type testEnv struct {
	root      string
	dir       *Directory
	finalized []*Result
	mu        sync.Mutex
}

func newTestEnv(t *testing.T, strict bool) *testEnv {
	return newTestEnvWithStore(t, strict, nil)
}

// newTestEnvWithStore lets wrap intercept the local slice store.
func newTestEnvWithStore(t *testing.T, strict bool, wrap func(slicestore.Store) slicestore.Store) *testEnv {
	t.Helper()
	env := &testEnv{root: t.TempDir()}
	local, err := slicestore.NewLocalStore(env.root, nil)
	require.NoError(t, err)
	var store slicestore.Store = local
	if wrap != nil {
		store = wrap(local)
	}
	env.dir, err = NewDirectory(Options{
		Root:        env.root,
		Store:       store,
		StrictChain: strict,
		Logger:      quietLogger(),
		OnFinalized: func(res *Result) {
			env.mu.Lock()
			env.finalized = append(env.finalized, res)
			env.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) path(name string) string {
	return filepath.Join(e.root, name)
}

func (e *testEnv) finalizedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.finalized)
}

// buildTransfer describes dest as the concatenation of parts with a correct checksum chain.
func buildTransfer(dest string, parts ...string) (*checkbook.CheckBook, []*checkbook.SlicePayload) {
	cb := &checkbook.CheckBook{Meta: checkbook.Meta{DestFilename: dest}}
	name := cb.FileName()
	var payloads []*checkbook.SlicePayload
	seed := checkbook.InitialAdler
	var off int64
	for i, part := range parts {
		content := []byte(part)
		sum := checkbook.Adler32(seed, content)
		s := checkbook.Slice{
			Index:             i,
			Offset:            off,
			Length:            int64(len(content)),
			Adler:             sum,
			PreviousAdler:     seed,
			CheckBookFilename: name,
		}
		cb.Slices = append(cb.Slices, s)
		payloads = append(payloads, &checkbook.SlicePayload{Slice: s, Content: content})
		seed = sum
		off += int64(len(content))
	}
	return cb, payloads
}

func (e *testEnv) announce(t *testing.T, cb *checkbook.CheckBook) {
	t.Helper()
	resp := e.dir.ReceiveCheckBook(&CheckBookRequest{CheckBook: *cb})
	require.True(t, resp.Succeed)
}

func (e *testEnv) send(caller Caller, p *checkbook.SlicePayload) SliceResponse {
	return e.dir.ReceiveSlice(caller, &SliceRequest{SlicePayload: *p})
}

// gateStore holds the Put of slice index once it has been called `after` times before, until
// release is closed. entered is closed when the held Put starts.
type gateStore struct {
	slicestore.Store
	index   int
	after   int
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func newGateStore(inner slicestore.Store, index, after int) *gateStore {
	return &gateStore{
		Store:   inner,
		index:   index,
		after:   after,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateStore) Put(p *checkbook.SlicePayload) error {
	if p.Slice.Index == g.index {
		g.mu.Lock()
		g.calls++
		hold := g.calls == g.after+1
		g.mu.Unlock()
		if hold {
			close(g.entered)
			<-g.release
		}
	}
	return g.Store.Put(p)
}
