package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/slicestore"
)

var ErrBadName = errors.New("filename must be a plain name inside the document root")

// Options configure a Directory.
type Options struct {
	// Root is the document root holding checkbooks, slice files and reassembled files.
	Root        string
	Store       slicestore.Store
	StrictChain bool
	Logger      logrus.FieldLogger
	// OnFinalized is called once per transfer, after its file has been reassembled.
	OnFinalized func(*Result)
}

// Directory resolves slices to their transfer sessions and drives reassembly. Sessions are looked up
// in the calling connection's cache, then by checkbook name, then on disk.
type Directory struct {
	root        string
	store       slicestore.Store
	asm         *Reassembler
	log         logrus.FieldLogger
	onFinalized func(*Result)

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	byName   map[string]*Session
	byConn   map[string]map[string]*Session
	hooked   map[string]bool
	flushing map[string]chan struct{}
}

// NewDirectory creates a directory serving opts.Root.
func NewDirectory(opts Options) (*Directory, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("document root is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("slice store is required")
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create document root: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Directory{
		root:  opts.Root,
		store: opts.Store,
		asm: &Reassembler{
			Root:        opts.Root,
			Store:       opts.Store,
			StrictChain: opts.StrictChain,
			Log:         log,
		},
		log:         log,
		onFinalized: opts.OnFinalized,
		byName:      make(map[string]*Session),
		byConn:      make(map[string]map[string]*Session),
		hooked:      make(map[string]bool),
		flushing:    make(map[string]chan struct{}),
	}, nil
}

// Root returns the document root.
func (d *Directory) Root() string {
	return d.root
}

func plainName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// ReceiveCheckBook stores a checkbook sent directly by a client. Finished flags are local state and
// are cleared before the checkbook is written. A checkbook whose name belongs to a transfer that a
// connection still holds is accepted only if it describes the same layout, and is then left alone.
func (d *Directory) ReceiveCheckBook(req *CheckBookRequest) CheckBookResponse {
	cb := req.CheckBook.Clone()
	name := cb.FileName()
	dest := cb.Meta.DestFilename
	log := d.log.WithField("checkbook", name)

	if !plainName(name) || !plainName(dest) {
		log.WithError(ErrBadName).Warn("Rejecting checkbook")
		return CheckBookResponse{}
	}
	if dest == name || strings.HasPrefix(dest, name+".") || checkbook.ReservedName(dest) {
		log.WithError(ErrBadName).Warn("Rejecting checkbook whose destination looks like a transfer file")
		return CheckBookResponse{}
	}
	if err := cb.Validate(); err != nil {
		log.WithError(err).Warn("Rejecting invalid checkbook")
		return CheckBookResponse{}
	}
	for i := range cb.Slices {
		cb.Slices[i].Finished = false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.closed {
			log.Warn("Directory closed, rejecting checkbook")
			return CheckBookResponse{}
		}
		done, ok := d.flushing[name]
		if !ok {
			break
		}
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}
	if s := d.byName[name]; s != nil {
		if s.SameLayout(cb) {
			log.Debug("Checkbook already active")
			return CheckBookResponse{Succeed: true}
		}
		log.WithError(ErrTransferActive).Warn("Rejecting checkbook")
		return CheckBookResponse{}
	}
	if d.isTransferFile(dest) {
		log.WithField("dest", dest).WithError(ErrBadName).Warn("Rejecting checkbook whose destination is another transfer's file")
		return CheckBookResponse{}
	}

	if err := cb.Save(filepath.Join(d.root, name)); err != nil {
		log.WithError(err).Warn("Failed to save checkbook")
		return CheckBookResponse{}
	}
	log.WithField("slices", cb.Len()).Debug("Received checkbook")
	return CheckBookResponse{Succeed: true}
}

// isTransferFile reports whether name in the root is a checkbook or slice file.
func (d *Directory) isTransferFile(name string) bool {
	path := filepath.Join(d.root, name)
	if slicestore.IsSliceFile(path) {
		return true
	}
	cb, err := checkbook.Load(path)
	return err == nil && cb.Meta.DestFilename != ""
}

// SaveSlicePayload verifies a payload against its own declared checksum and writes it to its slice
// file. Nothing is written when the checksum does not match.
func (d *Directory) SaveSlicePayload(p *checkbook.SlicePayload) error {
	if err := p.Verify(); err != nil {
		return err
	}
	if err := d.store.Put(p); err != nil {
		return fmt.Errorf("%w: %v", ErrSliceWrite, err)
	}
	return nil
}

// ReceiveSlice handles one slice sent over a connection.
func (d *Directory) ReceiveSlice(caller Caller, req *SliceRequest) SliceResponse {
	slice := req.Slice
	log := d.log.WithFields(logrus.Fields{"checkbook": slice.CheckBookFilename, "index": slice.Index})
	log.Debug("Receive slice")

	conn, ok := ConnectionOf(caller)
	if !ok {
		log.WithError(ErrNoConnection).Warn("Fail to identify connection")
		return SliceResponse{}
	}
	log = log.WithField("conn", conn.ID())

	if !d.enter() {
		log.Warn("Directory closed, rejecting slice")
		return SliceResponse{}
	}
	defer d.inflight.Done()

	sess := d.GetSession(conn, slice.CheckBookFilename)
	if sess == nil {
		log.WithError(ErrCheckBookLoad).Warn("Fail to get checkbook for slice")
		return SliceResponse{}
	}

	want, err := sess.Descriptor(slice.Index)
	if err != nil {
		log.WithError(err).Warn("Rejecting slice")
		return SliceResponse{}
	}
	if !want.SameLayout(slice) {
		log.WithError(ErrSliceMismatch).Warn("Rejecting slice")
		return SliceResponse{}
	}
	saved, err := sess.Accept(slice.Index, func() error {
		return d.SaveSlicePayload(&req.SlicePayload)
	})
	if err != nil {
		log.WithError(err).Warn("Fail to save slice")
		return SliceResponse{}
	}
	if saved {
		log.Debug("Transfer already finished, ignoring slice")
		return SliceResponse{Succeed: true}
	}

	resp := SliceResponse{Succeed: true}
	_, now, err := sess.tryFinalize(d.asm)
	if err != nil {
		log.WithError(err).Warn("Reassembly failed, will retry on next slice")
	}
	if now {
		resp.Finished = true
		res := sess.Result()
		d.log.WithFields(logrus.Fields{
			"checkbook": res.CheckBookFilename,
			"dest":      res.DestFilename,
			"size":      res.Size,
		}).Info("Transfer finished")
		d.retire(sess)
		if d.onFinalized != nil {
			d.onFinalized(res)
		}
	}
	return resp
}

// GetSession returns the session for name as seen by conn, loading it from disk if no connection
// holds it. It returns nil when no checkbook with that name exists.
func (d *Directory) GetSession(conn Connection, name string) *Session {
	if !plainName(name) {
		return nil
	}
	log := d.log.WithFields(logrus.Fields{"checkbook": name, "conn": conn.ID()})

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if s := d.byConn[conn.ID()][name]; s != nil {
			log.Debug("GetSession from connection table")
			return s
		}
		if s := d.byName[name]; s != nil {
			log.Debug("GetSession from name table")
			d.attachLocked(conn, s)
			return s
		}
		done, ok := d.flushing[name]
		if !ok {
			break
		}
		// The checkbook on disk is about to be rewritten by an eviction.
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}

	s := LoadSession(filepath.Join(d.root, name))
	if s == nil {
		log.Debug("Can't GetSession")
		return nil
	}
	log.Debug("GetSession from disk")
	d.byName[name] = s
	d.attachLocked(conn, s)
	return s
}

func (d *Directory) attachLocked(conn Connection, s *Session) {
	id := conn.ID()
	cache, ok := d.byConn[id]
	if !ok {
		cache = make(map[string]*Session)
		d.byConn[id] = cache
	}
	cache[s.Name()] = s
	s.IncRef()
	if !d.hooked[id] {
		d.hooked[id] = true
		conn.PushCloseHandler(func() { d.CloseConnection(conn) })
	}
}

// CloseConnection releases every session conn holds. Sessions no other connection holds are
// evicted and their checkbooks flushed, so the transfer can resume on a new connection.
func (d *Directory) CloseConnection(conn Connection) {
	id := conn.ID()
	d.log.WithField("conn", id).Debug("CloseConnection")

	d.mu.Lock()
	cache := d.byConn[id]
	delete(d.byConn, id)
	delete(d.hooked, id)
	var evicted []*Session
	for name, s := range cache {
		if s.DecRef() > 0 {
			continue
		}
		if d.byName[name] == s {
			delete(d.byName, name)
		}
		d.flushing[name] = make(chan struct{})
		evicted = append(evicted, s)
	}
	d.mu.Unlock()

	d.flush(evicted)
}

// flush writes the checkbooks of evicted sessions and lifts their in-flight barriers.
func (d *Directory) flush(evicted []*Session) {
	for _, s := range evicted {
		log := d.log.WithField("checkbook", s.Name())
		log.Debug("Zero connections, flush the checkbook")
		if err := s.FlushCheckBook(d.root); err != nil {
			log.WithError(err).Warn("Failed to flush checkbook")
		}
		d.mu.Lock()
		close(d.flushing[s.Name()])
		delete(d.flushing, s.Name())
		d.mu.Unlock()
	}
}

// enter registers a request that may finalize a transfer. It fails once the directory is closed.
func (d *Directory) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.inflight.Add(1)
	return true
}

// Close stops accepting checkbooks and slices, waits for slices in flight and flushes every cached
// session so its transfer can resume after a restart. Connections that close afterwards have nothing
// left to release.
func (d *Directory) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.inflight.Wait()

	d.mu.Lock()
	evicted := make([]*Session, 0, len(d.byName))
	for name, s := range d.byName {
		d.flushing[name] = make(chan struct{})
		evicted = append(evicted, s)
	}
	d.byName = make(map[string]*Session)
	d.byConn = make(map[string]map[string]*Session)
	d.hooked = make(map[string]bool)
	d.mu.Unlock()

	d.log.WithField("sessions", len(evicted)).Info("Closing directory")
	d.flush(evicted)
}

// retire drops a saved session from every cache. Its files are already gone, so a later checkbook
// with the same name starts over.
func (d *Directory) retire(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := s.Name()
	if d.byName[name] == s {
		delete(d.byName, name)
	}
	for id, cache := range d.byConn {
		if cache[name] != s {
			continue
		}
		delete(cache, name)
		s.DecRef()
		if len(cache) == 0 {
			delete(d.byConn, id)
		}
	}
}

// Status reports the progress of a transfer that is cached or has a checkbook on disk.
func (d *Directory) Status(name string) (Progress, bool) {
	if !plainName(name) {
		return Progress{}, false
	}
	d.mu.Lock()
	for {
		if s := d.byName[name]; s != nil {
			d.mu.Unlock()
			return s.Progress(), true
		}
		done, ok := d.flushing[name]
		if !ok {
			break
		}
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}
	d.mu.Unlock()

	cb, err := checkbook.Load(filepath.Join(d.root, name))
	if err != nil {
		return Progress{}, false
	}
	return progressOf(cb), true
}

// Sessions returns the number of sessions held by at least one connection.
func (d *Directory) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byName)
}
