package transfer

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
)

// Session is the in-memory state of one transfer. It wraps the checkbook and adds the number of
// connections using it plus a one-way saved flag.
type Session struct {
	name string

	// refs is guarded by the owning Directory's lock.
	refs int

	// saveMu is held shared while a slice is written and exclusively by FlushCheckBook and
	// TryFinalize. flagsMu is always taken after saveMu.
	saveMu sync.RWMutex
	saved  atomic.Bool
	result *Result

	flagsMu   sync.Mutex
	checkbook *checkbook.CheckBook
}

func newSession(cb *checkbook.CheckBook) *Session {
	return &Session{name: cb.FileName(), checkbook: cb}
}

// LoadSession reads the checkbook at path. It returns nil when the file is missing or unreadable.
func LoadSession(path string) *Session {
	cb, err := checkbook.Load(path)
	if err != nil {
		return nil
	}
	return newSession(cb)
}

// Name is the checkbook filename the session is keyed by.
func (s *Session) Name() string {
	return s.name
}

func (s *Session) DestFilename() string {
	return s.checkbook.Meta.DestFilename
}

func (s *Session) IncRef() int {
	s.refs++
	return s.refs
}

func (s *Session) DecRef() int {
	s.refs--
	return s.refs
}

func (s *Session) Refs() int {
	return s.refs
}

// Saved reports whether the transfer has been reassembled.
func (s *Session) Saved() bool {
	return s.saved.Load()
}

// Result is the outcome of the reassembly, or nil before the session is saved.
func (s *Session) Result() *Result {
	s.saveMu.RLock()
	defer s.saveMu.RUnlock()
	return s.result
}

// SameLayout reports whether cb describes the same transfer as the session's checkbook.
func (s *Session) SameLayout(cb *checkbook.CheckBook) bool {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	return s.checkbook.SameLayout(cb)
}

// Descriptor returns the checkbook's descriptor for slice index.
func (s *Session) Descriptor(index int) (checkbook.Slice, error) {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	if index < 0 || index >= s.checkbook.Len() {
		return checkbook.Slice{}, fmt.Errorf("%w: %d of %d", ErrSliceOutOfRange, index, s.checkbook.Len())
	}
	return s.checkbook.Slice(index), nil
}

// MarkFinished records that slice index has been stored and verified.
func (s *Session) MarkFinished(index int) error {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	if index < 0 || index >= s.checkbook.Len() {
		return fmt.Errorf("%w: %d of %d", ErrSliceOutOfRange, index, s.checkbook.Len())
	}
	s.checkbook.SetFinished(index)
	return nil
}

// Accept runs write for slice index and marks the slice finished if write succeeds. It reports
// saved=true without calling write once the session has been reassembled. Reassembly waits for
// every Accept in flight, so no slice file is written after cleanup.
func (s *Session) Accept(index int, write func() error) (saved bool, err error) {
	s.saveMu.RLock()
	defer s.saveMu.RUnlock()
	if s.saved.Load() {
		return true, nil
	}
	if err := write(); err != nil {
		return false, err
	}
	return false, s.MarkFinished(index)
}

// Progress snapshots the finished flags.
func (s *Session) Progress() Progress {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	p := progressOf(s.checkbook)
	p.Saved = s.saved.Load()
	return p
}

// FlushCheckBook writes the current finished flags to root so a later connection can resume.
// It does nothing once the session has been saved.
func (s *Session) FlushCheckBook(root string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saved.Load() {
		return nil
	}
	s.flagsMu.Lock()
	snapshot := s.checkbook.Clone()
	s.flagsMu.Unlock()
	return snapshot.Save(filepath.Join(root, s.name))
}

// TryFinalize reassembles the file if every slice has arrived. It returns true once the session is
// saved, and false with a nil error while slices are still missing.
func (s *Session) TryFinalize(r *Reassembler) (bool, error) {
	done, _, err := s.tryFinalize(r)
	return done, err
}

// tryFinalize also reports whether this call is the one that performed the reassembly.
func (s *Session) tryFinalize(r *Reassembler) (done, now bool, err error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saved.Load() {
		return true, false, nil
	}

	s.flagsMu.Lock()
	for i := 0; i < s.checkbook.Len(); i++ {
		if !s.checkbook.Slice(i).Finished {
			s.flagsMu.Unlock()
			return false, false, nil
		}
	}
	snapshot := s.checkbook.Clone()
	s.flagsMu.Unlock()

	res, err := r.Reassemble(snapshot)
	if err != nil {
		return false, false, err
	}
	s.result = res
	s.saved.Store(true)
	return true, true, nil
}
