package checkbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Suffix is appended to the destination filename when a checkbook does not name its own file.
const Suffix = ".checkbook"

var (
	ErrEmpty     = errors.New("checkbook has no slices")
	ErrPartition = errors.New("slices do not partition the file")
)

// Meta identifies the transfer a checkbook describes.
type Meta struct {
	DestFilename      string `json:"dest_filename"`
	CheckBookFilename string `json:"checkbook_filename,omitempty"`
}

// Slice describes one contiguous byte range of the destination file.
type Slice struct {
	Index             int    `json:"index"`
	Offset            int64  `json:"offset"`
	Length            int64  `json:"length"`
	Adler             uint32 `json:"adler"`
	PreviousAdler     uint32 `json:"previous_adler"`
	CheckBookFilename string `json:"checkbook_filename"`
	Finished          bool   `json:"finished,omitempty"`
}

// SameLayout reports whether two descriptors name the same range with the same checksums.
// The finished flag is local state and is ignored.
func (s Slice) SameLayout(o Slice) bool {
	return s.Index == o.Index &&
		s.Offset == o.Offset &&
		s.Length == o.Length &&
		s.Adler == o.Adler &&
		s.PreviousAdler == o.PreviousAdler &&
		s.CheckBookFilename == o.CheckBookFilename
}

// CheckBook is the manifest of one transfer: where the file goes and which slices make it up.
type CheckBook struct {
	Meta   Meta    `json:"meta"`
	Slices []Slice `json:"slices"`
}

// FileName derives the on-disk checkbook filename from its metadata.
func FileName(meta Meta) string {
	if meta.CheckBookFilename != "" {
		return meta.CheckBookFilename
	}
	return meta.DestFilename + Suffix
}

// ReservedName reports whether name has the shape of a default checkbook or slice filename.
func ReservedName(name string) bool {
	if strings.HasSuffix(name, Suffix) {
		return true
	}
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return false
	}
	if _, err := strconv.ParseUint(name[dot+1:], 10, 64); err != nil {
		return false
	}
	return strings.HasSuffix(name[:dot], Suffix)
}

// FileName returns the name the checkbook is stored under.
func (cb *CheckBook) FileName() string {
	return FileName(cb.Meta)
}

func (cb *CheckBook) Len() int {
	return len(cb.Slices)
}

func (cb *CheckBook) Slice(i int) Slice {
	return cb.Slices[i]
}

// SetFinished flags slice i as received and verified.
func (cb *CheckBook) SetFinished(i int) {
	cb.Slices[i].Finished = true
}

// TotalSize is the size of the reconstructed file.
func (cb *CheckBook) TotalSize() int64 {
	if len(cb.Slices) == 0 {
		return 0
	}
	last := cb.Slices[len(cb.Slices)-1]
	return last.Offset + last.Length
}

func (cb *CheckBook) FinishedCount() int {
	n := 0
	for _, s := range cb.Slices {
		if s.Finished {
			n++
		}
	}
	return n
}

// Validate checks that the slices, in index order, cover [0, TotalSize) without gaps or overlap.
func (cb *CheckBook) Validate() error {
	if cb.Meta.DestFilename == "" {
		return fmt.Errorf("dest_filename is required")
	}
	if len(cb.Slices) == 0 {
		return ErrEmpty
	}
	name := cb.FileName()
	var next int64
	for i, s := range cb.Slices {
		if s.Index != i {
			return fmt.Errorf("%w: slice at position %d has index %d", ErrPartition, i, s.Index)
		}
		if s.Offset != next {
			return fmt.Errorf("%w: slice %d starts at %d, want %d", ErrPartition, i, s.Offset, next)
		}
		if s.Length < 0 {
			return fmt.Errorf("%w: slice %d has negative length", ErrPartition, i)
		}
		if s.CheckBookFilename != name {
			return fmt.Errorf("slice %d belongs to %q, not %q", i, s.CheckBookFilename, name)
		}
		next += s.Length
	}
	return nil
}

// SameLayout reports whether two checkbooks describe the same transfer slice for slice.
func (cb *CheckBook) SameLayout(o *CheckBook) bool {
	if cb.Meta != o.Meta || len(cb.Slices) != len(o.Slices) {
		return false
	}
	for i := range cb.Slices {
		if !cb.Slices[i].SameLayout(o.Slices[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (cb *CheckBook) Clone() *CheckBook {
	out := &CheckBook{Meta: cb.Meta, Slices: make([]Slice, len(cb.Slices))}
	copy(out.Slices, cb.Slices)
	return out
}

// Load reads a checkbook from path.
func Load(path string) (*CheckBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cb CheckBook
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("failed to decode checkbook %s: %w", path, err)
	}
	return &cb, nil
}

// Save writes the checkbook to path. The file is replaced atomically.
func (cb *CheckBook) Save(path string) error {
	data, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkbook: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to install checkbook %s: %w", path, err)
	}
	return nil
}
