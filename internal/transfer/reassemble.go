package transfer

import (
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/slicestore"
)

// Result describes a reassembled file.
type Result struct {
	CheckBookFilename string    `json:"checkbook_filename"`
	DestFilename      string    `json:"dest_filename"`
	DestPath          string    `json:"dest_path"`
	Size              int64     `json:"size"`
	Slices            int       `json:"slices"`
	Digest            string    `json:"digest"` // BLAKE2b-256 of the file, hex
	CompletedAt       time.Time `json:"completed_at"`
}

// Reassembler turns a fully received checkbook back into the destination file.
type Reassembler struct {
	Root  string
	Store slicestore.Store
	// StrictChain also requires every slice's seed to equal the previous slice's checksum.
	StrictChain bool
	Log         logrus.FieldLogger
}

// Reassemble verifies every stored slice again, writes them into a region of exactly the file's
// size and then removes the slice files and the checkbook. Nothing is removed if any slice fails.
func (r *Reassembler) Reassemble(cb *checkbook.CheckBook) (*Result, error) {
	name := cb.FileName()
	total := cb.TotalSize()
	destPath := filepath.Join(r.Root, cb.Meta.DestFilename)

	out, err := openRegion(destPath, total)
	if err != nil {
		return nil, err
	}

	sum, err := r.fill(out, cb)
	if err != nil {
		out.abort()
		return nil, err
	}
	if err := out.close(); err != nil {
		os.Remove(destPath)
		return nil, err
	}

	for i := 0; i < cb.Len(); i++ {
		if err := r.Store.Remove(name, i); err != nil {
			r.logger().WithError(err).WithField("index", i).Warn("Failed to remove slice file")
		}
	}
	if err := os.Remove(filepath.Join(r.Root, name)); err != nil && !os.IsNotExist(err) {
		r.logger().WithError(err).WithField("checkbook", name).Warn("Failed to remove checkbook")
	}

	return &Result{
		CheckBookFilename: name,
		DestFilename:      cb.Meta.DestFilename,
		DestPath:          destPath,
		Size:              total,
		Slices:            cb.Len(),
		Digest:            hex.EncodeToString(sum.Sum(nil)),
		CompletedAt:       time.Now().UTC(),
	}, nil
}

func (r *Reassembler) fill(out *region, cb *checkbook.CheckBook) (hash.Hash, error) {
	sum, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	name := cb.FileName()
	for i := 0; i < cb.Len(); i++ {
		s := cb.Slice(i)
		if r.StrictChain {
			want := checkbook.InitialAdler
			if i > 0 {
				want = cb.Slice(i - 1).Adler
			}
			if s.PreviousAdler != want {
				return nil, fmt.Errorf("%w: slice %d", ErrChainBroken, i)
			}
		}
		p, err := r.Store.Get(name, i)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		if err := checkbook.VerifyContent(s, p.Content); err != nil {
			return nil, err
		}
		if err := out.writeAt(s.Offset, p.Content); err != nil {
			return nil, err
		}
		sum.Write(p.Content)
	}
	return sum, nil
}

func (r *Reassembler) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

// region is the destination file, truncated to its final size and mapped for random writes.
type region struct {
	path string
	f    *os.File
	data mmap.MMap
	size int64
}

func openRegion(path string, size int64) (*region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputRegion, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrOutputRegion, err)
	}
	r := &region{path: path, f: f, size: size}
	// A zero-length file cannot be mapped and needs no writes.
	if size > 0 {
		r.data, err = mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("%w: %v", ErrOutputRegion, err)
		}
	}
	return r, nil
}

func (r *region) writeAt(off int64, p []byte) error {
	if off < 0 || off+int64(len(p)) > r.size {
		return fmt.Errorf("%w: write [%d,%d) outside %d bytes", ErrOutputRegion, off, off+int64(len(p)), r.size)
	}
	copy(r.data[off:], p)
	return nil
}

func (r *region) close() error {
	if r.data != nil {
		if err := r.data.Flush(); err != nil {
			r.data.Unmap()
			r.f.Close()
			return fmt.Errorf("%w: flush: %v", ErrOutputRegion, err)
		}
		if err := r.data.Unmap(); err != nil {
			r.f.Close()
			return fmt.Errorf("%w: unmap: %v", ErrOutputRegion, err)
		}
	}
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputRegion, err)
	}
	return nil
}

// abort drops a partially written region.
func (r *region) abort() {
	if r.data != nil {
		r.data.Unmap()
	}
	r.f.Close()
	os.Remove(r.path)
}
