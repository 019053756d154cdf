package slicestore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/compressor"
)

const (
	fileMagic   = "SBSL"
	fileVersion = uint16(1)
	headerSize  = len(fileMagic) + 2 + 1
)

// LocalStore implements Store on the local filesystem, one file per slice in basePath.
type LocalStore struct {
	basePath string
	codec    compressor.Codec
}

// NewLocalStore creates the base directory if needed. New slices are written with codec;
// existing files are read with whatever codec their header names.
func NewLocalStore(basePath string, codec compressor.Codec) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if codec == nil {
		codec, _ = compressor.ByName("none")
	}
	return &LocalStore{basePath: basePath, codec: codec}, nil
}

// Path returns the file path for a slice.
func (s *LocalStore) Path(checkbookName string, index int) string {
	return filepath.Join(s.basePath, SliceName(checkbookName, index))
}

func (s *LocalStore) Put(p *checkbook.SlicePayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode slice %d: %w", p.Slice.Index, err)
	}
	packed, err := s.codec.Compress(body)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(packed))
	buf.WriteString(fileMagic)
	binary.Write(&buf, binary.BigEndian, fileVersion)
	buf.WriteByte(s.codec.ID())
	buf.Write(packed)

	path := s.Path(p.Slice.CheckBookFilename, p.Slice.Index)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write slice to file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install slice file: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(checkbookName string, index int) (*checkbook.SlicePayload, error) {
	path := s.Path(checkbookName, index)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open slice file: %w", err)
	}
	if len(data) < headerSize || string(data[:len(fileMagic)]) != fileMagic {
		return nil, fmt.Errorf("%w: %s: bad header", ErrCorrupt, path)
	}
	if v := binary.BigEndian.Uint16(data[len(fileMagic):]); v != fileVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, path, v)
	}
	codec, err := compressor.ByID(data[headerSize-1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	body, err := codec.Decompress(data[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	var p checkbook.SlicePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return &p, nil
}

func (s *LocalStore) Remove(checkbookName string, index int) error {
	err := os.Remove(s.Path(checkbookName, index))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *LocalStore) Exists(checkbookName string, index int) bool {
	_, err := os.Stat(s.Path(checkbookName, index))
	return err == nil
}

// IsSliceFile reports whether the file at path starts with a slice file header.
func IsSliceFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return string(head) == fileMagic
}
