package chunker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
)

// Plan reads the file at filePath and describes it as a checkbook of slices of sliceSize bytes,
// chaining each slice's Adler-32 seed from the slice before it. A sliceSize of zero picks a size
// from the file size. destName defaults to the file's base name.
func Plan(filePath, destName string, sliceSize int64) (*checkbook.CheckBook, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %v", err)
	}
	if destName == "" {
		destName = filepath.Base(filePath)
	}
	if sliceSize <= 0 {
		sliceSize = determineChunkSize(fileInfo.Size())
	}

	cb := &checkbook.CheckBook{Meta: checkbook.Meta{DestFilename: destName}}
	name := cb.FileName()

	seed := checkbook.InitialAdler
	var offset int64
	buf := make([]byte, sliceSize)
	for index := 0; ; index++ {
		n, err := io.ReadFull(file, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read chunk: %v", err)
		}
		// An empty file still gets one empty slice so it can be transferred.
		if n == 0 && index > 0 {
			break
		}
		sum := checkbook.Adler32(seed, buf[:n])
		cb.Slices = append(cb.Slices, checkbook.Slice{
			Index:             index,
			Offset:            offset,
			Length:            int64(n),
			Adler:             sum,
			PreviousAdler:     seed,
			CheckBookFilename: name,
		})
		seed = sum
		offset += int64(n)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}
	return cb, nil
}

// ReadSlice reads the content of s from f.
func ReadSlice(f io.ReaderAt, s checkbook.Slice) ([]byte, error) {
	buf := make([]byte, s.Length)
	if _, err := f.ReadAt(buf, s.Offset); err != nil && !(err == io.EOF && s.Length == 0) {
		return nil, fmt.Errorf("failed to read slice %d: %v", s.Index, err)
	}
	return buf, nil
}

func determineChunkSize(fileSize int64) int64 {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}
