package checkbook

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
)

// InitialAdler is the Adler-32 value of empty input; the first slice of a file is seeded with it.
const InitialAdler uint32 = 1

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSliceLength      = errors.New("content length does not match slice length")
)

// Adler32 continues an Adler-32 computation from seed over data.
func Adler32(seed uint32, data []byte) uint32 {
	d := adler32.New()
	state := make([]byte, 0, 8)
	state = append(state, "adl\x01"...)
	state = binary.BigEndian.AppendUint32(state, seed)
	// The state layout is fixed by hash/adler32; the error path is unreachable.
	if err := d.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(err)
	}
	d.Write(data)
	return d.Sum32()
}

// SlicePayload is a slice descriptor together with its bytes.
type SlicePayload struct {
	Slice   Slice  `json:"slice"`
	Content []byte `json:"content"`
}

// Verify recomputes the checksum of the content from the declared seed.
func (p *SlicePayload) Verify() error {
	return VerifyContent(p.Slice, p.Content)
}

// VerifyContent checks content against the length and checksum recorded in s.
func VerifyContent(s Slice, content []byte) error {
	if int64(len(content)) != s.Length {
		return fmt.Errorf("%w: slice %d has %d bytes, want %d", ErrSliceLength, s.Index, len(content), s.Length)
	}
	if sum := Adler32(s.PreviousAdler, content); sum != s.Adler {
		return fmt.Errorf("%w: slice %d got %08x, want %08x", ErrChecksumMismatch, s.Index, sum, s.Adler)
	}
	return nil
}
