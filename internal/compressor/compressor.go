package compressor

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifiers as stored in slice file headers.
const (
	IDNone byte = 0
	IDLZ4  byte = 1
	IDZstd byte = 2
)

// Codec compresses slice content before it is written to the document root.
type Codec interface {
	Name() string
	ID() byte
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// ByName resolves a codec from its configuration name.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return noneCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown slice codec %q", name)
	}
}

// ByID resolves a codec from a slice file header.
func ByID(id byte) (Codec, error) {
	switch id {
	case IDNone:
		return noneCodec{}, nil
	case IDLZ4:
		return lz4Codec{}, nil
	case IDZstd:
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec id %d", id)
	}
}

type noneCodec struct{}

func (noneCodec) Name() string                           { return "none" }
func (noneCodec) ID() byte                               { return IDNone }
func (noneCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }
func (lz4Codec) ID() byte     { return IDLZ4 }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %v", err)
	}
	return compressed.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	var decompressed bytes.Buffer
	if _, err := io.Copy(&decompressed, reader); err != nil {
		return nil, fmt.Errorf("decompression failed: %v", err)
	}
	return decompressed.Bytes(), nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) ID() byte     { return IDZstd }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	enc, _, err := zstdCoders()
	if err != nil {
		return nil, fmt.Errorf("compression failed: %v", err)
	}
	return enc.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	_, dec, err := zstdCoders()
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %v", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %v", err)
	}
	return out, nil
}
