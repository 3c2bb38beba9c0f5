// Package compress holds the compressors batch payloads can be written with.
package compress

import (
	"errors"
	"fmt"
	"strings"
)

// Type identifies a compressor on the wire.
type Type byte

const (
	None Type = iota
	Zstd
	Snappy
	LZ4
)

// ErrUnknownType is returned for an unknown compressor type or name.
var ErrUnknownType = errors.New("unknown compression type")

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Compressor compresses whole payloads.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() Type
}

var compressors = map[Type]Compressor{
	None:   noneCompressor{},
	Zstd:   NewZstdCompressor(),
	Snappy: snappyCompressor{},
	LZ4:    lz4Compressor{},
}

// ByType returns the compressor of a wire type.
func ByType(t Type) (Compressor, error) {
	c, ok := compressors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, byte(t))
	}
	return c, nil
}

// ByName returns the compressor with the given name. An empty name selects
// no compression.
func ByName(name string) (Compressor, error) {
	if name == "" {
		return compressors[None], nil
	}
	for t, c := range compressors {
		if strings.EqualFold(t.String(), name) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

func (noneCompressor) Type() Type { return None }
