package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Compressor writes LZ4 blocks prefixed with the uncompressed length,
// since the block format does not store it.
type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	n := binary.PutUvarint(dst, uint64(len(data)))
	if len(data) == 0 {
		return dst[:n], nil
	}
	var c lz4.Compressor
	written, err := c.CompressBlock(data, dst[n:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 {
		return nil, fmt.Errorf("lz4 compress: incompressible block")
	}
	return dst[:n+written], nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 || size > maxDecodedSize {
		return nil, fmt.Errorf("lz4 decompress: bad length prefix")
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	read, err := lz4.UncompressBlock(data[n:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:read], nil
}

func (lz4Compressor) Type() Type { return LZ4 }
