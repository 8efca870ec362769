package codec

import (
	"errors"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// lz4CompressorPool pools lz4.Compressor instances; the struct carries
// internal hash-table state that is expensive to allocate per call.
var lz4CompressorPool = sync.Pool{
	New: func() any { return &lz4.Compressor{} },
}

const lz4DecompressMaxSize = 128 * 1024 * 1024 // 128MB safety limit

// lz4Compress runs the LZ4 block-array compressor over data.
func lz4Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	c, _ := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(c)

	n, err := c.CompressBlock(data, dst)
	if err != nil {
		return nil, err
	}

	// Incompressible input: lz4 signals this by returning n == 0.
	if n == 0 {
		framed := make([]byte, len(data)+1)
		framed[0] = 1 // stored, not compressed
		copy(framed[1:], data)
		return framed, nil
	}

	out := make([]byte, n+1)
	out[0] = 0 // lz4-compressed
	copy(out[1:], dst[:n])

	return out, nil
}

// lz4Decompress reverses lz4Compress, growing its scratch buffer on
// lz4.ErrInvalidSourceShortBuffer until it either succeeds or exceeds
// lz4DecompressMaxSize.
func lz4Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	stored, payload := data[0], data[1:]
	if stored == 1 {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	bufSize := len(payload) * 4
	if bufSize == 0 {
		bufSize = 64
	}

	for bufSize <= lz4DecompressMaxSize {
		buf := make([]byte, bufSize)
		n, err := lz4.UncompressBlock(payload, buf)
		if err != nil {
			if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) && bufSize < lz4DecompressMaxSize {
				bufSize *= 2
				continue
			}
			return nil, err
		}
		return buf[:n], nil
	}

	return nil, lz4.ErrInvalidSourceShortBuffer
}
