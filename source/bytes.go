package source

import (
	"bytes"
	"fmt"
)

// Bytes provides slices of an in-memory buffer.
type Bytes struct {
	data []byte
}

// NewBytes creates a FileSource over data. The buffer must not be modified while
// the upload runs.
func NewBytes(data []byte) *Bytes {
	return &Bytes{data: data}
}

// Size returns the buffer length.
func (b *Bytes) Size() (int64, bool) {
	return int64(len(b.data)), true
}

// Slice returns a reader over data[start:end].
func (b *Bytes) Slice(start, end int64) (Chunk, error) {
	if err := checkRange(start, end); err != nil {
		return Chunk{}, err
	}
	size := int64(len(b.data))
	if start > size {
		return Chunk{}, fmt.Errorf("slice start %d is beyond buffer size %d", start, size)
	}
	if end > size {
		end = size
	}

	return Chunk{
		Body: bytes.NewReader(b.data[start:end]),
		Size: end - start,
		Done: end == size,
	}, nil
}

// Close is a no-op.
func (b *Bytes) Close() error {
	return nil
}
