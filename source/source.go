// Package source provides random-access byte providers for uploads.
// Implementations can read from files, memory buffers, or forward-only streams.
package source

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnsupportedInput is returned by Open for inputs no FileSource can be built from.
var ErrUnsupportedInput = errors.New("unsupported input")

// Chunk is one slice of a FileSource.
type Chunk struct {
	// Body yields the bytes of the slice. It can be rewound, but a new Chunk
	// should be requested for every transfer attempt.
	Body io.ReadSeeker

	// Size is the number of bytes in Body.
	Size int64

	// Done reports that the slice reaches the end of the data.
	Done bool
}

// FileSource provides upload data.
type FileSource interface {
	// Size returns the total size and whether it is known in advance.
	Size() (int64, bool)

	// Slice returns the bytes in [start, end). The returned chunk may be shorter
	// when the data ends before end. Forward-only sources fail when start is
	// before the start of a previous slice.
	Slice(start, end int64) (Chunk, error)

	// Close releases the underlying resources.
	Close() error
}

// Identifiable is implemented by sources that can name the data they provide,
// independent of its content. The identity feeds upload fingerprints.
type Identifiable interface {
	Identity() string
}

// Open creates a FileSource for the given input. Supported inputs are a FileSource,
// a []byte buffer, a file path, an *os.File and an io.Reader.
func Open(input interface{}) (FileSource, error) {
	switch v := input.(type) {
	case FileSource:
		return v, nil
	case []byte:
		return NewBytes(v), nil
	case string:
		return NewFile(v)
	case *os.File:
		info, err := v.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", v.Name(), err)
		}
		if !info.Mode().IsRegular() {
			return NewStream(v), nil
		}
		return newFile(v, info)
	case io.Reader:
		return NewStream(v), nil
	case nil:
		return nil, fmt.Errorf("%w: nil input", ErrUnsupportedInput)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedInput, input)
	}
}

func checkRange(start, end int64) error {
	if start < 0 || end < start {
		return fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	return nil
}
