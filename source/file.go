package source

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// File reads slices from a file on disk.
// Safe for concurrent slices, so partial uploads can share one File.
type File struct {
	file    *os.File
	path    string
	size    int64
	modTime time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewFile opens the file at path. The path may contain ~ and environment variables.
func NewFile(path string) (*File, error) {
	absPath, err := pathutil.NewPathModifier().AbsPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", path, err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnsupportedInput, absPath)
	}

	return newFile(file, info)
}

func newFile(file *os.File, info os.FileInfo) (*File, error) {
	return &File{
		file:    file,
		path:    file.Name(),
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

// Size returns the file size.
func (f *File) Size() (int64, bool) {
	return f.size, true
}

// Slice returns a section of the file. The section is read lazily.
func (f *File) Slice(start, end int64) (Chunk, error) {
	if err := checkRange(start, end); err != nil {
		return Chunk{}, err
	}
	if start > f.size {
		return Chunk{}, fmt.Errorf("slice start %d is beyond file size %d", start, f.size)
	}
	if end > f.size {
		end = f.size
	}

	return Chunk{
		Body: io.NewSectionReader(f.file, start, end-start),
		Size: end - start,
		Done: end == f.size,
	}, nil
}

// Identity names the file by path, size and modification time.
func (f *File) Identity() string {
	return fmt.Sprintf("file:%s:%d:%d", f.path, f.size, f.modTime.UnixNano())
}

// Path returns the path of the file.
func (f *File) Path() string {
	return f.path
}

// Close closes the underlying file.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.file.Close()
	})
	return f.closeErr
}
