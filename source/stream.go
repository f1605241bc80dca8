package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// Stream accumulates bytes from a reader whose size is not known in advance.
// Access is forward-only: the bytes of the most recent slice stay buffered so the
// same range can be requested again for a retry, everything before it is dropped.
type Stream struct {
	reader io.Reader

	buf      []byte
	bufStart int64
	eof      bool

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStream creates a FileSource reading from r. If r is an io.Closer it is closed
// by Close.
func NewStream(r io.Reader) *Stream {
	return &Stream{reader: r}
}

// Size reports an unknown size.
func (s *Stream) Size() (int64, bool) {
	return 0, false
}

// Slice returns up to end-start bytes starting at start. One byte is read ahead
// so that the final slice is flagged Done without an extra empty read.
func (s *Stream) Slice(start, end int64) (Chunk, error) {
	if err := checkRange(start, end); err != nil {
		return Chunk{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if start < s.bufStart {
		return Chunk{}, fmt.Errorf("cannot slice stream at %d: data before %d was already released", start, s.bufStart)
	}

	if err := s.dropUntil(start); err != nil {
		return Chunk{}, err
	}

	want := end - start
	ahead := want
	if ahead < math.MaxInt64 {
		ahead++
	}
	if err := s.fill(ahead); err != nil {
		return Chunk{}, err
	}

	n := want
	if int64(len(s.buf)) < n {
		n = int64(len(s.buf))
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])

	return Chunk{
		Body: bytes.NewReader(data),
		Size: n,
		Done: s.eof && int64(len(s.buf)) == n,
	}, nil
}

func (s *Stream) dropUntil(start int64) error {
	drop := start - s.bufStart
	if drop == 0 {
		return nil
	}

	if drop <= int64(len(s.buf)) {
		s.buf = s.buf[drop:]
		s.bufStart = start
		return nil
	}

	skip := drop - int64(len(s.buf))
	s.buf = nil
	s.bufStart = start - skip
	if !s.eof {
		n, err := io.CopyN(io.Discard, s.reader, skip)
		s.bufStart += n
		if errors.Is(err, io.EOF) {
			s.eof = true
		} else if err != nil {
			return fmt.Errorf("skip %d bytes of stream: %w", skip, err)
		}
	}
	if s.bufStart < start {
		return fmt.Errorf("stream ended at %d, before requested start %d", s.bufStart, start)
	}
	return nil
}

func (s *Stream) fill(size int64) error {
	missing := size - int64(len(s.buf))
	if s.eof || missing <= 0 {
		return nil
	}

	// The buffer grows with the data read, not with the requested size.
	buf := bytes.NewBuffer(s.buf)
	_, err := io.CopyN(buf, s.reader, missing)
	s.buf = buf.Bytes()
	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
	case err != nil:
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// Close closes the reader if it is an io.Closer.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.buf = nil
		s.mu.Unlock()
		if closer, ok := s.reader.(io.Closer); ok {
			s.closeErr = closer.Close()
		}
	})
	return s.closeErr
}
