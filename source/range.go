package source

import "fmt"

// Range exposes [start, end) of a parent source as a source of its own, with
// offsets relative to start. Closing a Range does not close the parent.
type Range struct {
	parent FileSource
	start  int64
	end    int64
}

// NewRange creates a view of parent restricted to [start, end).
func NewRange(parent FileSource, start, end int64) (*Range, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	if size, ok := parent.Size(); ok && end > size {
		return nil, fmt.Errorf("range end %d is beyond source size %d", end, size)
	}
	return &Range{parent: parent, start: start, end: end}, nil
}

// Size returns the length of the range.
func (r *Range) Size() (int64, bool) {
	return r.end - r.start, true
}

// Slice returns [start, end) relative to the beginning of the range.
func (r *Range) Slice(start, end int64) (Chunk, error) {
	if err := checkRange(start, end); err != nil {
		return Chunk{}, err
	}
	size := r.end - r.start
	if start > size {
		return Chunk{}, fmt.Errorf("slice start %d is beyond range size %d", start, size)
	}
	if end > size {
		end = size
	}

	chunk, err := r.parent.Slice(r.start+start, r.start+end)
	if err != nil {
		return Chunk{}, err
	}
	chunk.Done = start+chunk.Size >= size
	return chunk, nil
}

// Close is a no-op; the parent is owned by whoever created it.
func (r *Range) Close() error {
	return nil
}
