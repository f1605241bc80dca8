package upload

import (
	"fmt"

	"github.com/bitrise-io/go-tus/protocol"
)

// State is a step of the upload lifecycle.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateCreating
	StateRetryWait
	StateUploading
	StateFinalizing
	StateComplete
	StateFailed
	StateAborted
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateResolving:  "resolving",
	StateCreating:   "creating",
	StateRetryWait:  "retry wait",
	StateUploading:  "uploading",
	StateFinalizing: "finalizing",
	StateComplete:   "complete",
	StateFailed:     "failed",
	StateAborted:    "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateAborted
}

// Session is the client side view of a remote upload. Size is -1 while unknown.
type Session struct {
	URL            string
	Offset         int64
	Size           int64
	DeferredLength bool
	Fingerprint    string
	Metadata       protocol.Metadata
}

// Done reports whether every byte was confirmed by the server.
func (s Session) Done() bool {
	return !s.DeferredLength && s.Size >= 0 && s.Offset >= s.Size
}

// advance returns the session at a new confirmed offset.
func (s Session) advance(offset int64) (Session, error) {
	if offset < s.Offset {
		return s, fmt.Errorf("offset must not decrease: %d -> %d", s.Offset, offset)
	}
	if !s.DeferredLength && s.Size >= 0 && offset > s.Size {
		return s, fmt.Errorf("offset %d is beyond upload size %d", offset, s.Size)
	}
	s.Offset = offset
	return s, nil
}

// finalize fixes the length of a deferred length session.
func (s Session) finalize(size int64) Session {
	s.DeferredLength = false
	s.Size = size
	return s
}

// ChunkRequest describes one attempt at sending [Start, End).
type ChunkRequest struct {
	Start    int64
	End      int64
	BodySize int64
	Checksum string
	Attempt  int
}
