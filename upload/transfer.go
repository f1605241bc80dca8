package upload

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/bitrise-io/go-tus/protocol"
	"github.com/bitrise-io/go-tus/transport"
)

// transfer sends chunks until the server confirmed every byte.
func (u *Upload) transfer(ctx context.Context) error {
	u.setState(StateUploading)

	for {
		session := u.Session()
		if session.Done() {
			return nil
		}

		next, err := u.sendChunk(ctx, session)
		if err != nil {
			return err
		}
		u.setSession(next)
	}
}

// chunkEnd returns the exclusive end of the next chunk starting at s.Offset.
func (u *Upload) chunkEnd(s Session) int64 {
	end := u.dataSize
	if u.chunkSize > 0 && u.chunkSize <= math.MaxInt64-s.Offset {
		end = s.Offset + u.chunkSize
	} else if end < 0 {
		end = math.MaxInt64
	}
	if !s.DeferredLength && end > s.Size {
		end = s.Size
	}
	return end
}

func (u *Upload) sendChunk(ctx context.Context, s Session) (Session, error) {
	p := u.cfg.Protocol
	start, end := s.Offset, u.chunkEnd(s)

	var sent ChunkRequest
	var final bool

	req, resp, err := u.do(ctx, exchange{
		op:     "upload chunk",
		method: http.MethodPatch,
		url:    s.URL,
		chunk:  true,
		prepare: func(req transport.Request, attempt int) (io.ReadSeeker, int64, error) {
			chunk, err := u.src.Slice(start, end)
			if err != nil {
				return nil, 0, newError(KindUnsupportedInput, "read source", err)
			}

			if chunk.Size == 0 && !chunk.Done {
				return nil, 0, newError(KindUnsupportedInput, "read source", fmt.Errorf("source returned no data for [%d, %d) before its end", start, end))
			}

			cr := ChunkRequest{Start: start, End: start + chunk.Size, BodySize: chunk.Size, Attempt: attempt}
			if !s.DeferredLength && chunk.Done && cr.End < s.Size {
				return nil, 0, newError(KindConfiguration, "read source", fmt.Errorf("source ended at %d, before the upload size %d", cr.End, s.Size))
			}

			req.SetHeader(p.OffsetHeader, protocol.FormatOffset(start))
			req.SetHeader("Content-Type", p.ChunkContentType)

			final = s.DeferredLength && chunk.Done
			if final {
				req.SetHeader(p.LengthHeader, protocol.FormatOffset(cr.End))
			}

			if u.cfg.ChecksumAlgorithm != "" {
				value, err := u.checksum(chunk.Body)
				if err != nil {
					return nil, 0, newError(KindUnsupportedInput, "checksum chunk", err)
				}
				req.SetHeader(p.ChecksumHeader, value)
				cr.Checksum = value
			}

			sent = cr
			u.logger.Debugf("Sending bytes [%d, %d) to %s (attempt %d)", cr.Start, cr.End, s.URL, attempt+1)
			return chunk.Body, chunk.Size, nil
		},
		progress: func(bytesSent int64) {
			if u.cfg.OnProgress != nil {
				u.cfg.OnProgress(start+bytesSent, s.Size)
			}
		},
	})
	if err != nil {
		return s, err
	}

	offset, err := protocol.ParseOffset(resp.Header(p.OffsetHeader))
	if err != nil {
		return s, &Error{Kind: KindProtocol, Op: "upload chunk", Request: req, Response: resp, Err: fmt.Errorf("%s header: %w", p.OffsetHeader, err)}
	}
	if offset != sent.End {
		return s, &Error{Kind: KindOffsetMismatch, Op: "upload chunk", Request: req, Response: resp, Err: fmt.Errorf("server offset %d, expected %d", offset, sent.End)}
	}

	next, err := s.advance(offset)
	if err != nil {
		return s, &Error{Kind: KindProtocol, Op: "upload chunk", Request: req, Response: resp, Err: err}
	}
	if final {
		next = next.finalize(offset)
	}

	if u.cfg.OnChunkComplete != nil {
		u.cfg.OnChunkComplete(sent.BodySize, next.Offset, next.Size)
	}
	if u.cfg.OnProgress != nil {
		u.cfg.OnProgress(next.Offset, next.Size)
	}

	return next, nil
}

// checksum digests body and rewinds it.
func (u *Upload) checksum(body io.ReadSeeker) (string, error) {
	sum, err := u.cfg.ChecksumProvider.Sum(u.cfg.ChecksumAlgorithm, body)
	if err != nil {
		return "", err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind chunk: %w", err)
	}
	return protocol.ChecksumValue(u.cfg.ChecksumAlgorithm, sum)
}
