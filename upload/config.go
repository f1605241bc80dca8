package upload

import (
	"net/url"
	"time"

	"github.com/bitrise-io/go-tus/checksum"
	"github.com/bitrise-io/go-tus/fingerprint"
	"github.com/bitrise-io/go-tus/protocol"
	"github.com/bitrise-io/go-tus/storage"
	"github.com/bitrise-io/go-tus/transport"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultStreamChunkSize bounds chunks of sources that can not report their size.
const DefaultStreamChunkSize = 5 * 1024 * 1024

// Boundary is the [Start, End) byte range of one partial upload.
type Boundary struct {
	Start int64
	End   int64
}

// Config holds configuration for an upload.
type Config struct {
	// Endpoint is the creation URL. It may be empty when UploadURL is set.
	Endpoint string

	// UploadURL resumes a known upload instead of looking one up in Storage.
	UploadURL string

	// Protocol names the headers on the wire.
	// Default: protocol.TusV1
	Protocol protocol.Protocol

	// Stack sends requests.
	// Default: transport.NewHTTPStack
	Stack transport.Stack

	// Storage remembers upload URLs for resuming. Nil disables resuming from
	// previous runs.
	Storage storage.URLStorage

	// Fingerprint identifies the source for Storage lookups.
	// Default: fingerprint.Default
	Fingerprint fingerprint.Func

	// StoreFingerprintForResuming saves newly created uploads in Storage.
	StoreFingerprintForResuming bool

	// RemoveFingerprintOnSuccess removes the Storage entry once the upload completed.
	RemoveFingerprintOnSuccess bool

	// ChunkSize limits the body of a single chunk request. Zero sends the rest of
	// sized sources in one request and DefaultStreamChunkSize bytes of streams.
	ChunkSize int64

	// UploadSize overrides the size reported by the source.
	UploadSize int64

	// UploadLengthDeferred creates the upload without a length and sends the
	// length with the last chunk.
	UploadLengthDeferred bool

	Metadata                  protocol.Metadata
	MetadataForPartialUploads protocol.Metadata

	// Headers are added to every request.
	Headers map[string]string

	// ParallelUploads splits the upload into that many partial uploads which are
	// concatenated once all of them completed.
	ParallelUploads int

	// ParallelUploadBoundaries sets the ranges of the partial uploads explicitly.
	ParallelUploadBoundaries []Boundary

	// ChecksumAlgorithm enables per chunk checksums.
	ChecksumAlgorithm string
	// Default: checksum.Default()
	ChecksumProvider checksum.Provider

	// RetryPolicy decides on retrying failed exchanges.
	// Default: DefaultRetryPolicy()
	RetryPolicy RetryPolicy

	// HungThreshold is the duration after which a chunk transfer is considered hung
	// if it exceeds the average transfer time by this amount. Zero disables it.
	// DefaultConfig sets 30 seconds.
	HungThreshold time.Duration

	// AddRequestID sets a unique X-Request-ID header on every request.
	AddRequestID bool

	// OverridePatchMethod sends chunks as POST with X-HTTP-Method-Override: PATCH.
	OverridePatchMethod bool

	Logger  log.Logger
	Tracker analytics.Tracker

	// OnProgress receives the bytes sent so far. bytesTotal is -1 while unknown.
	OnProgress func(bytesSent, bytesTotal int64)
	// OnChunkComplete runs after the server confirmed a chunk.
	OnChunkComplete func(chunkSize, bytesAccepted, bytesTotal int64)
	// OnUploadURLAvailable runs once the upload URL is known.
	OnUploadURLAvailable func(uploadURL string)
	// OnBeforeRequest may modify a request before it is sent.
	OnBeforeRequest func(req transport.Request) error
	// OnAfterResponse may inspect a response before the engine does.
	OnAfterResponse func(req transport.Request, resp transport.Response) error
	// OnError runs once when the upload failed. Aborts are not reported.
	OnError func(err error)
	OnSuccess func(uploadURL string)
	OnStateChange func(from, to State)
}

// DefaultConfig returns the default configuration for uploading to endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:                    endpoint,
		Protocol:                    protocol.TusV1,
		Fingerprint:                 fingerprint.Default,
		StoreFingerprintForResuming: true,
		RetryPolicy:                 DefaultRetryPolicy(),
		HungThreshold:               30 * time.Second,
		Logger:                      log.NewLogger(),
	}
}

// resolve fills the defaults of unset fields and validates the options that do
// not depend on the source.
func (c Config) resolve() (Config, error) {
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	if c.Protocol.IsZero() {
		c.Protocol = protocol.TusV1
	}
	if err := c.Protocol.Validate(); err != nil {
		return c, configError("%s", err)
	}
	if c.Stack == nil {
		c.Stack = transport.NewHTTPStack(c.Logger)
	}
	if c.Fingerprint == nil {
		c.Fingerprint = fingerprint.Default
	}
	if c.RetryPolicy == nil {
		c.RetryPolicy = DefaultRetryPolicy()
	}
	if c.ChecksumAlgorithm != "" && c.ChecksumProvider == nil {
		c.ChecksumProvider = checksum.Default()
	}

	if c.Endpoint == "" && c.UploadURL == "" {
		return c, configError("neither an endpoint nor an upload URL is provided")
	}
	if c.Endpoint != "" {
		if _, err := url.Parse(c.Endpoint); err != nil {
			return c, configError("invalid endpoint: %s", err)
		}
	}
	if c.ChunkSize < 0 {
		return c, configError("chunk size must not be negative: %d", c.ChunkSize)
	}
	if c.UploadSize < 0 {
		return c, configError("upload size must not be negative: %d", c.UploadSize)
	}
	if c.ParallelUploads < 0 {
		return c, configError("parallel uploads must not be negative: %d", c.ParallelUploads)
	}
	if c.HungThreshold < 0 {
		return c, configError("hung threshold must not be negative: %s", c.HungThreshold)
	}
	if c.ChecksumAlgorithm != "" {
		if s, ok := c.ChecksumProvider.(interface{ Supports(string) bool }); ok && !s.Supports(c.ChecksumAlgorithm) {
			return c, configError("unsupported checksum algorithm: %s", c.ChecksumAlgorithm)
		}
		if c.Protocol.ChecksumHeader == "" {
			return c, configError("protocol %s has no checksum header", c.Protocol.Name)
		}
	}
	if err := c.Metadata.Validate(); err != nil {
		return c, configError("metadata: %s", err)
	}
	if err := c.MetadataForPartialUploads.Validate(); err != nil {
		return c, configError("partial upload metadata: %s", err)
	}

	if len(c.ParallelUploadBoundaries) > 0 && c.ParallelUploads <= 1 {
		return c, configError("parallel upload boundaries require parallel uploads")
	}
	if c.ParallelUploads > 1 {
		switch {
		case c.Endpoint == "":
			return c, configError("parallel uploads require an endpoint")
		case c.UploadURL != "":
			return c, configError("an upload URL can not be used with parallel uploads")
		case c.UploadLengthDeferred:
			return c, configError("deferred upload length can not be used with parallel uploads")
		case len(c.ParallelUploadBoundaries) > 0 && len(c.ParallelUploadBoundaries) != c.ParallelUploads:
			return c, configError("%d parallel upload boundaries given for %d parallel uploads", len(c.ParallelUploadBoundaries), c.ParallelUploads)
		}
	}

	return c, nil
}

func (c Config) parallel() bool {
	return c.ParallelUploads > 1
}

// splitRanges divides size into n contiguous ranges. The first size%n ranges are
// one byte longer than the rest.
func splitRanges(size int64, n int) []Boundary {
	base := size / int64(n)
	extra := size % int64(n)

	ranges := make([]Boundary, 0, n)
	var start int64
	for i := 0; i < n; i++ {
		length := base
		if int64(i) < extra {
			length++
		}
		ranges = append(ranges, Boundary{Start: start, End: start + length})
		start += length
	}
	return ranges
}

// checkBoundaries validates explicit ranges against the upload size.
func checkBoundaries(boundaries []Boundary, size int64) error {
	var next int64
	for i, b := range boundaries {
		if b.Start != next || b.End < b.Start {
			return configError("parallel upload boundary %d [%d, %d) does not continue at %d", i, b.Start, b.End, next)
		}
		next = b.End
	}
	if next != size {
		return configError("parallel upload boundaries end at %d, upload size is %d", next, size)
	}
	return nil
}
