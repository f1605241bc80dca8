// Package protocol holds the wire-level vocabulary of the resumable upload protocol:
// header names, the protocol version, metadata encoding and concatenation values.
// Header names are carried in a Protocol value so that a different protocol revision
// can be plugged in without touching the upload engine.
package protocol

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DeferLengthValue is the value of the defer-length header announcing an upload
// whose total size is not known yet.
const DeferLengthValue = "1"

// Protocol describes the headers and values used on the wire.
type Protocol struct {
	// Name is used in log messages only.
	Name string

	VersionHeader     string
	Version           string
	OffsetHeader      string
	LengthHeader      string
	DeferLengthHeader string
	MetadataHeader    string
	ConcatHeader      string
	ChecksumHeader    string

	// ChunkContentType is the Content-Type of chunk transfer requests.
	ChunkContentType string

	// ChecksumMismatchStatus is the status code a server answers with when the
	// checksum of a chunk does not match its body.
	ChecksumMismatchStatus int
}

// TusV1 is the tus 1.0.0 protocol.
var TusV1 = Protocol{
	Name:                   "tus-v1",
	VersionHeader:          "Tus-Resumable",
	Version:                "1.0.0",
	OffsetHeader:           "Upload-Offset",
	LengthHeader:           "Upload-Length",
	DeferLengthHeader:      "Upload-Defer-Length",
	MetadataHeader:         "Upload-Metadata",
	ConcatHeader:           "Upload-Concat",
	ChecksumHeader:         "Upload-Checksum",
	ChunkContentType:       "application/offset+octet-stream",
	ChecksumMismatchStatus: 460,
}

// IsZero reports whether p is the zero Protocol.
func (p Protocol) IsZero() bool {
	return p.OffsetHeader == "" && p.LengthHeader == "" && p.VersionHeader == ""
}

// Validate checks that every header required by the engine is named.
func (p Protocol) Validate() error {
	required := map[string]string{
		"offset header":   p.OffsetHeader,
		"length header":   p.LengthHeader,
		"metadata header": p.MetadataHeader,
		"concat header":   p.ConcatHeader,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("protocol %s: %s must not be empty", p.Name, name)
		}
	}
	return nil
}

// ParseOffset parses an offset or length header value.
func ParseOffset(value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("missing value")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

// FormatOffset formats an offset or length header value.
func FormatOffset(n int64) string {
	return strconv.FormatInt(n, 10)
}

// ConcatPartial is the concat header value of a partial upload.
const ConcatPartial = "partial"

// ConcatFinal builds the concat header value merging the given partial upload URLs.
// The URLs are kept in the given order.
func ConcatFinal(urls []string) string {
	return "final;" + strings.Join(urls, " ")
}

// ChecksumValue builds the checksum header value from an algorithm name and a
// hex encoded digest: "<algorithm> <base64 digest>".
func ChecksumValue(algorithm, hexDigest string) (string, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode digest: %w", err)
	}
	return algorithm + " " + base64.StdEncoding.EncodeToString(raw), nil
}
