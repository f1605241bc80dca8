// Package fingerprint derives the keys under which resumable uploads are remembered.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-tus/source"
)

// Func computes the fingerprint of a source uploaded to endpoint. An empty
// fingerprint means the upload can not be resumed later.
type Func func(src source.FileSource, endpoint string) (string, error)

// Prefix starts every fingerprint produced by Default.
const Prefix = "tus-"

// Default fingerprints sources implementing source.Identifiable. The identity is
// hashed together with the endpoint, so the same file sent to two endpoints gets
// two fingerprints.
func Default(src source.FileSource, endpoint string) (string, error) {
	identifiable, ok := src.(source.Identifiable)
	if !ok {
		return "", nil
	}

	identity := identifiable.Identity()
	if identity == "" {
		return "", nil
	}

	return Of(identity, endpoint)
}

// Of builds a fingerprint from an identity and an endpoint.
func Of(identity, endpoint string) (string, error) {
	h := sha256.New()
	if _, err := h.Write([]byte(identity + "\n" + strings.TrimRight(endpoint, "/"))); err != nil {
		return "", fmt.Errorf("write sha256: %w", err)
	}
	return fmt.Sprintf("%s%x", Prefix, h.Sum(nil)), nil
}

// Disabled never fingerprints, which turns resuming off.
func Disabled(source.FileSource, string) (string, error) {
	return "", nil
}
