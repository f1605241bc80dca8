// Package checksum computes chunk digests for upload integrity verification.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sort"
	"strings"
	"sync"
)

// Provider computes a hex encoded digest of r under the named algorithm.
type Provider interface {
	Sum(algorithm string, r io.Reader) (string, error)
}

// Registry is a Provider backed by hash constructors.
type Registry struct {
	mu     sync.RWMutex
	hashes map[string]func() hash.Hash
}

// NewRegistry returns a Registry knowing md5, sha1, sha256, sha512 and crc32.
func NewRegistry() *Registry {
	return &Registry{
		hashes: map[string]func() hash.Hash{
			"md5":    md5.New,
			"sha1":   sha1.New,
			"sha256": sha256.New,
			"sha512": sha512.New,
			"crc32":  func() hash.Hash { return crc32.NewIEEE() },
		},
	}
}

var defaultRegistry = NewRegistry()

// Default returns the shared default Registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds or replaces an algorithm.
func (r *Registry) Register(algorithm string, fn func() hash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes[strings.ToLower(algorithm)] = fn
}

// Supports reports whether the algorithm is known.
func (r *Registry) Supports(algorithm string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hashes[strings.ToLower(algorithm)]
	return ok
}

// Algorithms lists the known algorithm names, sorted.
func (r *Registry) Algorithms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hashes))
	for name := range r.hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sum hashes everything read from reader.
func (r *Registry) Sum(algorithm string, reader io.Reader) (string, error) {
	r.mu.RLock()
	fn, ok := r.hashes[strings.ToLower(algorithm)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}

	h := fn()
	if _, err := io.Copy(h, reader); err != nil {
		return "", fmt.Errorf("hash chunk: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
