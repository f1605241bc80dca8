package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Metadata is an insertion ordered set of key value pairs attached to an upload.
// The zero value is an empty, ready to use Metadata.
type Metadata struct {
	pairs *orderedmap.OrderedMap[string, string]
}

// NewMetadata creates Metadata from alternating keys and values.
func NewMetadata(keyValues ...string) Metadata {
	var m Metadata
	for i := 0; i+1 < len(keyValues); i += 2 {
		m.Set(keyValues[i], keyValues[i+1])
	}
	return m
}

// MetadataFromMap creates Metadata from a map; keys are not ordered.
func MetadataFromMap(values map[string]string) Metadata {
	var m Metadata
	for k, v := range values {
		m.Set(k, v)
	}
	return m
}

// Set adds or replaces a pair. Replacing keeps the original position.
func (m *Metadata) Set(key, value string) {
	if m.pairs == nil {
		m.pairs = orderedmap.New[string, string]()
	}
	m.pairs.Set(key, value)
}

// Get returns the value for key.
func (m Metadata) Get(key string) (string, bool) {
	if m.pairs == nil {
		return "", false
	}
	return m.pairs.Get(key)
}

// Len returns the number of pairs.
func (m Metadata) Len() int {
	if m.pairs == nil {
		return 0
	}
	return m.pairs.Len()
}

// Each calls fn for every pair in insertion order.
func (m Metadata) Each(fn func(key, value string)) {
	if m.pairs == nil {
		return
	}
	for pair := m.pairs.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Map returns the pairs as a plain map.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, m.Len())
	m.Each(func(k, v string) {
		out[k] = v
	})
	return out
}

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	var c Metadata
	m.Each(c.Set)
	return c
}

// Validate checks that keys are usable in the metadata header.
func (m Metadata) Validate() error {
	var err error
	m.Each(func(k, _ string) {
		if err != nil {
			return
		}
		if k == "" {
			err = fmt.Errorf("metadata key must not be empty")
			return
		}
		if strings.ContainsAny(k, " ,") {
			err = fmt.Errorf("metadata key %q must not contain spaces or commas", k)
		}
	})
	return err
}

// EncodeMetadata serializes m as "key base64(value)" pairs joined by commas.
func EncodeMetadata(m Metadata) string {
	encoded := make([]string, 0, m.Len())
	m.Each(func(k, v string) {
		encoded = append(encoded, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
	})
	return strings.Join(encoded, ",")
}

// DecodeMetadata parses a metadata header value. A key without a value decodes to
// an empty string.
func DecodeMetadata(header string) (Metadata, error) {
	var m Metadata
	if strings.TrimSpace(header) == "" {
		return m, nil
	}

	for _, element := range strings.Split(header, ",") {
		parts := strings.Fields(element)
		switch len(parts) {
		case 1:
			m.Set(parts[0], "")
		case 2:
			value, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				return Metadata{}, fmt.Errorf("decode value of %s: %w", parts[0], err)
			}
			m.Set(parts[0], string(value))
		default:
			return Metadata{}, fmt.Errorf("invalid metadata element: %q", element)
		}
	}

	return m, nil
}
