// Package metadata models the transport headers carried alongside a
// message body. Routing and observability metadata live here, never in
// the serialized payload, so payload evolution cannot break them.
package metadata

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Get returns the value for key, or "" when absent.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
// Pairs with empty values are skipped so headers stay sparse.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
