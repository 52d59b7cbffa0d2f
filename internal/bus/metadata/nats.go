package metadata

import "github.com/nats-io/nats.go"

// ToNATSHeader converts metadata into a NATS header block.
func ToNATSHeader(md Metadata) nats.Header {
	header := nats.Header{}
	for k, v := range md {
		header.Set(k, v)
	}
	return header
}

// FromNATSHeader converts a NATS header block into metadata. Only the
// first value of multi-valued headers is kept; the bus never sets more
// than one.
func FromNATSHeader(header nats.Header) Metadata {
	if len(header) == 0 {
		return Metadata{}
	}

	md := make(Metadata, len(header))
	for k, v := range header {
		if len(v) > 0 {
			md[k] = v[0]
		}
	}
	return md
}
