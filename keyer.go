package spancache

import "github.com/opencontainers/go-digest"

// Keyer derives the content key a resource is cached under from its URI.
type Keyer interface {
	Key(uri string) string
}

// DefaultKeyer uses the URI itself as the content key.
var DefaultKeyer Keyer = identityKeyer{}

type identityKeyer struct{}

func (identityKeyer) Key(uri string) string { return uri }

// NewDigestKeyer returns a Keyer that hashes URIs with the canonical digest
// algorithm. Digest keys are fixed-length and contain no URI material,
// which keeps filenames short and avoids leaking URIs into legacy-format
// names.
func NewDigestKeyer() Keyer {
	return digestKeyer{}
}

type digestKeyer struct{}

func (digestKeyer) Key(uri string) string {
	return digest.Canonical.FromString(uri).String()
}
