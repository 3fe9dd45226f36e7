package spancache

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Well-known metadata entry names.
const (
	// MetadataContentLength holds the resource's original content length as
	// an 8-byte big-endian integer.
	MetadataContentLength = "len"

	// MetadataRedirectedURI holds the URI the resource was redirected to,
	// when it differs from the one it was requested under.
	MetadataRedirectedURI = "redir"
)

// ContentMetadata is an immutable name-to-bytes map attached to a content
// record. Mutations go through MetadataMutations so a batch of edits is
// applied and persisted atomically.
type ContentMetadata struct {
	entries map[string][]byte
}

var emptyContentMetadata = ContentMetadata{}

// Get returns the raw value for name, or ok=false if absent.
func (m ContentMetadata) Get(name string) ([]byte, bool) {
	v, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Int64 returns the value for name decoded as a big-endian int64, or def if
// absent or malformed.
func (m ContentMetadata) Int64(name string, def int64) int64 {
	v, ok := m.entries[name]
	if !ok || len(v) != 8 {
		return def
	}
	return int64(binary.BigEndian.Uint64(v))
}

// Names returns the entry names in sorted order.
func (m ContentMetadata) Names() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether two metadata maps hold the same entries.
func (m ContentMetadata) Equal(other ContentMetadata) bool {
	if len(m.entries) != len(other.entries) {
		return false
	}
	for name, v := range m.entries {
		ov, ok := other.entries[name]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// ContentLength returns the original content length recorded in md, or
// LengthUnset if unknown.
func ContentLength(md ContentMetadata) int64 {
	return md.Int64(MetadataContentLength, LengthUnset)
}

// RedirectedURI returns the redirected URI recorded in md, or "" if none.
func RedirectedURI(md ContentMetadata) string {
	v, ok := md.Get(MetadataRedirectedURI)
	if !ok {
		return ""
	}
	return string(v)
}

// contentMetadataOf builds a ContentMetadata from raw entries, copying the
// values so the result is detached from the input.
func contentMetadataOf(entries map[string][]byte) ContentMetadata {
	if len(entries) == 0 {
		return emptyContentMetadata
	}
	copied := make(map[string][]byte, len(entries))
	for name, v := range entries {
		cv := make([]byte, len(v))
		copy(cv, v)
		copied[name] = cv
	}
	return ContentMetadata{entries: copied}
}

// MetadataMutations is a batch of metadata edits. The zero value is ready to
// use; Set and Remove calls chain.
type MetadataMutations struct {
	edits    map[string][]byte
	removals map[string]bool
}

// Set records a raw value edit, superseding any pending removal of name.
func (m *MetadataMutations) Set(name string, value []byte) *MetadataMutations {
	if m.edits == nil {
		m.edits = make(map[string][]byte)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.edits[name] = v
	delete(m.removals, name)
	return m
}

// SetInt64 records an 8-byte big-endian integer edit.
func (m *MetadataMutations) SetInt64(name string, value int64) *MetadataMutations {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	return m.Set(name, buf[:])
}

// SetString records a UTF-8 string edit.
func (m *MetadataMutations) SetString(name, value string) *MetadataMutations {
	return m.Set(name, []byte(value))
}

// Remove records the removal of name, superseding any pending edit.
func (m *MetadataMutations) Remove(name string) *MetadataMutations {
	if m.removals == nil {
		m.removals = make(map[string]bool)
	}
	m.removals[name] = true
	delete(m.edits, name)
	return m
}

// SetContentLength records the resource's original content length.
func SetContentLength(m *MetadataMutations, length int64) *MetadataMutations {
	return m.SetInt64(MetadataContentLength, length)
}

// SetRedirectedURI records the URI the resource redirected to. An empty uri
// removes the entry.
func SetRedirectedURI(m *MetadataMutations, uri string) *MetadataMutations {
	if uri == "" {
		return m.Remove(MetadataRedirectedURI)
	}
	return m.SetString(MetadataRedirectedURI, uri)
}

// apply returns md with the mutations applied, and whether anything changed.
func (m *MetadataMutations) apply(md ContentMetadata) (ContentMetadata, bool) {
	if m == nil || (len(m.edits) == 0 && len(m.removals) == 0) {
		return md, false
	}
	changed := false
	next := make(map[string][]byte, len(md.entries)+len(m.edits))
	for name, v := range md.entries {
		if m.removals[name] {
			changed = true
			continue
		}
		next[name] = v
	}
	for name, v := range m.edits {
		if old, ok := next[name]; ok && bytes.Equal(old, v) {
			continue
		}
		cv := make([]byte, len(v))
		copy(cv, v)
		next[name] = cv
		changed = true
	}
	if !changed {
		return md, false
	}
	return ContentMetadata{entries: next}, true
}
