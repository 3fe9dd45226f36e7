package spancache

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Span is one contiguous byte range of a resource, either cached (backed by
// a file on disk) or a hole. Spans are immutable values; the engine replaces
// them rather than mutating them.
type Span struct {
	// Key is the content key of the resource the span belongs to.
	Key string
	// Position is the offset of the span within the resource.
	Position int64
	// Length is the span length in bytes, or LengthUnset for the terminal
	// open-ended hole of an unbounded query.
	Length int64
	// IsCached reports whether the span's bytes are on disk.
	IsCached bool
	// File is the path of the backing file. Empty unless IsCached.
	File string
	// LastTouchTimestamp is the recency timestamp in epoch milliseconds,
	// or TimeUnset for holes. It is encoded into the backing filename.
	LastTouchTimestamp int64
}

// IsOpenEnded reports whether the span extends to the unknown end of the
// resource.
func (s Span) IsOpenEnded() bool {
	return s.Length == LengthUnset
}

// IsHole reports whether the span describes an uncached region.
func (s Span) IsHole() bool {
	return !s.IsCached
}

// end returns the exclusive end position, or LengthUnset if open-ended.
func (s Span) end() int64 {
	if s.IsOpenEnded() {
		return LengthUnset
	}
	return s.Position + s.Length
}

const (
	spanSuffixV3 = ".v3.spn"
	keySuffixV3  = ".v3.key"
)

var (
	spanPatternV1 = regexp.MustCompile(`^(.+)\.(\d+)\.(\d+)\.v1\.spn$`)
	spanPatternV2 = regexp.MustCompile(`^(.+)\.(\d+)\.(\d+)\.v2\.spn$`)
	spanPatternV3 = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)\.v3\.spn$`)
	keyPatternV3  = regexp.MustCompile(`^(\d+)\.(.*)\.v3\.key$`)
)

// cacheFilePath returns the canonical backing-file path for a span. The name
// round-trips through parseCacheFile, which is what makes a bare directory
// scan sufficient to rebuild the cache.
func cacheFilePath(dir string, id int32, position, lastTouchTimestamp int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%d.%d%s", id, position, lastTouchTimestamp, spanSuffixV3))
}

// keyFilePath returns the path of the id-to-key marker file for a content
// record. Markers let a directory scan recover content keys when the
// persisted index is lost.
func keyFilePath(dir string, id int32, key string) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%s%s", id, escapeKey(key), keySuffixV3))
}

// parseKeyFile extracts (id, key) from a marker filename. Returns ok=false
// for names that are not valid markers.
func parseKeyFile(name string) (id int32, key string, ok bool) {
	m := keyPatternV3.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	id64, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return 0, "", false
	}
	key, ok = unescapeKey(m[2])
	if !ok {
		return 0, "", false
	}
	return int32(id64), key, true
}

// parseCacheFile recovers a cached Span from a backing file. Legacy (v1/v2)
// names are migrated by renaming the file to the current format, assigning a
// content id for the embedded key if needed.
//
// Returns nil for files that do not parse as any span filename version, or
// whose content id is unknown to the index. The file is left untouched in
// both cases; callers must treat nil as "unrecognized, leave it alone".
func parseCacheFile(path string, fileLength int64, index *contentIndex) *Span {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, spanSuffixV3) {
		upgraded := upgradeSpanFile(path, index)
		if upgraded == "" {
			return nil
		}
		path = upgraded
		name = filepath.Base(path)
	}
	m := spanPatternV3.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	id64, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return nil
	}
	position, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return nil
	}
	timestamp, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return nil
	}
	key, ok := index.keyForID(int32(id64))
	if !ok {
		return nil
	}
	return &Span{
		Key:                key,
		Position:           position,
		Length:             fileLength,
		IsCached:           true,
		File:               path,
		LastTouchTimestamp: timestamp,
	}
}

// upgradeSpanFile renames a legacy v1/v2 span file to the current format and
// returns the new path, or "" if the name is not a recognizable legacy span
// name or the rename fails. Ambiguous or invalid escaping in a legacy name
// makes the file unrecognized, never an error.
func upgradeSpanFile(path string, index *contentIndex) string {
	name := filepath.Base(path)

	var key string
	var m []string
	if m = spanPatternV2.FindStringSubmatch(name); m != nil {
		k, ok := unescapeKey(m[1])
		if !ok {
			return ""
		}
		key = k
	} else if m = spanPatternV1.FindStringSubmatch(name); m != nil {
		k, err := url.QueryUnescape(m[1])
		if err != nil {
			return ""
		}
		key = k
	} else {
		return ""
	}

	position, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ""
	}
	timestamp, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return ""
	}

	id := index.assignIDForKey(key)
	target := cacheFilePath(filepath.Dir(path), id, position, timestamp)
	if err := os.Rename(path, target); err != nil {
		return ""
	}
	return target
}

// escapedRunes are the characters replaced in keys embedded into filenames:
// the escape character itself plus everything unsafe on common filesystems.
const escapedRunes = `"%*/:<>?\|`

// escapeKey makes a content key safe for embedding in a filename. Each
// unsafe rune is replaced by "%XXXX" with four uppercase hex digits.
func escapeKey(key string) string {
	if !strings.ContainsAny(key, escapedRunes) {
		return key
	}
	var b strings.Builder
	b.Grow(len(key) + 8)
	for _, r := range key {
		if strings.ContainsRune(escapedRunes, r) {
			fmt.Fprintf(&b, "%%%04X", r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unescapeKey reverses escapeKey. Returns ok=false on truncated or
// non-hex escapes.
func unescapeKey(s string) (string, bool) {
	if !strings.ContainsRune(s, '%') {
		return s, true
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '%' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+5 > len(s) {
			return "", false
		}
		code, err := strconv.ParseUint(s[i+1:i+5], 16, 32)
		if err != nil {
			return "", false
		}
		b.WriteRune(rune(code))
		i += 5
	}
	return b.String(), true
}
