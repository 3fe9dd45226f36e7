package spancache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeKey_RoundTrip(t *testing.T) {
	t.Parallel()

	keys := []string{
		"plain",
		"https://example.com/a/b?c=d",
		`quotes"and|pipes`,
		"percent%signs%%",
		"unicode-é世界",
		"",
	}
	for _, key := range keys {
		escaped := escapeKey(key)
		assert.NotContains(t, escaped, "/")
		assert.NotContains(t, escaped, ":")
		got, ok := unescapeKey(escaped)
		require.True(t, ok, "unescape %q", escaped)
		assert.Equal(t, key, got)
	}
}

func TestUnescapeKey_Invalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"%", "%12", "%zzzz-tail", "trail%0"} {
		_, ok := unescapeKey(s)
		assert.False(t, ok, "unescapeKey(%q)", s)
	}
}

func TestParseKeyFile(t *testing.T) {
	t.Parallel()

	name := filepath.Base(keyFilePath(t.TempDir(), 7, "https://example.com/x"))
	id, key, ok := parseKeyFile(name)
	require.True(t, ok)
	assert.Equal(t, int32(7), id)
	assert.Equal(t, "https://example.com/x", key)

	_, _, ok = parseKeyFile("not-a-marker.txt")
	assert.False(t, ok)
}

func TestParseCacheFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	storage, err := newIndexStorage(dir, nil, false, false)
	require.NoError(t, err)
	index := newContentIndex(storage)
	index.getOrAdd("key") // id 0

	path := cacheFilePath(dir, 0, 100, 5555)
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	span := parseCacheFile(path, 10, index)
	require.NotNil(t, span)
	assert.Equal(t, "key", span.Key)
	assert.Equal(t, int64(100), span.Position)
	assert.Equal(t, int64(10), span.Length)
	assert.Equal(t, int64(5555), span.LastTouchTimestamp)
	assert.True(t, span.IsCached)
	assert.Equal(t, path, span.File)
}

func TestParseCacheFile_UnknownID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	storage, err := newIndexStorage(dir, nil, false, false)
	require.NoError(t, err)
	index := newContentIndex(storage)

	path := cacheFilePath(dir, 3, 0, 1)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	assert.Nil(t, parseCacheFile(path, 1, index))
}

func TestParseCacheFile_Unrecognized(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	storage, err := newIndexStorage(dir, nil, false, false)
	require.NoError(t, err)
	index := newContentIndex(storage)

	path := filepath.Join(dir, "random-file.dat")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	assert.Nil(t, parseCacheFile(path, 1, index))
	_, err = os.Stat(path)
	assert.NoError(t, err, "unrecognized files must be left alone")
}

func TestParseCacheFile_MigratesLegacyNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	storage, err := newIndexStorage(dir, nil, false, false)
	require.NoError(t, err)
	index := newContentIndex(storage)

	// v1 names carry a query-escaped key, v2 names the current escaping.
	v1 := filepath.Join(dir, "https%3A%2F%2Fexample.com%2Fa.10.1000.v1.spn")
	require.NoError(t, os.WriteFile(v1, []byte("0123456789"), 0o600))
	v2 := filepath.Join(dir, "https%003A%002F%002Fexample.com%002Fb.20.2000.v2.spn")
	require.NoError(t, os.WriteFile(v2, []byte("0123456789"), 0o600))

	spanA := parseCacheFile(v1, 10, index)
	require.NotNil(t, spanA)
	assert.Equal(t, "https://example.com/a", spanA.Key)
	assert.Equal(t, int64(10), spanA.Position)
	assert.Equal(t, int64(1000), spanA.LastTouchTimestamp)

	spanB := parseCacheFile(v2, 10, index)
	require.NotNil(t, spanB)
	assert.Equal(t, "https://example.com/b", spanB.Key)
	assert.Equal(t, int64(20), spanB.Position)

	// Both files were renamed into the current format.
	for _, old := range []string{v1, v2} {
		_, err := os.Stat(old)
		assert.True(t, os.IsNotExist(err))
	}
	_, err = os.Stat(spanA.File)
	assert.NoError(t, err)
	_, err = os.Stat(spanB.File)
	assert.NoError(t, err)
}

func TestSpan_Predicates(t *testing.T) {
	t.Parallel()

	hole := Span{Position: 5, Length: LengthUnset, LastTouchTimestamp: TimeUnset}
	assert.True(t, hole.IsHole())
	assert.True(t, hole.IsOpenEnded())
	assert.Equal(t, LengthUnset, hole.end())

	cached := Span{Position: 5, Length: 10, IsCached: true}
	assert.False(t, cached.IsHole())
	assert.False(t, cached.IsOpenEnded())
	assert.Equal(t, int64(15), cached.end())
}
