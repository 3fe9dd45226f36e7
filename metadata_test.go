package spancache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataMutations_Apply(t *testing.T) {
	t.Parallel()

	md := emptyContentMetadata

	muts := new(MetadataMutations).
		SetString("a", "alpha").
		SetInt64("b", 42)
	next, changed := muts.apply(md)
	require.True(t, changed)

	v, ok := next.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), v)
	assert.Equal(t, int64(42), next.Int64("b", -1))
	assert.Equal(t, []string{"a", "b"}, next.Names())

	// Applying the same edits again changes nothing.
	_, changed = muts.apply(next)
	assert.False(t, changed)

	// Removal wins over the earlier edit.
	next2, changed := new(MetadataMutations).Remove("a").apply(next)
	require.True(t, changed)
	_, ok = next2.Get("a")
	assert.False(t, ok)

	// Removing an absent entry changes nothing.
	_, changed = new(MetadataMutations).Remove("missing").apply(next2)
	assert.False(t, changed)
}

func TestMetadataMutations_SetSupersedesRemove(t *testing.T) {
	t.Parallel()

	muts := new(MetadataMutations).Remove("a").SetString("a", "kept")
	next, changed := muts.apply(emptyContentMetadata)
	require.True(t, changed)
	v, ok := next.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("kept"), v)
}

func TestContentMetadata_WellKnownEntries(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LengthUnset, ContentLength(emptyContentMetadata))
	assert.Equal(t, "", RedirectedURI(emptyContentMetadata))

	muts := SetContentLength(new(MetadataMutations), 1234)
	SetRedirectedURI(muts, "https://example.com/moved")
	md, changed := muts.apply(emptyContentMetadata)
	require.True(t, changed)
	assert.Equal(t, int64(1234), ContentLength(md))
	assert.Equal(t, "https://example.com/moved", RedirectedURI(md))

	// Empty URI removes the redirect entry.
	md, changed = SetRedirectedURI(new(MetadataMutations), "").apply(md)
	require.True(t, changed)
	assert.Equal(t, "", RedirectedURI(md))
}

func TestContentMetadata_GetCopies(t *testing.T) {
	t.Parallel()

	md, _ := new(MetadataMutations).Set("a", []byte{1, 2, 3}).apply(emptyContentMetadata)
	v, ok := md.Get("a")
	require.True(t, ok)
	v[0] = 9
	again, _ := md.Get("a")
	assert.Equal(t, []byte{1, 2, 3}, again)
}

func TestContentMetadata_Equal(t *testing.T) {
	t.Parallel()

	a, _ := new(MetadataMutations).SetString("x", "1").apply(emptyContentMetadata)
	b, _ := new(MetadataMutations).SetString("x", "1").apply(emptyContentMetadata)
	c, _ := new(MetadataMutations).SetString("x", "2").apply(emptyContentMetadata)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(emptyContentMetadata))
}
