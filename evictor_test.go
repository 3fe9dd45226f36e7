package spancache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evictorHarness is an Accessor whose removals feed straight back into the
// evictor, the way the cache does it.
type evictorHarness struct {
	evictor Evictor
	removed []Span
	locked  map[int64]bool // by position
}

func newEvictorHarness(e Evictor) *evictorHarness {
	return &evictorHarness{evictor: e, locked: make(map[int64]bool)}
}

func (h *evictorHarness) RemoveSpan(span Span) error {
	h.removed = append(h.removed, span)
	h.evictor.OnSpanRemoved(h, span)
	return nil
}

func (h *evictorHarness) SpanLocked(span Span) bool {
	return h.locked[span.Position]
}

func (h *evictorHarness) add(span Span) {
	h.evictor.OnSpanAdded(h, span)
}

func lruSpan(key string, position, length, touch int64) Span {
	return Span{Key: key, Position: position, Length: length, IsCached: true, LastTouchTimestamp: touch}
}

func TestLRUEvictor_OldestFirst(t *testing.T) {
	t.Parallel()

	e := NewLRUEvictor(25)
	h := newEvictorHarness(e)

	h.add(lruSpan("a", 0, 10, 1))
	h.add(lruSpan("b", 0, 10, 2))
	assert.Empty(t, h.removed)

	// Third span pushes the total to 30; the oldest goes.
	h.add(lruSpan("c", 0, 10, 3))
	require.Len(t, h.removed, 1)
	assert.Equal(t, "a", h.removed[0].Key)
}

func TestLRUEvictor_TouchRefreshesOrder(t *testing.T) {
	t.Parallel()

	e := NewLRUEvictor(25)
	h := newEvictorHarness(e)

	a := lruSpan("a", 0, 10, 1)
	b := lruSpan("b", 0, 10, 2)
	h.add(a)
	h.add(b)

	touched := a
	touched.LastTouchTimestamp = 5
	e.OnSpanTouched(h, a, touched)

	h.add(lruSpan("c", 0, 10, 6))
	require.Len(t, h.removed, 1)
	assert.Equal(t, "b", h.removed[0].Key)
}

func TestLRUEvictor_SkipsLockedSpans(t *testing.T) {
	t.Parallel()

	e := NewLRUEvictor(25)
	h := newEvictorHarness(e)

	h.add(lruSpan("a", 100, 10, 1))
	h.locked[100] = true
	h.add(lruSpan("b", 0, 10, 2))

	h.add(lruSpan("c", 0, 10, 3))
	require.Len(t, h.removed, 1)
	assert.Equal(t, "b", h.removed[0].Key)

	// Once every span is locked the bound may be exceeded.
	h.locked[0] = true
	h.locked[200] = true
	h.add(lruSpan("d", 200, 10, 4))
	assert.Len(t, h.removed, 1)
}

func TestLRUEvictor_TimestampTiesAreDeterministic(t *testing.T) {
	t.Parallel()

	e := NewLRUEvictor(25)
	h := newEvictorHarness(e)

	h.add(lruSpan("b", 0, 10, 7))
	h.add(lruSpan("a", 5, 10, 7))
	h.add(lruSpan("a", 0, 10, 7))

	// Equal timestamps break ties by key then position.
	require.Len(t, h.removed, 1)
	assert.Equal(t, "a", h.removed[0].Key)
	assert.Equal(t, int64(0), h.removed[0].Position)
}

func TestLRUEvictor_MaxFiles(t *testing.T) {
	t.Parallel()

	e := NewLRUEvictor(0, WithMaxFiles(2))
	h := newEvictorHarness(e)

	h.add(lruSpan("a", 0, 1, 1))
	h.add(lruSpan("b", 0, 1, 2))
	assert.Empty(t, h.removed)

	h.add(lruSpan("c", 0, 1, 3))
	require.Len(t, h.removed, 1)
	assert.Equal(t, "a", h.removed[0].Key)
}

func TestLRUEvictor_OnStartFileMakesRoom(t *testing.T) {
	t.Parallel()

	e := NewLRUEvictor(20)
	h := newEvictorHarness(e)

	h.add(lruSpan("a", 0, 10, 1))
	h.add(lruSpan("b", 0, 10, 2))

	e.OnStartFile(h, "c", 0, 10)
	require.Len(t, h.removed, 1)
	assert.Equal(t, "a", h.removed[0].Key)
}

func TestNoEvictor(t *testing.T) {
	t.Parallel()

	h := newEvictorHarness(NoEvictor{})
	assert.False(t, NoEvictor{}.RequiresSpanTouches())
	h.add(lruSpan("a", 0, 1<<40, 1))
	assert.Empty(t, h.removed)
}
