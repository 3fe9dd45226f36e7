package spancache

import "sort"

// Accessor is the restricted view of a Cache handed to an Evictor. Evictor
// callbacks run with the cache's coordinator lock held, so they must go
// through the Accessor rather than back into the public Cache API.
type Accessor interface {
	// RemoveSpan deletes a cached span and its backing file.
	RemoveSpan(span Span) error

	// SpanLocked reports whether any in-use lock overlaps the span. Locked
	// spans must never be evicted.
	SpanLocked(span Span) bool
}

// Evictor decides which spans to drop to keep the cache within bounds. The
// cache invokes it for every span lifecycle event; implementations evict by
// calling Accessor.RemoveSpan from within the callbacks.
//
// Callbacks are serialized by the cache; implementations need no internal
// locking.
type Evictor interface {
	// RequiresSpanTouches reports whether the cache should refresh span
	// timestamps on read. Touching renames the backing file, so evictors
	// that do not order by recency should return false to avoid the I/O.
	RequiresSpanTouches() bool

	// OnCacheInitialized is called once the startup scan completes.
	OnCacheInitialized()

	// OnStartFile is called when a writer is about to add a span of up to
	// length bytes (LengthUnset if unbounded) at position.
	OnStartFile(c Accessor, key string, position, length int64)

	// OnSpanAdded is called after a span is committed or discovered.
	OnSpanAdded(c Accessor, span Span)

	// OnSpanRemoved is called after a span is removed for any reason,
	// including eviction.
	OnSpanRemoved(c Accessor, span Span)

	// OnSpanTouched is called when a span's timestamp is refreshed.
	OnSpanTouched(c Accessor, oldSpan, newSpan Span)
}

// NoEvictor retains everything. The cache grows without bound.
type NoEvictor struct{}

func (NoEvictor) RequiresSpanTouches() bool                  { return false }
func (NoEvictor) OnCacheInitialized()                        {}
func (NoEvictor) OnStartFile(Accessor, string, int64, int64) {}
func (NoEvictor) OnSpanAdded(Accessor, Span)                 {}
func (NoEvictor) OnSpanRemoved(Accessor, Span)               {}
func (NoEvictor) OnSpanTouched(Accessor, Span, Span)         {}

// LRUOption configures an LRU evictor.
type LRUOption func(*lruEvictor)

// WithMaxFiles adds a bound on the number of span files in addition to the
// byte bound. Values <= 0 disable the file bound.
func WithMaxFiles(n int) LRUOption {
	return func(e *lruEvictor) {
		e.maxFiles = n
	}
}

// NewLRUEvictor returns an Evictor that keeps total cached bytes at or
// below maxBytes, dropping least-recently-touched spans first. Ties are
// broken by content key, then position, so eviction order is deterministic.
//
// Locked spans are skipped; if only locked spans remain the bound is
// allowed to be exceeded rather than evicting in-use data.
func NewLRUEvictor(maxBytes int64, opts ...LRUOption) Evictor {
	e := &lruEvictor{maxBytes: maxBytes}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type lruEvictor struct {
	maxBytes int64
	maxFiles int
	bytes    int64
	spans    []Span // ordered oldest-touch first
}

func (e *lruEvictor) RequiresSpanTouches() bool { return true }

func (e *lruEvictor) OnCacheInitialized() {}

func (e *lruEvictor) OnStartFile(c Accessor, key string, position, length int64) {
	if length == LengthUnset {
		length = 0
	}
	e.evict(c, length)
}

func (e *lruEvictor) OnSpanAdded(c Accessor, span Span) {
	e.insert(span)
	e.evict(c, 0)
}

func (e *lruEvictor) OnSpanRemoved(c Accessor, span Span) {
	e.remove(span)
}

func (e *lruEvictor) OnSpanTouched(c Accessor, oldSpan, newSpan Span) {
	e.remove(oldSpan)
	e.insert(newSpan)
}

func (e *lruEvictor) evict(c Accessor, required int64) {
	i := 0
	for e.overBudget(required) && i < len(e.spans) {
		span := e.spans[i]
		if c.SpanLocked(span) {
			i++
			continue
		}
		if err := c.RemoveSpan(span); err != nil {
			// Skip spans whose files cannot be deleted; they will be
			// retried on the next eviction pass.
			i++
			continue
		}
		// RemoveSpan fired OnSpanRemoved, which dropped spans[i].
	}
}

func (e *lruEvictor) overBudget(required int64) bool {
	if e.maxBytes > 0 && e.bytes+required > e.maxBytes {
		return true
	}
	return e.maxFiles > 0 && len(e.spans) > e.maxFiles
}

func (e *lruEvictor) insert(span Span) {
	i := sort.Search(len(e.spans), func(i int) bool {
		return lruAfter(e.spans[i], span)
	})
	e.spans = append(e.spans, Span{})
	copy(e.spans[i+1:], e.spans[i:])
	e.spans[i] = span
	e.bytes += span.Length
}

func (e *lruEvictor) remove(span Span) {
	for i, have := range e.spans {
		if have.Key == span.Key && have.Position == span.Position {
			e.spans = append(e.spans[:i], e.spans[i+1:]...)
			e.bytes -= have.Length
			return
		}
	}
}

// lruAfter reports whether a orders strictly after b in eviction order:
// newest touch last, ties broken by key then position.
func lruAfter(a, b Span) bool {
	if a.LastTouchTimestamp != b.LastTouchTimestamp {
		return a.LastTouchTimestamp > b.LastTouchTimestamp
	}
	if a.Key != b.Key {
		return a.Key > b.Key
	}
	return a.Position > b.Position
}
