package spancache

import (
	"fmt"
	"sort"
)

// cachedContent is the per-key record: id, metadata, the sorted set of
// cached spans, and the in-memory lock table for in-use regions. All methods
// assume the owning cache's mutex is held.
type cachedContent struct {
	id       int32
	key      string
	metadata ContentMetadata
	spans    []Span // sorted by Position, all cached, never overlapping
	locks    []*regionLock

	// markerOnDisk records that the id-to-key marker file is known to
	// exist, so it is written at most once per record.
	markerOnDisk bool
}

// regionLock marks a byte region as in use. Exclusive locks guard hole
// regions being written; shared locks count readers of a cached span.
// Waiters on an exclusive lock block on the released channel.
type regionLock struct {
	position  int64
	length    int64 // LengthUnset extends to infinity
	exclusive bool
	readers   int
	released  chan struct{}
}

func (l *regionLock) overlaps(position, length int64) bool {
	if l.position >= position {
		return length == LengthUnset || position+length > l.position
	}
	return l.length == LengthUnset || l.position+l.length > position
}

func newCachedContent(id int32, key string, metadata ContentMetadata) *cachedContent {
	return &cachedContent{id: id, key: key, metadata: metadata}
}

// span resolves a query at position into either the cached span covering it
// or a hole bounded by the next cached span and the requested length. The
// result describes only the first contiguous segment; callers loop.
func (c *cachedContent) span(position, length int64) Span {
	floor := c.floorIndex(position)
	if floor >= 0 {
		s := c.spans[floor]
		if s.Position+s.Length > position {
			return s
		}
	}
	holeLength := length
	if ceil := floor + 1; ceil < len(c.spans) {
		gap := c.spans[ceil].Position - position
		if holeLength == LengthUnset || gap < holeLength {
			holeLength = gap
		}
	}
	return Span{
		Key:                c.key,
		Position:           position,
		Length:             holeLength,
		LastTouchTimestamp: TimeUnset,
	}
}

// floorIndex returns the index of the last span starting at or before
// position, or -1.
func (c *cachedContent) floorIndex(position int64) int {
	i := sort.Search(len(c.spans), func(i int) bool {
		return c.spans[i].Position > position
	})
	return i - 1
}

// cachedLength returns the number of contiguous cached bytes available from
// position, capped at length. Zero if position itself is not cached.
func (c *cachedContent) cachedLength(position, length int64) int64 {
	s := c.span(position, length)
	if !s.IsCached {
		return 0
	}
	avail := s.Position + s.Length - position
	if length != LengthUnset && length < avail {
		return length
	}
	return avail
}

// cachedBytes returns the total cached bytes, possibly non-contiguous,
// within [position, position+length).
func (c *cachedContent) cachedBytes(position, length int64) int64 {
	end := position + length
	var total int64
	for i := c.floorIndex(position); i < len(c.spans); i++ {
		if i < 0 {
			continue
		}
		s := c.spans[i]
		if s.Position >= end {
			break
		}
		from := max(s.Position, position)
		to := min(s.Position+s.Length, end)
		if to > from {
			total += to - from
		}
	}
	return total
}

// isContiguouslyCached reports whether [position, position+length) is fully
// covered by cached spans. A length of LengthUnset asks about the rest of
// the resource, which is only answerable when the metadata records a
// content length.
func (c *cachedContent) isContiguouslyCached(position, length int64) bool {
	if length == LengthUnset {
		contentLength := ContentLength(c.metadata)
		if contentLength == LengthUnset {
			return false
		}
		length = contentLength - position
	}
	for length > 0 {
		n := c.cachedLength(position, length)
		if n == 0 {
			return false
		}
		position += n
		length -= n
	}
	return true
}

// addSpan inserts a cached span, preserving position order. Overlap with an
// existing span is a contract violation.
func (c *cachedContent) addSpan(s Span) error {
	i := sort.Search(len(c.spans), func(i int) bool {
		return c.spans[i].Position > s.Position
	})
	if i > 0 {
		prev := c.spans[i-1]
		if prev.Position+prev.Length > s.Position {
			return fmt.Errorf("%w: span %q [%d,%d) overlaps [%d,%d)",
				ErrContractViolation, c.key, s.Position, s.Position+s.Length, prev.Position, prev.Position+prev.Length)
		}
	}
	if i < len(c.spans) && s.Position+s.Length > c.spans[i].Position {
		next := c.spans[i]
		return fmt.Errorf("%w: span %q [%d,%d) overlaps [%d,%d)",
			ErrContractViolation, c.key, s.Position, s.Position+s.Length, next.Position, next.Position+next.Length)
	}
	c.spans = append(c.spans, Span{})
	copy(c.spans[i+1:], c.spans[i:])
	c.spans[i] = s
	return nil
}

// removeSpan drops the stored span at s.Position. Reports whether a span was
// removed.
func (c *cachedContent) removeSpan(s Span) bool {
	for i, have := range c.spans {
		if have.Position == s.Position {
			c.spans = append(c.spans[:i], c.spans[i+1:]...)
			return true
		}
	}
	return false
}

// replaceSpan swaps the stored span at old.Position for updated (touch).
func (c *cachedContent) replaceSpan(old, updated Span) bool {
	for i, have := range c.spans {
		if have.Position == old.Position {
			c.spans[i] = updated
			return true
		}
	}
	return false
}

// lockRange takes an exclusive lock on [position, position+length), or
// returns the conflicting lock if any lock overlaps the region.
func (c *cachedContent) lockRange(position, length int64) (acquired *regionLock, conflict *regionLock) {
	for _, l := range c.locks {
		if l.overlaps(position, length) {
			return nil, l
		}
	}
	l := &regionLock{
		position:  position,
		length:    length,
		exclusive: true,
		released:  make(chan struct{}),
	}
	c.locks = append(c.locks, l)
	return l, nil
}

// readLock takes or extends a shared lock on exactly [position,
// position+length). Shared locks never conflict with each other; an
// overlapping exclusive lock cannot exist because exclusive locks only
// cover holes.
func (c *cachedContent) readLock(position, length int64) {
	for _, l := range c.locks {
		if !l.exclusive && l.position == position && l.length == length {
			l.readers++
			return
		}
	}
	c.locks = append(c.locks, &regionLock{
		position: position,
		length:   length,
		readers:  1,
		released: make(chan struct{}),
	})
}

// readUnlock drops one reader from the shared lock on exactly [position,
// position+length). Reports whether a lock was found.
func (c *cachedContent) readUnlock(position, length int64) bool {
	for i, l := range c.locks {
		if !l.exclusive && l.position == position && l.length == length {
			l.readers--
			if l.readers <= 0 {
				c.locks = append(c.locks[:i], c.locks[i+1:]...)
				close(l.released)
			}
			return true
		}
	}
	return false
}

// unlockExclusive releases the exclusive lock starting at position, waking
// waiters. Reports whether a lock was found.
func (c *cachedContent) unlockExclusive(position int64) bool {
	for i, l := range c.locks {
		if l.exclusive && l.position == position {
			c.locks = append(c.locks[:i], c.locks[i+1:]...)
			close(l.released)
			return true
		}
	}
	return false
}

// exclusiveLockAt returns the exclusive lock whose region contains
// [position, position+length), or nil.
func (c *cachedContent) exclusiveLockAt(position, length int64) *regionLock {
	for _, l := range c.locks {
		if !l.exclusive || position < l.position {
			continue
		}
		if l.length == LengthUnset || position+length <= l.position+l.length {
			return l
		}
	}
	return nil
}

// isRegionLocked reports whether any lock overlaps [position,
// position+length).
func (c *cachedContent) isRegionLocked(position, length int64) bool {
	for _, l := range c.locks {
		if l.overlaps(position, length) {
			return true
		}
	}
	return false
}

func (c *cachedContent) isFullyUnlocked() bool {
	return len(c.locks) == 0
}
