package spancache

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sync/singleflight"
)

// Upstream fetches resource bytes that are not in the cache.
//
// OpenRange returns a reader positioned at position delivering at most
// length bytes. A length of LengthUnset requests the rest of the
// resource. When position is at or past the end of the resource the
// returned reader reports io.EOF immediately.
type Upstream interface {
	OpenRange(ctx context.Context, uri string, position, length int64) (io.ReadCloser, error)
}

// Sizer is an optional Upstream extension that can report a resource's
// total length without transferring its body.
type Sizer interface {
	Size(ctx context.Context, uri string) (int64, error)
}

// DefaultMaxFileLength is the largest span file a Source writes before
// starting a new one.
const DefaultMaxFileLength int64 = 5 << 20

// Source reads resources through a Cache, serving cached regions from
// disk and filling holes from an Upstream.
type Source struct {
	cache         *Cache
	upstream      Upstream
	keyer         Keyer
	maxFileLength int64
	writeThrough  bool

	probes singleflight.Group
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithKeyer sets the Keyer used to map URIs to content keys.
func WithKeyer(k Keyer) SourceOption {
	return func(s *Source) { s.keyer = k }
}

// WithMaxFileLength caps the size of individual span files written by
// the Source.
func WithMaxFileLength(n int64) SourceOption {
	return func(s *Source) { s.maxFileLength = n }
}

// WithoutWriteThrough disables writing fetched bytes into the cache.
// Holes are streamed straight from the upstream.
func WithoutWriteThrough() SourceOption {
	return func(s *Source) { s.writeThrough = false }
}

// NewSource creates a Source over cache and upstream.
func NewSource(cache *Cache, upstream Upstream, opts ...SourceOption) (*Source, error) {
	if cache == nil {
		return nil, errors.New("spancache: nil cache")
	}
	if upstream == nil {
		return nil, errors.New("spancache: nil upstream")
	}
	s := &Source{
		cache:         cache,
		upstream:      upstream,
		keyer:         DefaultKeyer,
		maxFileLength: DefaultMaxFileLength,
		writeThrough:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keyer == nil {
		return nil, errors.New("spancache: nil keyer")
	}
	if s.maxFileLength <= 0 {
		return nil, errors.New("spancache: max file length must be positive")
	}
	return s, nil
}

// OpenReader opens a reader over [position, position+length) of the
// resource at uri. A length of LengthUnset reads to the end of the
// resource. Cached regions are served from disk; uncached regions are
// fetched from the upstream and, unless write-through is disabled,
// written into the cache as they stream past.
//
// The reader is not safe for concurrent use and must be closed.
func (s *Source) OpenReader(ctx context.Context, uri string, position, length int64) (io.ReadCloser, error) {
	if position < 0 {
		return nil, errors.New("spancache: negative position")
	}
	if length < 0 && length != LengthUnset {
		return nil, errors.New("spancache: negative length")
	}
	return &reader{
		ctx:       ctx,
		src:       s,
		uri:       uri,
		key:       s.keyer.Key(uri),
		pos:       position,
		remaining: length,
	}, nil
}

// ContentLength reports the total length of the resource at uri. It
// answers from cached metadata when possible, and otherwise probes the
// upstream if it implements Sizer, recording the answer for next time.
// Concurrent probes for the same resource are coalesced.
func (s *Source) ContentLength(ctx context.Context, uri string) (int64, error) {
	key := s.keyer.Key(uri)
	if n := ContentLength(s.cache.ContentMetadata(key)); n != LengthUnset {
		return n, nil
	}
	sizer, ok := s.upstream.(Sizer)
	if !ok {
		return LengthUnset, ErrSizeUnknown
	}
	v, err, _ := s.probes.Do(key, func() (any, error) {
		n, err := sizer.Size(ctx, uri)
		if err != nil {
			return int64(LengthUnset), err
		}
		muts := SetContentLength(new(MetadataMutations), n)
		_ = s.cache.ApplyContentMetadataMutations(key, muts)
		return n, nil
	})
	if err != nil {
		return LengthUnset, err
	}
	return v.(int64), nil
}

// reader walks a byte range segment by segment, alternating between
// cached span files and upstream fetches.
type reader struct {
	ctx context.Context
	src *Source
	uri string
	key string

	pos       int64
	remaining int64 // LengthUnset reads to end of resource

	// cached segment
	file     *os.File
	section  *io.SectionReader
	readSpan *Span

	// hole segment
	upstreamBody io.ReadCloser
	holeSpan     *Span
	tmp          *os.File
	written      int64
	segExpect    int64 // bytes requested from the upstream this segment

	eof    bool
	closed bool
}

var _ io.ReadCloser = (*reader)(nil)

func (r *reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if r.eof {
			return 0, io.EOF
		}
		switch {
		case r.section != nil:
			n, err := r.readCached(p)
			if n > 0 || err != nil {
				return n, err
			}
		case r.upstreamBody != nil:
			n, err := r.readHole(p)
			if n > 0 || err != nil {
				return n, err
			}
		default:
			if err := r.advance(); err != nil {
				return 0, err
			}
		}
	}
}

// advance locks the next segment at r.pos: a read lock over a cached
// span, or an exclusive lock over a hole that is then fetched from the
// upstream.
func (r *reader) advance() error {
	if r.remaining == 0 {
		r.eof = true
		return nil
	}
	for attempt := 0; ; attempt++ {
		span, err := r.src.cache.StartReadWrite(r.ctx, r.key, r.pos, r.remaining)
		if err != nil {
			return err
		}
		if !span.IsCached {
			return r.startHole(span)
		}
		f, err := os.Open(span.File)
		if err != nil {
			r.src.cache.ReleaseSpan(*span)
			// A concurrent reader can touch-rename the backing file
			// between the lookup and the open. Re-resolve to pick up
			// the new name.
			if os.IsNotExist(err) && attempt < 2 {
				continue
			}
			return &CacheError{Op: "open span", Err: err}
		}
		avail := span.Position + span.Length - r.pos
		if r.remaining != LengthUnset && r.remaining < avail {
			avail = r.remaining
		}
		r.file = f
		r.section = io.NewSectionReader(f, r.pos-span.Position, avail)
		r.readSpan = span
		return nil
	}
}

// startHole takes ownership of the exclusive lock on span and opens the
// upstream for the segment, at most maxFileLength bytes.
func (r *reader) startHole(span *Span) error {
	fetch := span.Length
	if fetch == LengthUnset || fetch > r.src.maxFileLength {
		fetch = r.src.maxFileLength
	}
	if !r.src.writeThrough {
		r.src.cache.ReleaseHoleSpan(*span)
		body, err := r.src.upstream.OpenRange(r.ctx, r.uri, r.pos, fetch)
		if err != nil {
			return err
		}
		r.upstreamBody = body
		r.segExpect = fetch
		r.written = 0
		return nil
	}
	tmp, err := r.src.cache.StartFile(r.key, r.pos, fetch)
	if err != nil {
		r.src.cache.ReleaseHoleSpan(*span)
		return err
	}
	body, err := r.src.upstream.OpenRange(r.ctx, r.uri, r.pos, fetch)
	if err != nil {
		name := tmp.Name()
		tmp.Close()
		os.Remove(name)
		r.src.cache.ReleaseHoleSpan(*span)
		return err
	}
	r.upstreamBody = body
	r.holeSpan = span
	r.tmp = tmp
	r.segExpect = fetch
	r.written = 0
	return nil
}

func (r *reader) readCached(p []byte) (int, error) {
	n, err := r.section.Read(p)
	if n > 0 {
		r.pos += int64(n)
		if r.remaining != LengthUnset {
			r.remaining -= int64(n)
		}
	}
	if err == io.EOF {
		// A section may end in the same call that returns its final
		// bytes. The range continues with the next segment, so the
		// caller loops instead of seeing io.EOF here.
		r.finishCached()
		return n, nil
	}
	return n, err
}

func (r *reader) finishCached() {
	if r.file != nil {
		r.file.Close()
		r.src.cache.ReleaseSpan(*r.readSpan)
	}
	r.file = nil
	r.section = nil
	r.readSpan = nil
}

func (r *reader) readHole(p []byte) (int, error) {
	limit := int64(len(p))
	if left := r.segExpect - r.written; left < limit {
		limit = left
	}
	if limit == 0 {
		return 0, r.finishHole()
	}
	n, err := r.upstreamBody.Read(p[:limit])
	if n > 0 {
		if r.tmp != nil {
			if _, werr := r.tmp.Write(p[:n]); werr != nil {
				r.abortHole()
				return 0, &CacheError{Op: "write span", Err: werr}
			}
		}
		r.pos += int64(n)
		if r.remaining != LengthUnset {
			r.remaining -= int64(n)
		}
		r.written += int64(n)
	}
	if err == io.EOF {
		short := r.written < r.segExpect
		if ferr := r.finishHole(); ferr != nil {
			return n, ferr
		}
		if short {
			// The upstream delivered fewer bytes than requested, so
			// the resource ended here.
			if r.remaining != LengthUnset && r.remaining > 0 {
				return n, io.ErrUnexpectedEOF
			}
			r.recordContentLength()
			r.eof = true
		}
		// Segment done, not necessarily the range. The next Read call
		// either advances to the next segment or reports io.EOF.
		return n, nil
	}
	if err != nil {
		r.abortHole()
		return n, err
	}
	return n, nil
}

// finishHole closes the upstream body and commits whatever was written
// this segment, releasing the hole lock.
func (r *reader) finishHole() error {
	if r.upstreamBody != nil {
		r.upstreamBody.Close()
		r.upstreamBody = nil
	}
	if r.tmp == nil {
		if r.holeSpan != nil {
			r.src.cache.ReleaseHoleSpan(*r.holeSpan)
			r.holeSpan = nil
		}
		return nil
	}
	name := r.tmp.Name()
	if err := r.tmp.Close(); err != nil {
		r.tmp = nil
		os.Remove(name)
		r.src.cache.ReleaseHoleSpan(*r.holeSpan)
		r.holeSpan = nil
		return &CacheError{Op: "close span", Err: err}
	}
	r.tmp = nil
	if r.written == 0 {
		os.Remove(name)
		r.src.cache.ReleaseHoleSpan(*r.holeSpan)
		r.holeSpan = nil
		return nil
	}
	_, err := r.src.cache.CommitFile(name, r.key, r.holeSpan.Position, r.written)
	if err != nil {
		os.Remove(name)
		r.src.cache.ReleaseHoleSpan(*r.holeSpan)
	}
	r.holeSpan = nil
	return err
}

// abortHole discards the partial segment without committing it.
func (r *reader) abortHole() {
	if r.upstreamBody != nil {
		r.upstreamBody.Close()
		r.upstreamBody = nil
	}
	if r.tmp != nil {
		name := r.tmp.Name()
		r.tmp.Close()
		os.Remove(name)
		r.tmp = nil
	}
	if r.holeSpan != nil {
		r.src.cache.ReleaseHoleSpan(*r.holeSpan)
		r.holeSpan = nil
	}
}

// recordContentLength persists the discovered resource length so later
// opens and ContentLength calls can answer from metadata. Best effort.
func (r *reader) recordContentLength() {
	muts := SetContentLength(new(MetadataMutations), r.pos)
	_ = r.src.cache.ApplyContentMetadataMutations(r.key, muts)
}

// Close releases whatever segment is in flight. A partially fetched
// hole segment is committed so the bytes already paid for stay cached.
func (r *reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.finishCached()
	return r.finishHole()
}
