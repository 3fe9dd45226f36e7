package spancache

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// openDirs tracks directories with a live Cache so a second engine can never
// be opened on the same directory within the process.
var (
	openDirsMu sync.Mutex
	openDirs   = make(map[string]struct{})
)

// Cache is the span cache engine for one directory: it owns the content
// index, the on-disk span files, and the in-memory lock table, and delegates
// eviction decisions to a pluggable Evictor.
//
// All mutating operations take a single coordinator mutex for the duration
// of the in-memory bookkeeping; span file reads and writes happen outside
// it, so long transfers do not block other keys.
type Cache struct {
	dir       string
	evictor   Evictor
	now       func() time.Time
	secretKey []byte
	encrypt   bool
	compress  bool

	mu         sync.Mutex
	index      *contentIndex
	uid        int64
	totalBytes int64
	touch      bool
	released   bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithEvictor sets the eviction policy. Defaults to NoEvictor.
func WithEvictor(e Evictor) Option {
	return func(c *Cache) {
		c.evictor = e
	}
}

// WithSecretKey supplies the 16-byte key used to decrypt a legacy encrypted
// index. The index is written encrypted only when WithEncryptedIndex is also
// set.
func WithSecretKey(key []byte) Option {
	return func(c *Cache) {
		c.secretKey = key
	}
}

// WithEncryptedIndex encrypts the persisted index. Requires WithSecretKey.
func WithEncryptedIndex() Option {
	return func(c *Cache) {
		c.encrypt = true
	}
}

// WithCompressedIndex stores the persisted index zstd-compressed.
func WithCompressedIndex() Option {
	return func(c *Cache) {
		c.compress = true
	}
}

// WithClock overrides the time source used for span touch timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New opens the span cache rooted at dir, creating the directory if needed.
// Opening reconciles the persisted index against the files actually on disk:
// spans are recovered from their filenames, legacy names are migrated, and
// unrecognized files are left untouched.
//
// Only one Cache may be open per directory; a second New returns
// ErrCacheAlreadyOpen until the first is released.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("spancache: cache dir is empty")
	}
	c := &Cache{
		dir:     dir,
		evictor: NoEvictor{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	regKey := registryKey(dir)
	openDirsMu.Lock()
	if _, open := openDirs[regKey]; open {
		openDirsMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCacheAlreadyOpen, dir)
	}
	openDirs[regKey] = struct{}{}
	openDirsMu.Unlock()

	if err := c.initialize(); err != nil {
		openDirsMu.Lock()
		delete(openDirs, regKey)
		openDirsMu.Unlock()
		return nil, err
	}
	return c, nil
}

func (c *Cache) initialize() error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return cacheErr("create cache dir", err)
	}
	storage, err := newIndexStorage(c.dir, c.secretKey, c.encrypt, c.compress)
	if err != nil {
		return err
	}
	c.index = newContentIndex(storage)
	c.touch = c.evictor.RequiresSpanTouches()

	uid, err := loadOrCreateUID(c.dir)
	if err != nil {
		return cacheErr("cache uid", err)
	}
	c.uid = uid

	c.index.initialize(uid)
	if err := c.scanDirectory(); err != nil {
		return err
	}
	c.index.removeEmpty()
	if err := c.index.store(); err != nil {
		return err
	}
	c.evictor.OnCacheInitialized()
	return nil
}

// scanDirectory unions the files on disk into the index. This is the primary
// crash-recovery mechanism: key markers seed id-to-key mappings the index
// may have lost, span filenames rebuild the span sets, and anything that
// does not parse is left alone.
func (c *Cache) scanDirectory() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return cacheErr("scan cache dir", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), keySuffixV3) {
			continue
		}
		if id, key, ok := parseKeyFile(e.Name()); ok {
			c.index.addRecovered(id, key)
		}
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == IndexFileName ||
			strings.HasSuffix(name, ".uid") ||
			strings.HasSuffix(name, ".tmp") ||
			strings.HasSuffix(name, keySuffixV3) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.dir, name)
		if info.Size() == 0 {
			_ = os.Remove(path)
			continue
		}
		span := parseCacheFile(path, info.Size(), c.index)
		if span == nil {
			continue
		}
		cc := c.index.getOrAdd(span.Key)
		if err := cc.addSpan(*span); err != nil {
			// Duplicate coverage of the same range; keep the first file.
			continue
		}
		cc.markerOnDisk = cc.markerOnDisk || c.ensureKeyMarker(cc)
		c.totalBytes += span.Length
		c.evictor.OnSpanAdded(cacheAccessor{c}, *span)
	}
	return nil
}

// StartReadWrite resolves the span at position: a cached span the caller may
// read directly from its backing file, or a hole span describing how far the
// uncached region extends (bounded by the next cached span and length;
// length may be LengthUnset for an unbounded request).
//
// A cached result takes a shared read lock, released with ReleaseSpan. A
// hole result takes an exclusive write lock on the hole region, released by
// CommitFile or ReleaseHoleSpan. If the region is exclusively locked by
// another writer the call blocks until the lock is released or ctx is done.
func (c *Cache) StartReadWrite(ctx context.Context, key string, position, length int64) (*Span, error) {
	for {
		span, wait, err := c.startReadWrite(key, position, length)
		if err != nil {
			return nil, err
		}
		if span != nil {
			return span, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// StartReadWriteNonBlocking is StartReadWrite for callers unwilling to wait:
// it returns a nil span immediately when the region is exclusively locked
// elsewhere.
func (c *Cache) StartReadWriteNonBlocking(key string, position, length int64) (*Span, error) {
	span, _, err := c.startReadWrite(key, position, length)
	return span, err
}

func (c *Cache) startReadWrite(key string, position, length int64) (*Span, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, nil, ErrCacheReleased
	}
	cc := c.index.getOrAdd(key)
	s := cc.span(position, length)
	if s.IsCached {
		s = c.touchSpan(cc, s)
		cc.readLock(s.Position, s.Length)
		return &s, nil, nil
	}
	if _, conflict := cc.lockRange(position, s.Length); conflict != nil {
		return nil, conflict.released, nil
	}
	return &s, nil, nil
}

// touchSpan refreshes a span's recency timestamp by renaming its backing
// file, keeping the directory scan sufficient to rebuild LRU order. If the
// rename fails the old span is kept.
func (c *Cache) touchSpan(cc *cachedContent, s Span) Span {
	if !c.touch {
		return s
	}
	now := c.now().UnixMilli()
	target := cacheFilePath(c.dir, cc.id, s.Position, now)
	if err := os.Rename(s.File, target); err != nil {
		return s
	}
	updated := s
	updated.File = target
	updated.LastTouchTimestamp = now
	cc.replaceSpan(s, updated)
	c.evictor.OnSpanTouched(cacheAccessor{c}, s, updated)
	return updated
}

// StartFile opens a temp file for writing span data at position. The caller
// must hold the exclusive lock for the region (from a hole span returned by
// StartReadWrite), write at most maxLength bytes, close the file, and hand
// it to CommitFile or delete it and call ReleaseHoleSpan.
func (c *Cache) StartFile(key string, position, maxLength int64) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrCacheReleased
	}
	cc := c.index.get(key)
	if cc == nil || cc.exclusiveLockAt(position, 1) == nil {
		return nil, fmt.Errorf("%w: start file %q at %d without hole lock", ErrContractViolation, key, position)
	}
	c.evictor.OnStartFile(cacheAccessor{c}, key, position, maxLength)
	f, err := os.CreateTemp(c.dir, "span-*.tmp")
	if err != nil {
		return nil, cacheErr("start file", err)
	}
	return f, nil
}

// CommitFile publishes a fully written temp file as a cached span of exactly
// length bytes at position, renaming it into its canonical span filename,
// updating the persisted index, and releasing the hole's exclusive lock.
// The new span is visible to StartReadWrite as soon as CommitFile returns.
//
// Committing length 0 deletes the file and releases the lock without adding
// a span.
func (c *Cache) CommitFile(path, key string, position, length int64) (*Span, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrCacheReleased
	}
	cc := c.index.get(key)
	if cc == nil {
		return nil, fmt.Errorf("%w: commit for unknown key %q", ErrContractViolation, key)
	}
	checkLen := length
	if checkLen == 0 {
		checkLen = 1
	}
	lock := cc.exclusiveLockAt(position, checkLen)
	if lock == nil {
		return nil, fmt.Errorf("%w: commit %q [%d,%d) without hole lock", ErrContractViolation, key, position, position+length)
	}

	if length == 0 {
		_ = os.Remove(path)
		cc.unlockExclusive(lock.position)
		c.maybeRemoveContent(cc)
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, cacheErr("commit file", err)
	}
	if info.Size() != length {
		return nil, fmt.Errorf("%w: commit %q declared %d bytes, file has %d", ErrContractViolation, key, length, info.Size())
	}
	if contentLength := ContentLength(cc.metadata); contentLength != LengthUnset && position+length > contentLength {
		return nil, fmt.Errorf("%w: commit %q [%d,%d) exceeds content length %d", ErrContractViolation, key, position, position+length, contentLength)
	}

	now := c.now().UnixMilli()
	target := cacheFilePath(c.dir, cc.id, position, now)
	if err := os.Rename(path, target); err != nil {
		return nil, cacheErr("commit file", err)
	}
	span := Span{
		Key:                key,
		Position:           position,
		Length:             length,
		IsCached:           true,
		File:               target,
		LastTouchTimestamp: now,
	}
	if err := cc.addSpan(span); err != nil {
		_ = os.Remove(target)
		return nil, err
	}
	cc.markerOnDisk = cc.markerOnDisk || c.ensureKeyMarker(cc)
	c.totalBytes += length
	if err := c.index.store(); err != nil {
		return nil, err
	}
	cc.unlockExclusive(lock.position)
	c.evictor.OnSpanAdded(cacheAccessor{c}, span)
	return &span, nil
}

// ReleaseHoleSpan releases the exclusive lock taken for a hole span without
// committing anything. This is the cancellation path; it is safe at any
// point after acquisition. Double release is a caller bug and is ignored.
func (c *Cache) ReleaseHoleSpan(span Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.index.get(span.Key)
	if cc == nil {
		return
	}
	cc.unlockExclusive(span.Position)
	c.maybeRemoveContent(cc)
}

// ReleaseSpan drops the shared read lock taken when StartReadWrite returned
// a cached span.
func (c *Cache) ReleaseSpan(span Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.index.get(span.Key)
	if cc == nil {
		return
	}
	cc.readUnlock(span.Position, span.Length)
	c.maybeRemoveContent(cc)
}

// RemoveSpan deletes a cached span and its backing file and persists the
// index.
func (c *Cache) RemoveSpan(span Span) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrCacheReleased
	}
	if err := c.removeSpanInner(span); err != nil {
		return err
	}
	return c.index.store()
}

// RemoveResource deletes every cached span for key.
func (c *Cache) RemoveResource(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrCacheReleased
	}
	cc := c.index.get(key)
	if cc == nil {
		return nil
	}
	spans := make([]Span, len(cc.spans))
	copy(spans, cc.spans)
	var errs []error
	for _, span := range spans {
		if err := c.removeSpanInner(span); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.index.store(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Cache) removeSpanInner(span Span) error {
	cc := c.index.get(span.Key)
	if cc == nil || !cc.removeSpan(span) {
		return nil
	}
	c.totalBytes -= span.Length
	var removeErr error
	if span.File != "" {
		if err := os.Remove(span.File); err != nil && !os.IsNotExist(err) {
			removeErr = cacheErr("remove span", err)
		}
	}
	c.maybeRemoveContent(cc)
	c.evictor.OnSpanRemoved(cacheAccessor{c}, span)
	return removeErr
}

// CachedSpans returns the cached spans for key in position order.
func (c *Cache) CachedSpans(key string) []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.index.get(key)
	if cc == nil {
		return nil
	}
	out := make([]Span, len(cc.spans))
	copy(out, cc.spans)
	return out
}

// CachedLength returns the number of contiguous cached bytes from position,
// up to length, or 0 if position itself is not cached.
func (c *Cache) CachedLength(key string, position, length int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.index.get(key)
	if cc == nil {
		return 0
	}
	return cc.cachedLength(position, length)
}

// CachedBytes returns the total cached bytes, possibly non-contiguous,
// within [position, position+length).
func (c *Cache) CachedBytes(key string, position, length int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.index.get(key)
	if cc == nil {
		return 0
	}
	if length == LengthUnset {
		length = math.MaxInt64 - position
	}
	return cc.cachedBytes(position, length)
}

// IsCached reports whether [position, position+length) is fully covered by
// cached spans. Pass LengthUnset to ask about the rest of the resource;
// that is only true when the content length is known from metadata and
// everything up to it is cached.
func (c *Cache) IsCached(key string, position, length int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.index.get(key)
	if cc == nil {
		return false
	}
	return cc.isContiguouslyCached(position, length)
}

// Keys returns all content keys currently tracked, sorted.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.keys()
}

// TotalCachedBytes returns the total size of all cached spans.
func (c *Cache) TotalCachedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// ContentMetadata returns the metadata recorded for key. Unknown keys yield
// empty metadata.
func (c *Cache) ContentMetadata(key string) ContentMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.index.get(key)
	if cc == nil {
		return emptyContentMetadata
	}
	return cc.metadata
}

// ApplyContentMetadataMutations applies a metadata mutation batch to key and
// persists the index if anything changed.
func (c *Cache) ApplyContentMetadataMutations(key string, muts *MetadataMutations) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrCacheReleased
	}
	if !c.index.applyMetadataMutations(key, muts) {
		return nil
	}
	return c.index.store()
}

// UID returns the stable identity of the cache directory.
func (c *Cache) UID() int64 {
	return c.uid
}

// Release persists the index and closes the cache, allowing another engine
// to open the directory. Operations after Release fail with
// ErrCacheReleased.
func (c *Cache) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	err := c.index.store()
	openDirsMu.Lock()
	delete(openDirs, registryKey(c.dir))
	openDirsMu.Unlock()
	return err
}

// maybeRemoveContent retires key's record once it has no spans and no locks,
// deleting its on-disk key marker alongside.
func (c *Cache) maybeRemoveContent(cc *cachedContent) {
	c.index.maybeRemove(cc.key)
	if c.index.get(cc.key) == nil {
		_ = os.Remove(keyFilePath(c.dir, cc.id, cc.key))
	}
}

// ensureKeyMarker writes the id-to-key marker file for a record. Reports
// whether the marker is known to be on disk afterwards.
func (c *Cache) ensureKeyMarker(cc *cachedContent) bool {
	if cc.markerOnDisk {
		return true
	}
	path := keyFilePath(c.dir, cc.id, cc.key)
	if _, err := os.Stat(path); err == nil {
		return true
	}
	return os.WriteFile(path, nil, 0o600) == nil
}

// cacheAccessor is the Accessor handed to evictors. Its methods assume the
// coordinator mutex is already held.
type cacheAccessor struct {
	c *Cache
}

func (a cacheAccessor) RemoveSpan(span Span) error {
	return a.c.removeSpanInner(span)
}

func (a cacheAccessor) SpanLocked(span Span) bool {
	cc := a.c.index.get(span.Key)
	return cc != nil && cc.isRegionLocked(span.Position, span.Length)
}

func registryKey(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

// loadOrCreateUID finds the directory's uid marker file, creating one with a
// fresh random uid on first open.
func loadOrCreateUID(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".uid") {
			continue
		}
		uid, err := strconv.ParseUint(strings.TrimSuffix(name, ".uid"), 16, 64)
		if err != nil {
			continue
		}
		return int64(uid &^ (1 << 63)), nil
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	uid := int64(binary.BigEndian.Uint64(b[:]) &^ (1 << 63))
	name := filepath.Join(dir, fmt.Sprintf("%016x.uid", uid))
	if err := os.WriteFile(name, nil, 0o600); err != nil {
		return 0, err
	}
	return uid, nil
}
