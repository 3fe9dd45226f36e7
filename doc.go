// Package spancache provides a byte-range-addressable, crash-tolerant disk
// cache for partially or fully downloaded resources.
//
// A resource is identified by an opaque content key and cached as a set of
// spans: contiguous byte ranges, each backed by its own file. Span filenames
// encode everything needed to rebuild cache state from a directory scan
// alone, so a missing or corrupt index never loses cached data.
//
// # Quick Start
//
// Open a cache and read a resource through it, filling holes from an HTTP
// upstream:
//
//	c, err := spancache.New("/var/cache/media",
//	    spancache.WithEvictor(spancache.NewLRUEvictor(512<<20)),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Release()
//
//	src, err := spancache.NewSource(c, cachehttp.NewUpstream())
//	if err != nil {
//	    return err
//	}
//	r, err := src.OpenReader(ctx, "https://example.com/video.mp4", 0, spancache.LengthUnset)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
// # Concurrency
//
// A Cache is safe for concurrent use by multiple readers and writers.
// Writers hold exclusive in-memory locks on the hole regions they fill;
// readers hold shared locks on the cached spans they consume. Only one Cache
// may be open per directory per process; New reports ErrCacheAlreadyOpen
// otherwise.
package spancache
