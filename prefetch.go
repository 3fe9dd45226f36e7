package spancache

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

// ByteRange identifies a region of a resource. A Length of LengthUnset
// extends to the end of the resource.
type ByteRange struct {
	Position int64
	Length   int64
}

// DefaultPrefetchConcurrency bounds parallel upstream fetches per Warm
// call when no other limit is set.
const DefaultPrefetchConcurrency = 4

// Prefetcher pulls byte ranges into a cache ahead of demand.
type Prefetcher struct {
	source      *Source
	concurrency int
}

// PrefetchOption configures a Prefetcher.
type PrefetchOption func(*Prefetcher)

// WithConcurrency sets the number of ranges fetched in parallel.
func WithConcurrency(n int) PrefetchOption {
	return func(p *Prefetcher) { p.concurrency = n }
}

// NewPrefetcher creates a Prefetcher over src.
func NewPrefetcher(src *Source, opts ...PrefetchOption) *Prefetcher {
	p := &Prefetcher{
		source:      src,
		concurrency: DefaultPrefetchConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Warm fetches the given ranges of uri into the cache. Ranges that are
// already fully cached are skipped. The first failure cancels the
// remaining fetches.
func (p *Prefetcher) Warm(ctx context.Context, uri string, ranges []ByteRange) error {
	key := p.source.keyer.Key(uri)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, br := range ranges {
		br := br
		if p.source.cache.IsCached(key, br.Position, br.Length) {
			continue
		}
		g.Go(func() error {
			rc, err := p.source.OpenReader(ctx, uri, br.Position, br.Length)
			if err != nil {
				return err
			}
			_, err = io.Copy(io.Discard, rc)
			if cerr := rc.Close(); err == nil {
				err = cerr
			}
			return err
		})
	}
	return g.Wait()
}
