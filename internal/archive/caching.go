package archive

import (
	"context"
	"log/slog"

	"github.com/Suprimir/gihon/internal/archive/blobcache"
	"github.com/Suprimir/gihon/internal/metrics"
)

// CachingReader places the shared blob tier in front of another Reader. Blob
// tier failures degrade to a direct decode; they never fail a page load.
type CachingReader struct {
	inner   Reader
	blobs   blobcache.Cache
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewCachingReader wraps inner. A nil blobs cache returns a pass-through reader.
func NewCachingReader(inner Reader, blobs blobcache.Cache, logger *slog.Logger, rec *metrics.Recorder) *CachingReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingReader{
		inner:   inner,
		blobs:   blobs,
		logger:  logger.With(slog.String("agent", "blob_cache")),
		metrics: rec,
	}
}

// PageCount implements Reader. Counts are cheap and always read from the archive.
func (r *CachingReader) PageCount(ctx context.Context, document string) (int, error) {
	return r.inner.PageCount(ctx, document)
}

// Page implements Reader.
func (r *CachingReader) Page(ctx context.Context, document string, index int) (Image, error) {
	if r.blobs == nil {
		return r.inner.Page(ctx, document, index)
	}
	key := blobcache.PageKey(document, index)

	entry, ok, err := r.blobs.Lookup(ctx, key)
	switch {
	case err != nil:
		r.metrics.ObserveBlob(metrics.BlobLookup, "error")
		r.logger.Warn("blob lookup failed", slog.String("document", document), slog.Int("index", index), slog.Any("error", err))
	case ok:
		r.metrics.ObserveBlob(metrics.BlobLookup, "hit")
		return Image{Data: entry.Data, ContentType: entry.ContentType}, nil
	default:
		r.metrics.ObserveBlob(metrics.BlobLookup, "miss")
	}

	img, err := r.inner.Page(ctx, document, index)
	if err != nil {
		return Image{}, err
	}
	if err := r.blobs.Store(ctx, key, blobcache.Entry{ContentType: img.ContentType, Data: img.Data}); err != nil {
		r.metrics.ObserveBlob(metrics.BlobStore, "error")
		r.logger.Warn("blob store failed", slog.String("document", document), slog.Int("index", index), slog.Any("error", err))
	} else {
		r.metrics.ObserveBlob(metrics.BlobStore, "stored")
	}
	return img, nil
}

// Forget invalidates every blob of document and any page list the inner
// reader memoised for it.
func (r *CachingReader) Forget(ctx context.Context, document string) {
	if f, ok := r.inner.(interface{ Forget(string) }); ok {
		f.Forget(document)
	}
	if r.blobs == nil {
		return
	}
	if err := r.blobs.DeletePrefix(ctx, blobcache.DocumentPrefix(document)); err != nil {
		r.metrics.ObserveBlob(metrics.BlobDelete, "error")
		r.logger.Warn("blob invalidation failed", slog.String("document", document), slog.Any("error", err))
		return
	}
	r.metrics.ObserveBlob(metrics.BlobDelete, "deleted")
}

// Close releases the blob tier.
func (r *CachingReader) Close(ctx context.Context) error {
	if r.blobs == nil {
		return nil
	}
	return r.blobs.Close(ctx)
}
