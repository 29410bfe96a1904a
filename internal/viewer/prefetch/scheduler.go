// Package prefetch decodes pages ahead of the reader and shares every decode
// between the foreground and background requesters of the same page.
package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/Suprimir/gihon/internal/archive"
	"github.com/Suprimir/gihon/internal/metrics"
	"github.com/Suprimir/gihon/internal/viewer/pagecache"
)

// DefaultMaxConcurrent bounds background decodes when Options.MaxConcurrent is unset.
const DefaultMaxConcurrent = 4

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent int
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Scheduler owns the ticket table of in-flight decodes. At most one decode per
// (document, index) runs at a time; later requesters wait on the same ticket.
// Each requester inserts the shared result under its own cache epoch.
type Scheduler struct {
	reader  archive.Reader
	cache   *pagecache.Cache
	tickets singleflight.Group
	slots   *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Recorder

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	decodes  atomic.Int64
	inFlight atomic.Int64
	stale    atomic.Int64
	failures atomic.Int64
}

// New builds a scheduler that decodes through reader and fills cache.
func New(reader archive.Reader, cache *pagecache.Cache, opts Options) *Scheduler {
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		reader:  reader,
		cache:   cache,
		slots:   semaphore.NewWeighted(int64(limit)),
		logger:  logger.With(slog.String("agent", "prefetch")),
		metrics: opts.Metrics,
		base:    base,
		cancel:  cancel,
	}
}

// Window returns the forward prefetch window {current+1 .. current+lookahead}
// clipped to [0, total-1].
func Window(current, total, lookahead int) []int {
	if lookahead <= 0 || total <= 0 {
		return nil
	}
	var out []int
	for i := current + 1; i <= current+lookahead && i < total; i++ {
		if i < 0 {
			continue
		}
		out = append(out, i)
	}
	return out
}

// Cached returns the page if the cache holds it, counting a foreground lookup.
func (s *Scheduler) Cached(document string, index int) (archive.Image, bool) {
	img, ok := s.cache.Get(document, index)
	if ok {
		s.metrics.ObserveLookup(metrics.PathForeground, metrics.LookupHit)
	} else {
		s.metrics.ObserveLookup(metrics.PathForeground, metrics.LookupMiss)
	}
	return img, ok
}

// Load is the foreground load: a cache hit returns immediately with fromCache
// set, a miss waits on the page's ticket and inserts the result under epoch.
func (s *Scheduler) Load(ctx context.Context, epoch uint64, document string, index int) (archive.Image, bool, error) {
	if img, ok := s.Cached(document, index); ok {
		return img, true, nil
	}
	img, err := s.Await(ctx, epoch, document, index)
	return img, false, err
}

// Await joins or creates the ticket for the page and waits for it or for ctx.
// The decode itself is not cancelled when ctx is; other requesters may still
// be waiting on it.
func (s *Scheduler) Await(ctx context.Context, epoch uint64, document string, index int) (archive.Image, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return archive.Image{}, ctx.Err()
	case res := <-s.ticket(document, index):
		if res.Err != nil {
			s.metrics.ObserveDecode(metrics.PathForeground, metrics.DecodeError, time.Since(start))
			return archive.Image{}, res.Err
		}
		img := res.Val.(archive.Image)
		s.store(metrics.PathForeground, epoch, document, index, img, start)
		return img, nil
	}
}

// Schedule starts a background load for every page of the forward window that
// is not already cached and returns the indices it scheduled. Queued loads are
// dropped once ctx is cancelled.
func (s *Scheduler) Schedule(ctx context.Context, epoch uint64, document string, current, total, lookahead int) []int {
	var scheduled []int
	for _, index := range Window(current, total, lookahead) {
		if s.cache.Contains(document, index) {
			s.metrics.ObserveLookup(metrics.PathPrefetch, metrics.LookupHit)
			continue
		}
		if !s.track() {
			break
		}
		s.metrics.ObserveLookup(metrics.PathPrefetch, metrics.LookupMiss)
		scheduled = append(scheduled, index)
		go s.prefetch(ctx, epoch, document, index)
	}
	return scheduled
}

// Decodes returns how many archive decodes the scheduler has started.
func (s *Scheduler) Decodes() int64 { return s.decodes.Load() }

// InFlight returns how many archive decodes are running right now.
func (s *Scheduler) InFlight() int64 { return s.inFlight.Load() }

// Stale returns how many decoded pages were discarded because their document
// scope had been cleared.
func (s *Scheduler) Stale() int64 { return s.stale.Load() }

// Failures returns how many background loads failed.
func (s *Scheduler) Failures() int64 { return s.failures.Load() }

// Wait blocks until every background load has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels queued and waiting background loads and waits for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func ticketKey(document string, index int) string {
	return document + "\x00" + strconv.Itoa(index)
}

func (s *Scheduler) ticket(document string, index int) <-chan singleflight.Result {
	return s.tickets.DoChan(ticketKey(document, index), func() (any, error) {
		s.decodes.Add(1)
		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		img, err := s.reader.Page(s.base, document, index)
		if err != nil {
			return nil, err
		}
		return img, nil
	})
}

func (s *Scheduler) prefetch(ctx context.Context, epoch uint64, document string, index int) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.logger.Debug("prefetch dropped", slog.String("document", document), slog.Int("index", index))
		return
	}
	defer s.slots.Release(1)

	if s.cache.Contains(document, index) {
		return
	}

	start := time.Now()
	select {
	case <-ctx.Done():
		s.logger.Debug("prefetch abandoned", slog.String("document", document), slog.Int("index", index))
	case res := <-s.ticket(document, index):
		if res.Err != nil {
			s.failures.Add(1)
			s.metrics.ObserveDecode(metrics.PathPrefetch, metrics.DecodeError, time.Since(start))
			if !errors.Is(res.Err, context.Canceled) {
				s.logger.Warn("prefetch failed",
					slog.String("document", document),
					slog.Int("index", index),
					slog.Any("error", res.Err),
				)
			}
			return
		}
		s.store(metrics.PathPrefetch, epoch, document, index, res.Val.(archive.Image), start)
	}
}

func (s *Scheduler) store(path metrics.LoadPath, epoch uint64, document string, index int, img archive.Image, start time.Time) {
	if !s.cache.PutAt(epoch, document, index, img) {
		s.stale.Add(1)
		s.metrics.ObserveDecode(path, metrics.DecodeStale, time.Since(start))
		s.logger.Debug("stale page discarded",
			slog.String("document", document),
			slog.Int("index", index),
			slog.String("path", string(path)),
		)
		return
	}
	s.metrics.ObserveDecode(path, metrics.DecodeStored, time.Since(start))
	s.metrics.SetCacheUsage(s.cache.Len(), s.cache.Bytes())
}
