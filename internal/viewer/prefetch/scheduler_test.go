package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Suprimir/gihon/internal/archive"
	"github.com/Suprimir/gihon/internal/viewer/pagecache"
)

type fakeReader struct {
	total int
	gate  chan struct{}
	fail  map[int]bool

	mu    sync.Mutex
	calls map[int]int

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeReader(total int) *fakeReader {
	return &fakeReader{total: total, calls: map[int]int{}, fail: map[int]bool{}}
}

func (r *fakeReader) PageCount(context.Context, string) (int, error) { return r.total, nil }

func (r *fakeReader) Page(ctx context.Context, _ string, index int) (archive.Image, error) {
	r.mu.Lock()
	r.calls[index]++
	r.mu.Unlock()

	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		peak := r.maxActive.Load()
		if n <= peak || r.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return archive.Image{}, ctx.Err()
		}
	}
	if r.fail[index] {
		return archive.Image{}, errors.New("corrupt entry")
	}
	return archive.Image{Data: []byte{byte(index)}, ContentType: "image/png"}, nil
}

func (r *fakeReader) callsFor(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[index]
}

func TestWindow(t *testing.T) {
	cases := []struct {
		name                      string
		current, total, lookahead int
		want                      []int
	}{
		{"first page", 0, 10, 1, []int{1}},
		{"wide", 3, 10, 3, []int{4, 5, 6}},
		{"clipped at end", 8, 10, 3, []int{9}},
		{"last page", 9, 10, 2, nil},
		{"disabled", 4, 10, 0, nil},
		{"empty document", 0, 0, 2, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Window(tc.current, tc.total, tc.lookahead))
		})
	}
}

func TestLoadCachesAndReportsHits(t *testing.T) {
	reader := newFakeReader(5)
	cache := pagecache.New(pagecache.Options{})
	s := New(reader, cache, Options{})
	defer s.Close()
	ctx := context.Background()

	img, fromCache, err := s.Load(ctx, cache.Epoch("a.cbz"), "a.cbz", 2)
	require.NoError(t, err)
	require.False(t, fromCache)
	require.Equal(t, []byte{2}, img.Data)
	require.True(t, cache.Contains("a.cbz", 2))

	img, fromCache, err = s.Load(ctx, cache.Epoch("a.cbz"), "a.cbz", 2)
	require.NoError(t, err)
	require.True(t, fromCache)
	require.Equal(t, []byte{2}, img.Data)
	require.Equal(t, 1, reader.callsFor(2))
	require.EqualValues(t, 1, s.Decodes())
}

func TestConcurrentRequestsShareOneDecode(t *testing.T) {
	reader := newFakeReader(5)
	reader.gate = make(chan struct{})
	cache := pagecache.New(pagecache.Options{})
	s := New(reader, cache, Options{})
	defer s.Close()
	ctx := context.Background()
	epoch := cache.Epoch("a.cbz")

	require.Equal(t, []int{1}, s.Schedule(ctx, epoch, "a.cbz", 0, 5, 1))
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, _, err := s.Load(ctx, epoch, "a.cbz", 1)
			assert.NoError(t, err)
			assert.Equal(t, []byte{1}, img.Data)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, s.InFlight())
	close(reader.gate)
	wg.Wait()
	s.Wait()

	require.Equal(t, 1, reader.callsFor(1))
	require.EqualValues(t, 1, s.Decodes())
	require.EqualValues(t, 1, reader.maxActive.Load())
	require.True(t, cache.Contains("a.cbz", 1))
}

func TestScheduleSkipsCachedPages(t *testing.T) {
	reader := newFakeReader(10)
	cache := pagecache.New(pagecache.Options{})
	s := New(reader, cache, Options{})
	defer s.Close()

	cache.Put("a.cbz", 3, archive.Image{Data: []byte{3}})
	scheduled := s.Schedule(context.Background(), cache.Epoch("a.cbz"), "a.cbz", 1, 10, 3)
	require.Equal(t, []int{2, 4}, scheduled)
	s.Wait()

	require.Equal(t, 3, cache.DocumentLen("a.cbz"))
	require.Zero(t, reader.callsFor(3))
}

func TestScheduleRespectsConcurrencyLimit(t *testing.T) {
	reader := newFakeReader(20)
	reader.gate = make(chan struct{})
	cache := pagecache.New(pagecache.Options{})
	s := New(reader, cache, Options{MaxConcurrent: 2})
	defer s.Close()

	scheduled := s.Schedule(context.Background(), cache.Epoch("a.cbz"), "a.cbz", 0, 20, 5)
	require.Len(t, scheduled, 5)
	require.Eventually(t, func() bool { return s.InFlight() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 2, s.InFlight())

	close(reader.gate)
	s.Wait()
	require.EqualValues(t, 2, reader.maxActive.Load())
	require.Equal(t, 5, cache.DocumentLen("a.cbz"))
}

func TestBackgroundFailureIsSilent(t *testing.T) {
	reader := newFakeReader(5)
	reader.fail[1] = true
	cache := pagecache.New(pagecache.Options{})
	s := New(reader, cache, Options{})
	defer s.Close()

	s.Schedule(context.Background(), cache.Epoch("a.cbz"), "a.cbz", 0, 5, 2)
	s.Wait()

	require.EqualValues(t, 1, s.Failures())
	require.False(t, cache.Contains("a.cbz", 1))
	require.True(t, cache.Contains("a.cbz", 2))

	_, _, err := s.Load(context.Background(), cache.Epoch("a.cbz"), "a.cbz", 1)
	require.Error(t, err)
	require.Equal(t, 2, reader.callsFor(1))
}

func TestStaleResultIsDiscarded(t *testing.T) {
	reader := newFakeReader(5)
	reader.gate = make(chan struct{})
	cache := pagecache.New(pagecache.Options{})
	s := New(reader, cache, Options{})
	defer s.Close()

	epoch := cache.Epoch("a.cbz")
	done := make(chan error, 1)
	go func() {
		_, err := s.Await(context.Background(), epoch, "a.cbz", 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, time.Millisecond)

	cache.Clear("a.cbz")
	close(reader.gate)
	require.NoError(t, <-done)

	require.False(t, cache.Contains("a.cbz", 0))
	require.EqualValues(t, 1, s.Stale())
}

func TestCancelledScopeDropsQueuedPrefetches(t *testing.T) {
	reader := newFakeReader(20)
	reader.gate = make(chan struct{})
	cache := pagecache.New(pagecache.Options{})
	s := New(reader, cache, Options{MaxConcurrent: 1})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s.Schedule(ctx, cache.Epoch("a.cbz"), "a.cbz", 0, 20, 4)
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, time.Millisecond)

	cancel()
	close(reader.gate)
	s.Wait()

	require.EqualValues(t, 1, s.Decodes())
}

func TestAwaitHonoursCallerContext(t *testing.T) {
	reader := newFakeReader(5)
	reader.gate = make(chan struct{})
	cache := pagecache.New(pagecache.Options{})
	s := New(reader, cache, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Await(ctx, 0, "a.cbz", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s.Close()
	require.Empty(t, s.Schedule(context.Background(), 0, "a.cbz", 0, 5, 2))
}
