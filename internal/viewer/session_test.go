package viewer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Suprimir/gihon/internal/archive"
	"github.com/Suprimir/gihon/internal/viewer/pagecache"
	"github.com/Suprimir/gihon/internal/viewer/prefetch"
)

type stubReader struct {
	mu     sync.Mutex
	totals map[string]int
	gates  map[string]chan struct{}
	fail   map[string]bool
	calls  map[string]int
	order  []string
}

func newStubReader(totals map[string]int) *stubReader {
	return &stubReader{
		totals: totals,
		gates:  map[string]chan struct{}{},
		fail:   map[string]bool{},
		calls:  map[string]int{},
	}
}

func pageKey(document string, index int) string {
	return fmt.Sprintf("%s#%d", document, index)
}

// gate blocks decodes of key (a document or document#index) until release is called.
func (r *stubReader) gate(key string) (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.gates[key] = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (r *stubReader) PageCount(_ context.Context, document string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, ok := r.totals[document]
	if !ok {
		return 0, archive.ErrDocumentNotFound
	}
	return total, nil
}

func (r *stubReader) Page(ctx context.Context, document string, index int) (archive.Image, error) {
	key := pageKey(document, index)
	r.mu.Lock()
	r.calls[key]++
	r.order = append(r.order, key)
	gates := []chan struct{}{r.gates[document], r.gates[key]}
	failing := r.fail[key]
	r.mu.Unlock()

	for _, g := range gates {
		if g == nil {
			continue
		}
		select {
		case <-g:
		case <-ctx.Done():
			return archive.Image{}, ctx.Err()
		}
	}
	if failing {
		return archive.Image{}, errors.New("truncated entry")
	}
	return archive.Image{Data: []byte(key), ContentType: "image/jpeg"}, nil
}

func (r *stubReader) callsFor(document string, index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[pageKey(document, index)]
}

func (r *stubReader) decoded(document string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for i := 0; i < r.totals[document]; i++ {
		if r.calls[pageKey(document, i)] > 0 {
			out = append(out, i)
		}
	}
	return out
}

type harness struct {
	reader  *stubReader
	cache   *pagecache.Cache
	sched   *prefetch.Scheduler
	session *Session
}

func newHarness(t *testing.T, reader *stubReader, opts pagecache.Options) *harness {
	t.Helper()
	cache := pagecache.New(opts)
	sched := prefetch.New(reader, cache, prefetch.Options{})
	t.Cleanup(sched.Close)
	return &harness{
		reader:  reader,
		cache:   cache,
		sched:   sched,
		session: New(reader, cache, sched, Options{}),
	}
}

func TestSessionTenPageScenario(t *testing.T) {
	h := newHarness(t, newStubReader(map[string]int{"ten.cbz": 10}), pagecache.Options{})
	ctx := context.Background()

	page, err := h.session.Open(ctx, "ten.cbz")
	require.NoError(t, err)
	require.Equal(t, 0, page.Index)
	require.Equal(t, 10, page.Total)
	require.False(t, page.FromCache)
	require.Equal(t, "ten.cbz#0", string(page.Image.Data))
	h.sched.Wait()
	require.Equal(t, []int{0, 1}, h.reader.decoded("ten.cbz"))

	for want := 1; want < 10; want++ {
		page, err = h.session.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, page.Index)
		require.True(t, page.FromCache, "page %d should have been prefetched", want)
		h.sched.Wait()
	}

	page, err = h.session.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 9, page.Index)

	for i := 0; i < 10; i++ {
		require.Equal(t, 1, h.reader.callsFor("ten.cbz", i))
	}

	snap := h.session.Snapshot()
	require.Equal(t, StateReady, snap.State)
	require.Equal(t, 9, snap.Current)
	require.Equal(t, 9, snap.Displayed)
	require.False(t, snap.PageLoading)
}

func TestSessionLookaheadZero(t *testing.T) {
	h := newHarness(t, newStubReader(map[string]int{"a.cbz": 5}), pagecache.Options{})
	ctx := context.Background()
	require.NoError(t, h.session.SetLookahead(0))

	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)
	h.sched.Wait()
	require.Equal(t, []int{0}, h.reader.decoded("a.cbz"))

	page, err := h.session.Next(ctx)
	require.NoError(t, err)
	require.False(t, page.FromCache)
	h.sched.Wait()
	require.Equal(t, []int{0, 1}, h.reader.decoded("a.cbz"))

	require.NoError(t, h.session.SetLookahead(2))
	h.sched.Wait()
	require.Equal(t, []int{0, 1, 2, 3}, h.reader.decoded("a.cbz"))
}

func TestSessionPrevAndSeek(t *testing.T) {
	h := newHarness(t, newStubReader(map[string]int{"a.cbz": 6}), pagecache.Options{})
	ctx := context.Background()

	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)

	page, err := h.session.Previous(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, page.Index)
	require.Equal(t, "a.cbz#0", string(page.Image.Data))

	page, err = h.session.Seek(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, 4, page.Index)

	page, err = h.session.Seek(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, 4, page.Index)
	page, err = h.session.Seek(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, 4, page.Index)

	page, err = h.session.Previous(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, page.Index)
	require.Equal(t, 3, h.session.Snapshot().Current)
}

func TestSessionIndexStaysInBounds(t *testing.T) {
	h := newHarness(t, newStubReader(map[string]int{"a.cbz": 7, "b.cbz": 1}), pagecache.Options{MaxEntries: 4})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		switch rng.Intn(6) {
		case 0, 1:
			_, err = h.session.Next(ctx)
		case 2, 3:
			_, err = h.session.Previous(ctx)
		case 4:
			_, err = h.session.Seek(ctx, rng.Intn(12)-3)
		case 5:
			if rng.Intn(10) == 0 {
				doc := "a.cbz"
				if rng.Intn(2) == 0 {
					doc = "b.cbz"
				}
				_, err = h.session.Open(ctx, doc)
			} else {
				err = h.session.SetLookahead(rng.Intn(MaxLookahead + 1))
			}
		}
		require.NoError(t, err)

		snap := h.session.Snapshot()
		require.Equal(t, StateReady, snap.State)
		require.GreaterOrEqual(t, snap.Current, 0)
		require.Less(t, snap.Current, snap.Total)
		require.Equal(t, snap.Current, snap.Displayed)
	}
}

func TestSessionCloseLeavesNoEntries(t *testing.T) {
	reader := newStubReader(map[string]int{"a.cbz": 10})
	h := newHarness(t, reader, pagecache.Options{})
	ctx := context.Background()
	require.NoError(t, h.session.SetLookahead(3))

	release := reader.gate("a.cbz#1")
	defer release()
	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.sched.InFlight() == 1 && h.cache.DocumentLen("a.cbz") == 3
	}, time.Second, time.Millisecond)

	h.session.Close()
	release()
	h.sched.Wait()

	require.Zero(t, h.cache.DocumentLen("a.cbz"))
	require.Zero(t, h.cache.Len())
	require.Equal(t, StateClosed, h.session.Snapshot().State)
	_, ok := h.session.Displayed()
	require.False(t, ok)

	_, err = h.session.Next(ctx)
	require.ErrorIs(t, err, ErrNotReady)
	h.session.Close()
}

func TestSessionSwitchWhileDecodeInFlight(t *testing.T) {
	reader := newStubReader(map[string]int{"a.cbz": 5, "b.cbz": 3})
	h := newHarness(t, reader, pagecache.Options{})
	ctx := context.Background()

	releaseA := reader.gate("a.cbz")
	defer releaseA()
	done := make(chan error, 1)
	go func() {
		_, err := h.session.Open(ctx, "a.cbz")
		done <- err
	}()
	require.Eventually(t, func() bool { return reader.callsFor("a.cbz", 0) == 1 }, time.Second, time.Millisecond)

	page, err := h.session.Open(ctx, "b.cbz")
	require.NoError(t, err)
	require.Equal(t, "b.cbz", page.Document)
	require.Equal(t, "b.cbz#0", string(page.Image.Data))

	releaseA()
	require.ErrorIs(t, <-done, ErrSuperseded)
	h.sched.Wait()

	require.Zero(t, h.cache.DocumentLen("a.cbz"))
	require.GreaterOrEqual(t, h.sched.Stale(), int64(1))

	snap := h.session.Snapshot()
	require.Equal(t, "b.cbz", snap.Document)
	require.Equal(t, 0, snap.Displayed)
	shown, ok := h.session.Displayed()
	require.True(t, ok)
	require.Equal(t, "b.cbz#0", string(shown.Image.Data))
}

func TestSessionForegroundJoinsPrefetch(t *testing.T) {
	reader := newStubReader(map[string]int{"a.cbz": 5})
	h := newHarness(t, reader, pagecache.Options{})
	ctx := context.Background()

	release := reader.gate("a.cbz#1")
	defer release()
	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.sched.InFlight() == 1 }, time.Second, time.Millisecond)

	type result struct {
		page Page
		err  error
	}
	done := make(chan result, 1)
	go func() {
		page, err := h.session.Next(ctx)
		done <- result{page, err}
	}()
	require.Eventually(t, func() bool { return h.session.Snapshot().PageLoading }, time.Second, time.Millisecond)
	require.Equal(t, 1, h.session.Snapshot().Current)
	require.Equal(t, 0, h.session.Snapshot().Displayed)

	release()
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 1, res.page.Index)
	require.False(t, res.page.FromCache)
	h.sched.Wait()

	require.Equal(t, 1, reader.callsFor("a.cbz", 1))
	require.False(t, h.session.Snapshot().PageLoading)
}

func TestSessionLatestNavigationWins(t *testing.T) {
	reader := newStubReader(map[string]int{"a.cbz": 6})
	h := newHarness(t, reader, pagecache.Options{})
	ctx := context.Background()

	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)
	h.sched.Wait()

	release := reader.gate("a.cbz#4")
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := h.session.Seek(ctx, 4)
		done <- err
	}()
	require.Eventually(t, func() bool { return reader.callsFor("a.cbz", 4) == 1 }, time.Second, time.Millisecond)

	page, err := h.session.Seek(ctx, 1)
	require.NoError(t, err)
	require.True(t, page.FromCache)

	release()
	require.ErrorIs(t, <-done, ErrSuperseded)
	h.sched.Wait()

	snap := h.session.Snapshot()
	require.Equal(t, 1, snap.Current)
	require.Equal(t, 1, snap.Displayed)
	require.False(t, snap.PageLoading)
	require.True(t, h.cache.Contains("a.cbz", 4))
}

func TestSessionOpenFailures(t *testing.T) {
	h := newHarness(t, newStubReader(map[string]int{"empty.cbz": 0}), pagecache.Options{})
	ctx := context.Background()

	_, err := h.session.Next(ctx)
	require.ErrorIs(t, err, ErrNotReady)

	_, err = h.session.Open(ctx, "missing.cbz")
	require.ErrorIs(t, err, ErrDocumentOpen)
	require.ErrorIs(t, err, archive.ErrDocumentNotFound)
	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	require.Equal(t, "missing.cbz", openErr.Document)
	require.Equal(t, StateClosed, h.session.Snapshot().State)

	_, err = h.session.Open(ctx, "empty.cbz")
	require.ErrorIs(t, err, ErrDocumentOpen)
	require.ErrorIs(t, err, ErrEmptyDocument)
	require.Equal(t, StateClosed, h.session.Snapshot().State)
	require.Empty(t, h.session.Snapshot().Document)
}

func TestSessionDecodeFailureKeepsIndex(t *testing.T) {
	reader := newStubReader(map[string]int{"a.cbz": 5})
	reader.fail["a.cbz#2"] = true
	h := newHarness(t, reader, pagecache.Options{})
	ctx := context.Background()

	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)

	_, err = h.session.Seek(ctx, 2)
	require.ErrorIs(t, err, ErrDecode)
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	require.Equal(t, 2, decodeErr.Index)

	snap := h.session.Snapshot()
	require.Equal(t, StateReady, snap.State)
	require.Equal(t, 2, snap.Current)
	require.Equal(t, 0, snap.Displayed)
	require.False(t, snap.PageLoading)

	reader.mu.Lock()
	reader.fail["a.cbz#2"] = false
	reader.mu.Unlock()

	page, err := h.session.Seek(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "a.cbz#2", string(page.Image.Data))
	require.Equal(t, 2, h.session.Snapshot().Displayed)
}

func TestSessionPinsDisplayedPage(t *testing.T) {
	h := newHarness(t, newStubReader(map[string]int{"a.cbz": 8}), pagecache.Options{Shards: 1, MaxEntries: 1})
	ctx := context.Background()
	require.NoError(t, h.session.SetLookahead(MaxLookahead))

	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)
	h.sched.Wait()

	require.True(t, h.cache.Contains("a.cbz", 0))
	require.LessOrEqual(t, h.cache.Len(), 2)
}

func TestSessionReopenSameDocument(t *testing.T) {
	h := newHarness(t, newStubReader(map[string]int{"a.cbz": 4}), pagecache.Options{})
	ctx := context.Background()

	_, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)
	h.sched.Wait()
	_, err = h.session.Seek(ctx, 3)
	require.NoError(t, err)

	page, err := h.session.Open(ctx, "a.cbz")
	require.NoError(t, err)
	require.Equal(t, 0, page.Index)
	require.False(t, page.FromCache)
	h.sched.Wait()

	indices := h.cache.Indices("a.cbz")
	sort.Ints(indices)
	require.Equal(t, []int{0, 1}, indices)
}

func TestSessionLookaheadValidation(t *testing.T) {
	h := newHarness(t, newStubReader(nil), pagecache.Options{})
	require.Equal(t, DefaultLookahead, h.session.Lookahead())
	require.ErrorIs(t, h.session.SetLookahead(-1), ErrInvalidLookahead)
	require.ErrorIs(t, h.session.SetLookahead(MaxLookahead+1), ErrInvalidLookahead)
	require.NoError(t, h.session.SetLookahead(MaxLookahead))
	require.Equal(t, MaxLookahead, h.session.Lookahead())
	require.NotEmpty(t, h.session.ID())
	require.Equal(t, "closed", h.session.Snapshot().State.String())
}
