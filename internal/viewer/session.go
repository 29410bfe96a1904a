// Package viewer hosts the navigation state machine of a reading session.
//
// A Session owns the open document, the current page index and the page on
// screen. Intents are serialised by the session lock; foreground decodes are
// awaited with the lock released and only the latest load of the current
// document may change what is displayed. Pages ahead of the reader are handed
// to the prefetch scheduler, and every document switch clears the previous
// document's page cache scope.
package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Suprimir/gihon/internal/archive"
	"github.com/Suprimir/gihon/internal/metrics"
	"github.com/Suprimir/gihon/internal/viewer/pagecache"
	"github.com/Suprimir/gihon/internal/viewer/prefetch"
)

const (
	// DefaultLookahead is the number of pages prefetched ahead of the reader.
	DefaultLookahead = 1
	// MaxLookahead is the largest accepted lookahead.
	MaxLookahead = 5
)

// State is the lifecycle state of a Session.
type State int

const (
	StateClosed State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Page is a page of the open document. Image is empty when the page has not
// been decoded yet.
type Page struct {
	Document  string
	Index     int
	Total     int
	Image     archive.Image
	FromCache bool
}

// Snapshot is a consistent view of the session state.
type Snapshot struct {
	ID          string `json:"id"`
	State       State  `json:"state"`
	Document    string `json:"document,omitempty"`
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	PageLoading bool   `json:"pageLoading"`
	Lookahead   int    `json:"lookahead"`
	// Displayed is the index on screen, or -1.
	Displayed int `json:"displayed"`
}

// Options configures a Session.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Session is the navigation state machine. The zero value is not usable; use New.
type Session struct {
	id      string
	reader  archive.Reader
	cache   *pagecache.Cache
	sched   *prefetch.Scheduler
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu          sync.Mutex
	state       State
	document    string
	current     int
	total       int
	generation  uint64
	epoch       uint64
	loadSeq     uint64
	pageLoading bool
	lookahead   int
	displayed   *Page
	scope       context.Context
	cancelScope context.CancelFunc
}

// New builds a closed session. reader supplies page counts; pages are loaded
// through sched into cache.
func New(reader archive.Reader, cache *pagecache.Cache, sched *prefetch.Scheduler, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		reader:    reader,
		cache:     cache,
		sched:     sched,
		logger:    logger.With(slog.String("agent", "viewer"), slog.String("session", id)),
		metrics:   opts.Metrics,
		lookahead: DefaultLookahead,
		scope:     context.Background(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Open switches the session to document and loads its first page. Any
// previously open document is closed first.
func (s *Session) Open(ctx context.Context, document string) (Page, error) {
	s.mu.Lock()
	s.resetLocked()
	s.generation++
	gen := s.generation
	s.state = StateLoading
	s.document = document
	s.mu.Unlock()

	s.logger.Info("opening document", slog.String("document", document))
	total, err := s.reader.PageCount(ctx, document)
	if err == nil && total <= 0 {
		err = ErrEmptyDocument
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return Page{}, ErrSuperseded
	}
	if err != nil {
		s.state = StateClosed
		s.document = ""
		s.mu.Unlock()
		s.metrics.ObserveNavigation("open", false)
		s.logger.Error("document open failed", slog.String("document", document), slog.Any("error", err))
		return Page{}, &OpenError{Document: document, Err: err}
	}

	s.state = StateReady
	s.total = total
	s.current = 0
	s.epoch = s.cache.Epoch(document)
	s.scope, s.cancelScope = context.WithCancel(context.Background())
	s.metrics.ObserveNavigation("open", true)
	s.logger.Info("document ready", slog.String("document", document), slog.Int("pages", total))
	return s.showLocked(ctx)
}

// Next moves to the following page. On the last page it is a no-op.
func (s *Session) Next(ctx context.Context) (Page, error) {
	return s.move(ctx, "next", func(current int) int { return current + 1 })
}

// Previous moves to the preceding page. On the first page it is a no-op.
func (s *Session) Previous(ctx context.Context) (Page, error) {
	return s.move(ctx, "previous", func(current int) int { return current - 1 })
}

// Seek moves to page. Out of range targets are ignored. Seeking to the current
// page retries a load that previously failed.
func (s *Session) Seek(ctx context.Context, page int) (Page, error) {
	return s.move(ctx, "seek", func(int) int { return page })
}

// Close releases the open document. It is safe to call in any state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.logger.Info("closing document", slog.String("document", s.document))
	}
	s.resetLocked()
	s.generation++
	s.state = StateClosed
}

// SetLookahead changes how many pages are prefetched ahead of the reader. The
// new window is scheduled right away when a document is ready.
func (s *Session) SetLookahead(k int) error {
	if k < 0 || k > MaxLookahead {
		return fmt.Errorf("%w: %d", ErrInvalidLookahead, k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookahead != k {
		s.logger.Info("lookahead updated", slog.Int("from", s.lookahead), slog.Int("to", k))
	}
	s.lookahead = k
	if s.state == StateReady {
		s.sched.Schedule(s.scope, s.epoch, s.document, s.current, s.total, k)
	}
	return nil
}

// Lookahead returns the configured lookahead.
func (s *Session) Lookahead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookahead
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		Document:    s.document,
		Current:     s.current,
		Total:       s.total,
		PageLoading: s.pageLoading,
		Lookahead:   s.lookahead,
		Displayed:   -1,
	}
	if s.displayed != nil {
		snap.Displayed = s.displayed.Index
	}
	return snap
}

// Displayed returns the page on screen.
func (s *Session) Displayed() (Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.displayed == nil {
		return Page{}, false
	}
	return *s.displayed, true
}

func (s *Session) move(ctx context.Context, intent string, target func(current int) int) (Page, error) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return Page{}, ErrNotReady
	}
	next := target(s.current)
	if next < 0 || next >= s.total || (next == s.current && (s.pageLoading || s.showingCurrentLocked())) {
		page := s.currentPageLocked()
		s.mu.Unlock()
		s.metrics.ObserveNavigation(intent, false)
		return page, nil
	}
	s.current = next
	s.metrics.ObserveNavigation(intent, true)
	return s.showLocked(ctx)
}

// showLocked loads and displays the current page. It is called with s.mu held
// and returns with it released.
func (s *Session) showLocked(ctx context.Context) (Page, error) {
	s.loadSeq++
	seq, gen := s.loadSeq, s.generation
	doc, index, total, epoch := s.document, s.current, s.total, s.epoch

	s.sched.Schedule(s.scope, epoch, doc, index, total, s.lookahead)

	// Pinned before lookup: a prefetch insert must not evict the target
	// between its insertion and display.
	s.cache.Pin(doc, index)
	if img, ok := s.sched.Cached(doc, index); ok {
		page := Page{Document: doc, Index: index, Total: total, Image: img, FromCache: true}
		s.displayLocked(page)
		s.mu.Unlock()
		return page, nil
	}
	s.pageLoading = true
	s.mu.Unlock()

	img, err := s.sched.Await(ctx, epoch, doc, index)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		s.logger.Debug("load superseded", slog.String("document", doc), slog.Int("index", index))
		return Page{}, ErrSuperseded
	}
	if s.loadSeq != seq {
		s.cache.Unpin(doc, index)
		s.logger.Debug("load superseded", slog.String("document", doc), slog.Int("index", index))
		return Page{}, ErrSuperseded
	}
	s.pageLoading = false
	if err != nil {
		s.cache.Unpin(doc, index)
		if ctx.Err() != nil {
			return Page{}, err
		}
		s.logger.Error("page decode failed",
			slog.String("document", doc),
			slog.Int("index", index),
			slog.Any("error", err),
		)
		return Page{}, &DecodeError{Document: doc, Index: index, Err: err}
	}
	page := Page{Document: doc, Index: index, Total: total, Image: img}
	s.displayLocked(page)
	return page, nil
}

// displayLocked puts page on screen. The caller already holds a pin on it.
func (s *Session) displayLocked(page Page) {
	if s.displayed != nil {
		s.cache.Unpin(s.displayed.Document, s.displayed.Index)
	}
	s.displayed = &page
	s.pageLoading = false
}

func (s *Session) showingCurrentLocked() bool {
	return s.displayed != nil && s.displayed.Index == s.current
}

func (s *Session) currentPageLocked() Page {
	if s.showingCurrentLocked() {
		return *s.displayed
	}
	return Page{Document: s.document, Index: s.current, Total: s.total}
}

// resetLocked drops everything tied to the open document: queued prefetches,
// the display pin and the document's page cache scope.
func (s *Session) resetLocked() {
	if s.cancelScope != nil {
		s.cancelScope()
		s.cancelScope = nil
	}
	s.scope = context.Background()
	if s.displayed != nil {
		s.cache.Unpin(s.displayed.Document, s.displayed.Index)
		s.displayed = nil
	}
	if s.document != "" {
		removed := s.cache.Clear(s.document)
		s.logger.Debug("document scope cleared", slog.String("document", s.document), slog.Int("pages", removed))
	}
	s.document = ""
	s.current = 0
	s.total = 0
	s.pageLoading = false
	s.metrics.SetCacheUsage(s.cache.Len(), s.cache.Bytes())
}
