// Package requests orchestrates the movie request workflow: search the
// indexer, wait for the user's pick, drive the download, unpack the
// result and confirm the library saw it. Each request runs on its own
// goroutine; the service is the synchronized front door.
package requests

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/history"
	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/notification"
	"github.com/fetcharr/fetcharr/internal/ratelimit"
)

// Searcher finds download candidates for a title.
type Searcher interface {
	Search(ctx context.Context, title string) ([]indexer.Candidate, error)
}

// Downloader drives the torrent engine.
type Downloader interface {
	Submit(ctx context.Context, magnet string) (downloader.Handle, error)
	Poll(ctx context.Context, handle downloader.Handle) (downloader.PollResult, error)
	Cancel(ctx context.Context, handle downloader.Handle) error
	Release(ctx context.Context, handle downloader.Handle) error
}

// Extractor turns downloaded files into a playable video.
type Extractor interface {
	Prepare(ctx context.Context, files []string, dest string) (string, error)
}

// Library is the media server the finished file must appear in.
type Library interface {
	Rescan(ctx context.Context) error
	CheckAvailable(ctx context.Context, title string) (bool, error)
}

// Limiter admits or rejects user actions.
type Limiter interface {
	Admit(userID string, action string) ratelimit.Decision
}

// Publisher pushes lifecycle events to connected clients.
type Publisher interface {
	Publish(eventType string, payload interface{}) error
}

// Archiver records finished requests.
type Archiver interface {
	Record(ctx context.Context, entry history.Entry) error
}

// Config holds the workflow knobs.
type Config struct {
	SelectionTimeout   time.Duration
	SubmitRetries      int
	DownloadRetries    int
	PollInterval       time.Duration
	PollFailureLimit   int
	ProgressStep       float64
	RetryBackoff       time.Duration
	ExtractTimeout     time.Duration
	LibraryPollRetries int
	LibraryPollBackoff time.Duration
	LibraryPollMaxWait time.Duration
	MaxActiveDownloads int
	MaxCandidates      int
}

func (c *Config) applyDefaults() {
	if c.SelectionTimeout <= 0 {
		c.SelectionTimeout = 5 * time.Minute
	}
	if c.SubmitRetries < 0 {
		c.SubmitRetries = 0
	}
	if c.DownloadRetries < 0 {
		c.DownloadRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.PollFailureLimit <= 0 {
		c.PollFailureLimit = 6
	}
	if c.ProgressStep <= 0 {
		c.ProgressStep = 0.25
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 10 * time.Minute
	}
	if c.LibraryPollRetries <= 0 {
		c.LibraryPollRetries = 5
	}
	if c.LibraryPollBackoff <= 0 {
		c.LibraryPollBackoff = 2 * time.Second
	}
	if c.LibraryPollMaxWait <= 0 {
		c.LibraryPollMaxWait = 30 * time.Second
	}
	if c.MaxActiveDownloads <= 0 {
		c.MaxActiveDownloads = 3
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 25
	}
}

// Deps are the service's collaborators. Notifier, Publisher and
// Archiver may be nil; the service substitutes no-ops.
type Deps struct {
	Searcher   Searcher
	Downloader Downloader
	Extractor  Extractor
	Library    Library
	Limiter    Limiter
	Notifier   notification.Notifier
	Publisher  Publisher
	Archiver   Archiver
	Clock      clockwork.Clock
}

// Service owns all active requests.
type Service struct {
	cfg        Config
	searcher   Searcher
	downloader Downloader
	extractor  Extractor
	library    Library
	limiter    Limiter
	notifier   notification.Notifier
	publisher  Publisher
	archiver   Archiver
	clock      clockwork.Clock
	logger     zerolog.Logger

	slots *semaphore.Weighted

	mu     sync.RWMutex
	active map[string]*tracked
	byKey  map[string]string

	wg sync.WaitGroup
}

// tracked pairs a request with its worker's control surfaces. The
// handle field is touched only by the worker goroutine. The pick is
// deposited under the service mutex and pickSet never resets, so a
// request accepts exactly one selection for its whole life.
type tracked struct {
	req       *Request
	pick      int
	pickSet   bool
	picked    chan struct{}
	cancel    context.CancelFunc
	handle    downloader.Handle
	finalized bool
}

// NewService creates the workflow service.
func NewService(cfg Config, deps Deps, logger zerolog.Logger) *Service {
	cfg.applyDefaults()

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Publisher == nil {
		deps.Publisher = noopPublisher{}
	}
	if deps.Archiver == nil {
		deps.Archiver = noopArchiver{}
	}

	return &Service{
		cfg:        cfg,
		searcher:   deps.Searcher,
		downloader: deps.Downloader,
		extractor:  deps.Extractor,
		library:    deps.Library,
		limiter:    deps.Limiter,
		notifier:   deps.Notifier,
		publisher:  deps.Publisher,
		archiver:   deps.Archiver,
		clock:      deps.Clock,
		logger:     logger.With().Str("component", "requests").Logger(),
		slots:      semaphore.NewWeighted(int64(cfg.MaxActiveDownloads)),
		active:     make(map[string]*tracked),
		byKey:      make(map[string]string),
	}
}

// StartSearch begins a new request for the user. The search and
// everything after it run in the background; the returned snapshot is
// the request as admitted.
func (s *Service) StartSearch(ctx context.Context, userID, title string) (*Request, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	if d := s.limiter.Admit(userID, ratelimit.ActionSearch); !d.Allowed {
		return nil, &RateLimitError{Action: ratelimit.ActionSearch, RetryAfter: d.RetryAfter}
	}

	key := dedupeKey(userID, title)

	s.mu.Lock()
	if _, exists := s.byKey[key]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyActive
	}

	now := s.clock.Now()
	req := &Request{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		State:       StateSearching,
		RequestedAt: now,
		UpdatedAt:   now,
	}

	// The worker outlives the HTTP request that started it.
	workerCtx, cancel := context.WithCancel(context.Background())
	tr := &tracked{req: req, picked: make(chan struct{}, 1), cancel: cancel}
	s.active[req.ID] = tr
	s.byKey[key] = req.ID
	out := *req
	s.mu.Unlock()

	s.logger.Info().Str("request_id", req.ID).Str("user_id", userID).Str("title", title).Msg("request admitted")

	s.wg.Add(1)
	go s.run(workerCtx, tr)

	return &out, nil
}

// Select delivers the user's pick to the waiting worker. The checks
// and the deposit share one critical section, so two concurrent picks
// can never both be accepted.
func (s *Service) Select(ctx context.Context, userID, requestID string, index int) error {
	if d := s.limiter.Admit(userID, ratelimit.ActionSelect); !d.Allowed {
		return &RateLimitError{Action: ratelimit.ActionSelect, RetryAfter: d.RetryAfter}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.active[requestID]
	if !ok {
		return ErrNotFound
	}
	if tr.req.UserID != userID {
		return ErrNotOwner
	}
	if tr.req.State.Terminal() {
		return ErrAlreadyFinished
	}
	if tr.req.State != StateAwaitingSelection {
		return ErrInvalidState
	}
	if index < 0 || index >= len(tr.req.Candidates) {
		return ErrInvalidSelection
	}
	if tr.pickSet {
		return ErrBusy
	}

	tr.pick = index
	tr.pickSet = true
	tr.picked <- struct{}{}
	return nil
}

// Cancel stops a request. The worker cleans up the torrent and
// finalizes as cancelled; Cancel itself returns immediately.
func (s *Service) Cancel(ctx context.Context, userID, requestID string) error {
	s.mu.RLock()
	tr, ok := s.active[requestID]
	if !ok {
		s.mu.RUnlock()
		return ErrNotFound
	}
	if tr.req.UserID != userID {
		s.mu.RUnlock()
		return ErrNotOwner
	}
	if tr.req.State.Terminal() {
		s.mu.RUnlock()
		return ErrAlreadyFinished
	}
	cancel := tr.cancel
	s.mu.RUnlock()

	cancel()
	return nil
}

// Get returns a snapshot of the user's request. Finished requests stay
// retrievable until pruned.
func (s *Service) Get(userID, requestID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.active[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if tr.req.UserID != userID {
		return nil, ErrNotOwner
	}
	out := snapshot(tr.req)
	return &out, nil
}

// ListActive returns snapshots of all requests still in flight, oldest
// first.
func (s *Service) ListActive() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Request, 0, len(s.active))
	for _, tr := range s.active {
		if tr.req.State.Terminal() {
			continue
		}
		out = append(out, snapshot(tr.req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// PruneFinished drops finished requests older than age from memory and
// reports how many were removed. The archive keeps the durable record.
func (s *Service) PruneFinished(age time.Duration) int {
	cutoff := s.clock.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, tr := range s.active {
		if tr.req.State.Terminal() && tr.req.UpdatedAt.Before(cutoff) {
			delete(s.active, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels every in-flight request and waits for the workers
// to finish or the context to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, tr := range s.active {
		tr.cancel()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dedupeKey(userID, title string) string {
	return userID + "|" + strings.ToLower(title)
}

func snapshot(req *Request) Request {
	out := *req
	out.Candidates = append([]indexer.Candidate(nil), req.Candidates...)
	if req.Selected != nil {
		selected := *req.Selected
		out.Selected = &selected
	}
	return out
}

type noopNotifier struct{}

func (noopNotifier) OnProgress(context.Context, notification.ProgressEvent) error { return nil }
func (noopNotifier) OnOutcome(context.Context, notification.OutcomeEvent) error   { return nil }

type noopPublisher struct{}

func (noopPublisher) Publish(string, interface{}) error { return nil }

type noopArchiver struct{}

func (noopArchiver) Record(context.Context, history.Entry) error { return nil }
