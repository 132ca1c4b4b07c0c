package requests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/history"
	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/notification"
	"github.com/fetcharr/fetcharr/internal/ratelimit"
)

type fakeSearcher struct {
	candidates []indexer.Candidate
	err        error
}

func (f *fakeSearcher) Search(_ context.Context, _ string) ([]indexer.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

type fakeDownloader struct {
	mu         sync.Mutex
	submitErrs []error
	submits    int
	script     []downloader.PollResult
	scriptIdx  int
	cancelled  []downloader.Handle
	released   []downloader.Handle
}

func (f *fakeDownloader) Submit(_ context.Context, _ string) (downloader.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return downloader.Handle(fmt.Sprintf("h%d", f.submits)), nil
}

func (f *fakeDownloader) Poll(_ context.Context, _ downloader.Handle) (downloader.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return downloader.PollResult{Status: downloader.StatusQueued}, nil
	}
	res := f.script[f.scriptIdx]
	if f.scriptIdx < len(f.script)-1 {
		f.scriptIdx++
	}
	return res, nil
}

func (f *fakeDownloader) Cancel(_ context.Context, handle downloader.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeDownloader) Release(_ context.Context, handle downloader.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, handle)
	return nil
}

func (f *fakeDownloader) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeDownloader) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

func (f *fakeDownloader) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type fakeExtractor struct {
	file string
	err  error
}

func (f *fakeExtractor) Prepare(_ context.Context, files []string, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.file != "" {
		return f.file, nil
	}
	return files[0], nil
}

type fakeLibrary struct {
	mu             sync.Mutex
	rescanErr      error
	availableAfter int
	checks         int
}

func (f *fakeLibrary) Rescan(_ context.Context) error {
	return f.rescanErr
}

func (f *fakeLibrary) CheckAvailable(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.checks > f.availableAfter, nil
}

type fakeLimiter struct {
	deny map[string]time.Duration
}

func (f *fakeLimiter) Admit(_ string, action string) ratelimit.Decision {
	if wait, ok := f.deny[action]; ok {
		return ratelimit.Decision{Allowed: false, RetryAfter: wait}
	}
	return ratelimit.Decision{Allowed: true}
}

type recordingNotifier struct {
	mu       sync.Mutex
	progress []notification.ProgressEvent
	outcomes []notification.OutcomeEvent
}

func (r *recordingNotifier) OnProgress(_ context.Context, e notification.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, e)
	return nil
}

func (r *recordingNotifier) OnOutcome(_ context.Context, e notification.OutcomeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, e)
	return nil
}

func (r *recordingNotifier) outcomeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func (r *recordingNotifier) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress)
}

type recordingArchiver struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (r *recordingArchiver) Record(_ context.Context, e history.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingArchiver) list() []history.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Entry(nil), r.entries...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	states []State
}

func (r *recordingPublisher) Publish(eventType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	if req, ok := payload.(*Request); ok {
		r.states = append(r.states, req.State)
	}
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// statePath is the sequence of states announced over request:state.
func (r *recordingPublisher) statePath() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type fixture struct {
	searcher   *fakeSearcher
	downloader *fakeDownloader
	extractor  *fakeExtractor
	library    *fakeLibrary
	limiter    *fakeLimiter
	notifier   *recordingNotifier
	archiver   *recordingArchiver
	publisher  *recordingPublisher
	svc        *Service
}

func testCandidates() []indexer.Candidate {
	return []indexer.Candidate{
		{Title: "Movie.2020.1080p", Seeders: 120, MagnetLink: "magnet:?xt=urn:btih:aaa", Rank: 0},
		{Title: "Movie.2020.720p", Seeders: 30, MagnetLink: "magnet:?xt=urn:btih:bbb", Rank: 1},
		{Title: "Movie.2020.CAM", Seeders: 2, MagnetLink: "magnet:?xt=urn:btih:ccc", Rank: 2},
	}
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := Config{
		SelectionTimeout:   2 * time.Second,
		SubmitRetries:      1,
		DownloadRetries:    1,
		PollInterval:       time.Millisecond,
		PollFailureLimit:   3,
		ProgressStep:       0.25,
		RetryBackoff:       time.Millisecond,
		ExtractTimeout:     time.Second,
		LibraryPollRetries: 4,
		LibraryPollBackoff: time.Millisecond,
		LibraryPollMaxWait: 5 * time.Millisecond,
		MaxActiveDownloads: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		searcher:   &fakeSearcher{candidates: testCandidates()},
		downloader: &fakeDownloader{},
		extractor:  &fakeExtractor{},
		library:    &fakeLibrary{},
		limiter:    &fakeLimiter{},
		notifier:   &recordingNotifier{},
		archiver:   &recordingArchiver{},
		publisher:  &recordingPublisher{},
	}
	f.svc = NewService(cfg, Deps{
		Searcher:   f.searcher,
		Downloader: f.downloader,
		Extractor:  f.extractor,
		Library:    f.library,
		Limiter:    f.limiter,
		Notifier:   f.notifier,
		Publisher:  f.publisher,
		Archiver:   f.archiver,
	}, zerolog.Nop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.svc.Shutdown(ctx)
	})
	return f
}

func (f *fixture) waitForState(t *testing.T, userID, requestID string, state State) *Request {
	t.Helper()
	var got *Request
	require.Eventually(t, func() bool {
		req, err := f.svc.Get(userID, requestID)
		if err != nil {
			return false
		}
		got = req
		return req.State == state
	}, 3*time.Second, time.Millisecond, "request never reached state %s (last: %+v)", state, got)
	return got
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusQueued},
		{Status: downloader.StatusDownloading, Progress: 0.3},
		{Status: downloader.StatusDownloading, Progress: 0.8},
		{Status: downloader.StatusCompleted, Progress: 1, Files: []string{"/downloads/Movie/movie.mkv"}},
	}

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	assert.Equal(t, StateSearching, req.State)

	waiting := f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.Len(t, waiting.Candidates, 3)
	assert.Equal(t, "Movie.2020.1080p", waiting.Candidates[0].Title)

	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))

	done := f.waitForState(t, "alice", req.ID, StateDelivered)
	assert.Equal(t, "/downloads/Movie/movie.mkv", done.File)
	assert.Equal(t, 1.0, done.Progress)
	require.NotNil(t, done.Selected)
	assert.Equal(t, "Movie.2020.1080p", done.Selected.Title)
	assert.Empty(t, done.Candidates, "candidates dropped after selection")

	// torrent released with files kept, never cancelled
	assert.Equal(t, 1, f.downloader.releaseCount())
	assert.Equal(t, 0, f.downloader.cancelCount())

	// one outcome, progress notifications at the 25% steps
	require.Equal(t, 1, f.notifier.outcomeCount())
	assert.Equal(t, "delivered", f.notifier.outcomes[0].State)
	assert.Equal(t, 2, f.notifier.progressCount())

	// archived once with the file path
	entries := f.archiver.list()
	require.Len(t, entries, 1)
	assert.Equal(t, "delivered", entries[0].State)
	assert.Equal(t, "/downloads/Movie/movie.mkv", entries[0].FilePath)

	assert.Contains(t, f.publisher.types(), "request:state")
	assert.Contains(t, f.publisher.types(), "request:progress")

	assert.Empty(t, f.svc.ListActive(), "finished request can no longer be active")
}

func TestStartSearchValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.StartSearch(context.Background(), "alice", "   ")
	assert.ErrorIs(t, err, ErrEmptyTitle)
}

func TestStartSearchRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	f.limiter.deny = map[string]time.Duration{ratelimit.ActionSearch: 42 * time.Second}

	_, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.ErrorIs(t, err, ErrRateLimited)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 42*time.Second, rle.RetryAfter)
}

func TestDuplicateTitleRejected(t *testing.T) {
	f := newFixture(t, nil)

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)

	// same user, same title (case-insensitive) is rejected
	_, err = f.svc.StartSearch(context.Background(), "alice", "movie")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// a different user may request the same title
	_, err = f.svc.StartSearch(context.Background(), "bob", "Movie")
	assert.NoError(t, err)

	// once finished, the title frees up
	require.NoError(t, f.svc.Cancel(context.Background(), "alice", req.ID))
	f.waitForState(t, "alice", req.ID, StateCancelled)

	_, err = f.svc.StartSearch(context.Background(), "alice", "Movie")
	assert.NoError(t, err)
}

func TestSearchNoResults(t *testing.T) {
	f := newFixture(t, nil)
	f.searcher.err = indexer.ErrNoResults

	req, err := f.svc.StartSearch(context.Background(), "alice", "Obscure Title")
	require.NoError(t, err)

	done := f.waitForState(t, "alice", req.ID, StateFailed)
	assert.Contains(t, done.Reason, "no results")

	require.Equal(t, 1, f.notifier.outcomeCount())
	assert.Equal(t, "failed", f.notifier.outcomes[0].State)
	require.Len(t, f.archiver.list(), 1)
}

func TestSelectionTimeoutCancels(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SelectionTimeout = 30 * time.Millisecond })

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)

	done := f.waitForState(t, "alice", req.ID, StateCancelled)
	assert.Contains(t, done.Reason, "selection timed out")

	require.Equal(t, 1, f.notifier.outcomeCount())
	assert.Equal(t, "cancelled", f.notifier.outcomes[0].State)
}

func TestSelectValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusDownloading, Progress: 0.1},
	}

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)

	ctx := context.Background()
	assert.ErrorIs(t, f.svc.Select(ctx, "alice", "no-such-id", 0), ErrNotFound)
	assert.ErrorIs(t, f.svc.Select(ctx, "mallory", req.ID, 0), ErrNotOwner)
	assert.ErrorIs(t, f.svc.Select(ctx, "alice", req.ID, 99), ErrInvalidSelection)
	assert.ErrorIs(t, f.svc.Select(ctx, "alice", req.ID, -1), ErrInvalidSelection)

	require.NoError(t, f.svc.Select(ctx, "alice", req.ID, 1))
	f.waitForState(t, "alice", req.ID, StateDownloading)

	// selecting again once the download started is invalid
	assert.ErrorIs(t, f.svc.Select(ctx, "alice", req.ID, 0), ErrInvalidState)
}

func TestSecondPickRejectedWhilePending(t *testing.T) {
	f := newFixture(t, nil)

	// a request parked in awaiting selection with no worker attached,
	// so the first pick stays undelivered
	tr := &tracked{
		req: &Request{
			ID:         "r1",
			UserID:     "alice",
			Title:      "Movie",
			State:      StateAwaitingSelection,
			Candidates: testCandidates(),
		},
		picked: make(chan struct{}, 1),
		cancel: func() {},
	}
	f.svc.mu.Lock()
	f.svc.active[tr.req.ID] = tr
	f.svc.mu.Unlock()

	ctx := context.Background()
	require.NoError(t, f.svc.Select(ctx, "alice", "r1", 0))
	assert.ErrorIs(t, f.svc.Select(ctx, "alice", "r1", 1), ErrBusy)

	// the accepted pick is the first one
	f.svc.mu.RLock()
	defer f.svc.mu.RUnlock()
	assert.Equal(t, 0, tr.pick)
}

func TestDownloadingStateNeverSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusCompleted, Progress: 1, Files: []string{"/downloads/Movie/movie.mkv"}},
	}

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))
	f.waitForState(t, "alice", req.ID, StateDelivered)

	// a job that finishes on its first poll still passes through
	// downloading on its way out
	assert.Equal(t, []State{
		StateAwaitingSelection,
		StateSubmitting,
		StateDownloading,
		StateExtracting,
		StateUpdatingLibrary,
		StateDelivered,
	}, f.publisher.statePath())
}

func TestSelectRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	f.limiter.deny = map[string]time.Duration{ratelimit.ActionSelect: 10 * time.Second}

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)

	err = f.svc.Select(context.Background(), "alice", req.ID, 0)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCancelDuringDownload(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusDownloading, Progress: 0.1},
	}

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))
	f.waitForState(t, "alice", req.ID, StateDownloading)

	require.NoError(t, f.svc.Cancel(context.Background(), "alice", req.ID))
	done := f.waitForState(t, "alice", req.ID, StateCancelled)
	assert.Equal(t, "cancelled by user", done.Reason)

	// partial download removed, nothing released
	require.Eventually(t, func() bool { return f.downloader.cancelCount() == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, 0, f.downloader.releaseCount())

	// exactly one outcome even if cancel raced the worker
	assert.ErrorIs(t, f.svc.Cancel(context.Background(), "alice", req.ID), ErrAlreadyFinished)
	assert.Equal(t, 1, f.notifier.outcomeCount())
	assert.Equal(t, "cancelled", f.notifier.outcomes[0].State)
}

func TestCancelOwnership(t *testing.T) {
	f := newFixture(t, nil)

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)

	assert.ErrorIs(t, f.svc.Cancel(context.Background(), "mallory", req.ID), ErrNotOwner)
	assert.ErrorIs(t, f.svc.Cancel(context.Background(), "alice", "nope"), ErrNotFound)
}

func TestSubmitRetriesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.submitErrs = []error{downloader.ErrSubmissionRejected, nil}
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusCompleted, Progress: 1, Files: []string{"/downloads/movie.mkv"}},
	}

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))

	f.waitForState(t, "alice", req.ID, StateDelivered)
	assert.Equal(t, 2, f.downloader.submitCount())
}

func TestSubmitFailurePermanent(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SubmitRetries = 2 })
	f.downloader.submitErrs = []error{
		downloader.ErrSubmissionRejected,
		downloader.ErrSubmissionRejected,
		downloader.ErrSubmissionRejected,
	}

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))

	done := f.waitForState(t, "alice", req.ID, StateFailed)
	assert.Contains(t, done.Reason, "submitting download")
	assert.Equal(t, 3, f.downloader.submitCount())
}

func TestDownloadFailureResubmits(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DownloadRetries = 1 })
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusFailed, Reason: "no seeders"},
	}

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))

	done := f.waitForState(t, "alice", req.ID, StateFailed)
	assert.Contains(t, done.Reason, "no seeders")

	// original attempt plus one resubmit
	assert.Equal(t, 2, f.downloader.submitCount())
	// both failed torrents removed from the engine
	assert.Equal(t, 2, f.downloader.cancelCount())
}

func TestExtractFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusCompleted, Progress: 1, Files: []string{"/downloads/movie.rar"}},
	}
	f.extractor.err = fmt.Errorf("unsupported archive format: .rar")

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))

	done := f.waitForState(t, "alice", req.ID, StateFailed)
	assert.Contains(t, done.Reason, "preparing video")
}

func TestLibraryNeverPicksUpFile(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusCompleted, Progress: 1, Files: []string{"/downloads/movie.mkv"}},
	}
	f.library.availableAfter = 1000

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))

	done := f.waitForState(t, "alice", req.ID, StateFailed)
	assert.Contains(t, done.Reason, "did not appear in library")
}

func TestLibraryAvailableAfterRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusCompleted, Progress: 1, Files: []string{"/downloads/movie.mkv"}},
	}
	f.library.availableAfter = 2

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))

	f.waitForState(t, "alice", req.ID, StateDelivered)
}

func TestDownloadSlotCeiling(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxActiveDownloads = 1 })
	f.downloader.script = []downloader.PollResult{
		{Status: downloader.StatusDownloading, Progress: 0.1},
	}
	ctx := context.Background()

	first, err := f.svc.StartSearch(ctx, "alice", "Movie One")
	require.NoError(t, err)
	second, err := f.svc.StartSearch(ctx, "alice", "Movie Two")
	require.NoError(t, err)

	f.waitForState(t, "alice", first.ID, StateAwaitingSelection)
	f.waitForState(t, "alice", second.ID, StateAwaitingSelection)

	require.NoError(t, f.svc.Select(ctx, "alice", first.ID, 0))
	f.waitForState(t, "alice", first.ID, StateDownloading)

	require.NoError(t, f.svc.Select(ctx, "alice", second.ID, 0))

	// with one slot taken, the second request cannot start downloading
	time.Sleep(50 * time.Millisecond)
	req, err := f.svc.Get("alice", second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitting, req.State)

	// freeing the slot lets it through
	require.NoError(t, f.svc.Cancel(ctx, "alice", first.ID))
	f.waitForState(t, "alice", second.ID, StateDownloading)
}

func TestListActiveAndPrune(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.StartSearch(ctx, "alice", "Movie One")
	require.NoError(t, err)
	second, err := f.svc.StartSearch(ctx, "bob", "Movie Two")
	require.NoError(t, err)

	f.waitForState(t, "alice", first.ID, StateAwaitingSelection)
	f.waitForState(t, "bob", second.ID, StateAwaitingSelection)

	active := f.svc.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID, "oldest first")

	require.NoError(t, f.svc.Cancel(ctx, "alice", first.ID))
	f.waitForState(t, "alice", first.ID, StateCancelled)

	assert.Len(t, f.svc.ListActive(), 1)

	// the finished request is still retrievable until pruned
	_, err = f.svc.Get("alice", first.ID)
	require.NoError(t, err)

	removed := f.svc.PruneFinished(0)
	assert.Equal(t, 1, removed)
	_, err = f.svc.Get("alice", first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOwnership(t *testing.T) {
	f := newFixture(t, nil)

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)

	_, err = f.svc.Get("mallory", req.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.Get("alice", "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPollFailureLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PollFailureLimit = 2 })
	f.downloader.script = nil

	pollErrs := &erroringDownloader{fakeDownloader: f.downloader}
	f.svc.downloader = pollErrs

	req, err := f.svc.StartSearch(context.Background(), "alice", "Movie")
	require.NoError(t, err)
	f.waitForState(t, "alice", req.ID, StateAwaitingSelection)
	require.NoError(t, f.svc.Select(context.Background(), "alice", req.ID, 0))

	done := f.waitForState(t, "alice", req.ID, StateFailed)
	assert.Contains(t, done.Reason, "download client unreachable")
}

// erroringDownloader fails every poll while delegating the rest.
type erroringDownloader struct {
	*fakeDownloader
}

func (e *erroringDownloader) Poll(context.Context, downloader.Handle) (downloader.PollResult, error) {
	return downloader.PollResult{}, downloader.ErrNotConnected
}
