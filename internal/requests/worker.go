package requests

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/history"
	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/notification"
)

const cleanupTimeout = 15 * time.Second

var (
	errSelectionTimeout = errors.New("selection timed out")
	errDownloadFailed   = errors.New("download failed")
	errNotYetAvailable  = errors.New("not yet in library")
)

// run drives one request from search to a terminal state. It is the
// only goroutine that mutates the request after admission.
func (s *Service) run(ctx context.Context, tr *tracked) {
	defer s.wg.Done()

	logger := s.logger.With().Str("request_id", tr.req.ID).Str("title", tr.req.Title).Logger()

	candidates, err := s.search(ctx, tr.req.Title)
	if err != nil {
		s.finalizeErr(ctx, tr, logger, err)
		return
	}
	s.setState(tr, StateAwaitingSelection, func(r *Request) { r.Candidates = candidates })
	logger.Info().Int("candidates", len(candidates)).Msg("awaiting selection")

	index, err := s.awaitSelection(ctx, tr)
	if err != nil {
		s.finalizeErr(ctx, tr, logger, err)
		return
	}
	selected := candidates[index]
	s.setState(tr, StateSubmitting, func(r *Request) {
		r.Selected = &selected
		r.Candidates = nil
	})
	logger.Info().Str("release", selected.Title).Msg("candidate selected")

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.finalizeErr(ctx, tr, logger, err)
		return
	}
	files, err := func() ([]string, error) {
		defer s.slots.Release(1)
		return s.download(ctx, tr, logger, selected.MagnetLink)
	}()
	if err != nil {
		s.finalizeErr(ctx, tr, logger, err)
		return
	}

	s.setState(tr, StateExtracting, nil)
	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.ExtractTimeout)
	file, err := s.extractor.Prepare(extractCtx, files, extractDir(files, tr.req.ID))
	cancel()
	if err != nil {
		s.finalizeErr(ctx, tr, logger, fmt.Errorf("preparing video: %w", err))
		return
	}

	s.setState(tr, StateUpdatingLibrary, nil)
	if err := s.confirmInLibrary(ctx, tr.req.Title); err != nil {
		s.finalizeErr(ctx, tr, logger, err)
		return
	}

	s.finalize(tr, logger, StateDelivered, "", file)
}

func (s *Service) search(ctx context.Context, title string) ([]indexer.Candidate, error) {
	candidates, err := s.searcher.Search(ctx, title)
	if err != nil {
		if errors.Is(err, indexer.ErrNoResults) {
			return nil, fmt.Errorf("no results found for %q", title)
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(candidates) > s.cfg.MaxCandidates {
		candidates = candidates[:s.cfg.MaxCandidates]
	}
	return candidates, nil
}

func (s *Service) awaitSelection(ctx context.Context, tr *tracked) (int, error) {
	select {
	case <-tr.picked:
		s.mu.RLock()
		index := tr.pick
		s.mu.RUnlock()
		return index, nil
	case <-s.clock.After(s.cfg.SelectionTimeout):
		return 0, errSelectionTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// download submits the magnet and polls until completion. A failed
// download is resubmitted up to DownloadRetries times.
func (s *Service) download(ctx context.Context, tr *tracked, logger zerolog.Logger, magnet string) ([]string, error) {
	resubmits := 0
	for {
		handle, err := s.submit(ctx, magnet)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("submitting download: %w", err)
		}
		tr.handle = handle
		s.setState(tr, StateDownloading, nil)

		files, err := s.pollUntilDone(ctx, tr, logger)
		if err == nil {
			// keep the files, drop the torrent from the engine
			releaseCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if rerr := s.downloader.Release(releaseCtx, handle); rerr != nil {
				logger.Warn().Err(rerr).Msg("failed to release finished torrent")
			}
			cancel()
			tr.handle = ""

			if len(files) == 0 {
				return nil, errors.New("download finished with no files")
			}
			return files, nil
		}

		if errors.Is(err, errDownloadFailed) && resubmits < s.cfg.DownloadRetries {
			resubmits++
			logger.Warn().Err(err).Int("attempt", resubmits).Msg("download failed, resubmitting")
			s.discardTorrent(tr, logger)
			s.setState(tr, StateSubmitting, func(r *Request) { r.Progress = 0 })
			continue
		}
		return nil, err
	}
}

func (s *Service) submit(ctx context.Context, magnet string) (downloader.Handle, error) {
	var handle downloader.Handle
	err := retry.Do(
		func() error {
			h, err := s.downloader.Submit(ctx, magnet)
			if err != nil {
				return err
			}
			handle = h
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.SubmitRetries+1)),
		retry.Delay(s.cfg.RetryBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return handle, err
}

func (s *Service) pollUntilDone(ctx context.Context, tr *tracked, logger zerolog.Logger) ([]string, error) {
	failures := 0
	lastNotified := 0.0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.cfg.PollInterval):
		}

		res, err := s.downloader.Poll(ctx, tr.handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			if failures >= s.cfg.PollFailureLimit {
				return nil, fmt.Errorf("download client unreachable: %w", err)
			}
			logger.Warn().Err(err).Int("failures", failures).Msg("poll failed")
			continue
		}
		failures = 0

		switch res.Status {
		case downloader.StatusCompleted:
			s.updateProgress(tr, 1)
			return res.Files, nil

		case downloader.StatusFailed:
			reason := res.Reason
			if reason == "" {
				reason = "download client reported failure"
			}
			return nil, fmt.Errorf("%w: %s", errDownloadFailed, reason)

		case downloader.StatusDownloading:
			s.updateProgress(tr, res.Progress)
			if res.Progress-lastNotified >= s.cfg.ProgressStep {
				lastNotified = res.Progress
				s.notifier.OnProgress(ctx, notification.ProgressEvent{
					RequestID: tr.req.ID,
					UserID:    tr.req.UserID,
					Title:     tr.req.Title,
					Progress:  res.Progress,
				})
			}

		case downloader.StatusQueued:
			// metadata not resolved yet, keep waiting
		}
	}
}

func (s *Service) confirmInLibrary(ctx context.Context, title string) error {
	if err := s.library.Rescan(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("library rescan failed: %w", err)
	}

	err := retry.Do(
		func() error {
			available, err := s.library.CheckAvailable(ctx, title)
			if err != nil {
				return err
			}
			if !available {
				return errNotYetAvailable
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.LibraryPollRetries)),
		retry.Delay(s.cfg.LibraryPollBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(s.cfg.LibraryPollMaxWait),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("movie did not appear in library: %w", err)
	}
	return nil
}

// discardTorrent removes the engine job and its partial data. Used on
// failure, cancellation and before a resubmit.
func (s *Service) discardTorrent(tr *tracked, logger zerolog.Logger) {
	if tr.handle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.downloader.Cancel(ctx, tr.handle); err != nil {
		logger.Warn().Err(err).Msg("failed to remove torrent")
	}
	tr.handle = ""
}

// finalizeErr maps a workflow error to the terminal state. A worker
// stopped by its context finalizes as cancelled, and so does a request
// whose user never picked a candidate; everything else fails.
func (s *Service) finalizeErr(ctx context.Context, tr *tracked, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, errSelectionTimeout):
		s.finalize(tr, logger, StateCancelled, "selection timed out", "")
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		s.finalize(tr, logger, StateCancelled, "cancelled by user", "")
	default:
		s.finalize(tr, logger, StateFailed, err.Error(), "")
	}
}

// finalize records the terminal state exactly once: torrent cleanup,
// outcome notification, event and archive entry, then the state
// change. The request turns terminal only after every side effect has
// run, so an observer that sees a finished request sees its full
// record too.
func (s *Service) finalize(tr *tracked, logger zerolog.Logger, state State, reason, file string) {
	s.mu.Lock()
	if tr.finalized {
		s.mu.Unlock()
		return
	}
	tr.finalized = true
	req := tr.req
	finishedAt := s.clock.Now()
	delete(s.byKey, dedupeKey(req.UserID, req.Title))
	out := snapshot(req)
	s.mu.Unlock()

	out.State = state
	out.Reason = reason
	out.File = file
	out.UpdatedAt = finishedAt
	if state == StateDelivered {
		out.Progress = 1
	}

	if state != StateDelivered {
		s.discardTorrent(tr, logger)
	}

	logger.Info().Str("state", string(state)).Str("reason", reason).Msg("request finished")

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	s.notifier.OnOutcome(ctx, notification.OutcomeEvent{
		RequestID: out.ID,
		UserID:    out.UserID,
		Title:     out.Title,
		State:     string(state),
		Reason:    reason,
		File:      file,
	})
	s.publisher.Publish("request:state", eventPayload(&out))

	if err := s.archiver.Record(ctx, history.Entry{
		RequestID:   out.ID,
		UserID:      out.UserID,
		Title:       out.Title,
		State:       string(state),
		Reason:      reason,
		FilePath:    file,
		RequestedAt: out.RequestedAt,
		FinishedAt:  finishedAt,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to archive request")
	}

	s.mu.Lock()
	req.State = state
	req.Reason = reason
	req.File = file
	req.UpdatedAt = finishedAt
	if state == StateDelivered {
		req.Progress = 1
	}
	s.mu.Unlock()
}

func (s *Service) setState(tr *tracked, state State, mutate func(*Request)) {
	s.mu.Lock()
	tr.req.State = state
	tr.req.UpdatedAt = s.clock.Now()
	if mutate != nil {
		mutate(tr.req)
	}
	out := snapshot(tr.req)
	s.mu.Unlock()

	s.publisher.Publish("request:state", eventPayload(&out))
}

func (s *Service) updateProgress(tr *tracked, progress float64) {
	s.mu.Lock()
	tr.req.Progress = progress
	tr.req.UpdatedAt = s.clock.Now()
	id := tr.req.ID
	s.mu.Unlock()

	s.publisher.Publish("request:progress", map[string]interface{}{
		"id":       id,
		"progress": progress,
	})
}

// eventPayload strips the candidate list from stream events; clients
// fetch candidates over the API.
func eventPayload(req *Request) *Request {
	out := *req
	out.Candidates = nil
	return &out
}

func extractDir(files []string, requestID string) string {
	if len(files) == 0 {
		return ""
	}
	suffix := requestID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return filepath.Join(filepath.Dir(files[0]), "fetcharr-"+suffix)
}
