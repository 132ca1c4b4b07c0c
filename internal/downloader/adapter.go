package downloader

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	qbittorrent "github.com/autobrr/go-qbittorrent"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// engineClient is the subset of the qBittorrent API the adapter uses.
// Narrowed to an interface so tests can swap in a fake engine.
type engineClient interface {
	LoginCtx(ctx context.Context) error
	AddTorrentFromUrlCtx(ctx context.Context, url string, options map[string]string) error
	GetTorrentsCtx(ctx context.Context, o qbittorrent.TorrentFilterOptions) ([]qbittorrent.Torrent, error)
	GetFilesInformationCtx(ctx context.Context, hash string) (*qbittorrent.TorrentFiles, error)
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
}

// Config holds download client configuration.
type Config struct {
	Host     string
	Username string
	Password string
	Category string
}

// Adapter submits magnet links to qBittorrent and exposes single-shot
// polling and idempotent cancel. It owns the handle table mapping
// opaque handles to engine info hashes; it keeps no other request
// state.
type Adapter struct {
	engine   engineClient
	category string
	logger   zerolog.Logger

	mu       sync.Mutex
	handles  map[Handle]string // handle -> info hash
	loggedIn bool
}

// New creates an adapter connected to a qBittorrent instance.
func New(cfg Config, logger zerolog.Logger) *Adapter {
	client := qbittorrent.NewClient(qbittorrent.Config{
		Host:     cfg.Host,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	return newAdapter(client, cfg.Category, logger)
}

func newAdapter(engine engineClient, category string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		engine:   engine,
		category: category,
		logger:   logger.With().Str("component", "downloader").Logger(),
		handles:  make(map[Handle]string),
	}
}

var btihPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$|^[A-Za-z2-7]{32}$`)

// infoHashFromMagnet extracts the btih info hash from a magnet link.
func infoHashFromMagnet(magnet string) (string, error) {
	u, err := url.Parse(magnet)
	if err != nil || u.Scheme != "magnet" {
		return "", fmt.Errorf("not a magnet link")
	}
	for _, xt := range u.Query()["xt"] {
		hash := strings.TrimPrefix(xt, "urn:btih:")
		if hash != xt && btihPattern.MatchString(hash) {
			return strings.ToLower(hash), nil
		}
	}
	return "", fmt.Errorf("no btih info hash")
}

// Submit adds a magnet link to the download engine and returns the
// handle for the created job. Malformed magnets and engine rejections
// fail with ErrSubmissionRejected and are never retried here.
func (a *Adapter) Submit(ctx context.Context, magnet string) (Handle, error) {
	hash, err := infoHashFromMagnet(magnet)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	if err := a.ensureLogin(ctx); err != nil {
		return "", err
	}

	opts := map[string]string{}
	if a.category != "" {
		opts["category"] = a.category
	}
	if err := a.engine.AddTorrentFromUrlCtx(ctx, magnet, opts); err != nil {
		a.logger.Error().Err(err).Str("hash", hash).Msg("engine rejected torrent")
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	handle := Handle(uuid.NewString())
	a.mu.Lock()
	a.handles[handle] = hash
	a.mu.Unlock()

	a.logger.Info().Str("hash", hash).Str("handle", string(handle)).Msg("torrent submitted")
	return handle, nil
}

// Poll reports a single non-blocking snapshot of the job. A job the
// engine does not list yet is reported as Queued; magnet resolution can
// lag the add by several seconds.
func (a *Adapter) Poll(ctx context.Context, handle Handle) (PollResult, error) {
	hash, ok := a.lookup(handle)
	if !ok {
		return PollResult{}, ErrUnknownHandle
	}

	if err := a.ensureLogin(ctx); err != nil {
		return PollResult{}, err
	}

	torrents, err := a.engine.GetTorrentsCtx(ctx, qbittorrent.TorrentFilterOptions{
		Hashes: []string{hash},
	})
	if err != nil {
		return PollResult{}, fmt.Errorf("poll failed: %w", err)
	}
	if len(torrents) == 0 {
		return PollResult{Status: StatusQueued}, nil
	}

	t := torrents[0]
	switch {
	case t.State == qbittorrent.TorrentStateError || t.State == qbittorrent.TorrentStateMissingFiles:
		return PollResult{Status: StatusFailed, Reason: fmt.Sprintf("engine state %s", t.State)}, nil
	case t.Progress >= 1.0:
		files, err := a.fileSet(ctx, hash, t.SavePath)
		if err != nil {
			return PollResult{}, err
		}
		return PollResult{Status: StatusCompleted, Progress: 1.0, Files: files}, nil
	case isQueuedState(t.State):
		return PollResult{Status: StatusQueued}, nil
	default:
		return PollResult{Status: StatusDownloading, Progress: t.Progress}, nil
	}
}

// Cancel removes the job and its partial data. Idempotent: unknown or
// already-removed handles are a no-op.
func (a *Adapter) Cancel(ctx context.Context, handle Handle) error {
	hash, ok := a.take(handle)
	if !ok {
		return nil
	}

	if err := a.ensureLogin(ctx); err != nil {
		return err
	}
	if err := a.engine.DeleteTorrentsCtx(ctx, []string{hash}, true); err != nil {
		return fmt.Errorf("cancel failed: %w", err)
	}

	a.logger.Info().Str("hash", hash).Msg("torrent cancelled")
	return nil
}

// Release removes the finished job from the engine keeping the files
// on disk, and forgets the handle.
func (a *Adapter) Release(ctx context.Context, handle Handle) error {
	hash, ok := a.take(handle)
	if !ok {
		return nil
	}

	if err := a.ensureLogin(ctx); err != nil {
		return err
	}
	if err := a.engine.DeleteTorrentsCtx(ctx, []string{hash}, false); err != nil {
		return fmt.Errorf("release failed: %w", err)
	}

	a.logger.Info().Str("hash", hash).Msg("torrent released, files kept")
	return nil
}

// Ping verifies the engine connection.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.engine.LoginCtx(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	a.mu.Lock()
	a.loggedIn = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ensureLogin(ctx context.Context) error {
	a.mu.Lock()
	loggedIn := a.loggedIn
	a.mu.Unlock()
	if loggedIn {
		return nil
	}
	return a.Ping(ctx)
}

func (a *Adapter) lookup(handle Handle) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hash, ok := a.handles[handle]
	return hash, ok
}

// take looks up and forgets a handle in one step.
func (a *Adapter) take(handle Handle) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hash, ok := a.handles[handle]
	if ok {
		delete(a.handles, handle)
	}
	return hash, ok
}

func (a *Adapter) fileSet(ctx context.Context, hash, savePath string) ([]string, error) {
	files, err := a.engine.GetFilesInformationCtx(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("file listing failed: %w", err)
	}

	paths := make([]string, 0, len(*files))
	for _, f := range *files {
		paths = append(paths, filepath.Join(savePath, f.Name))
	}
	return paths, nil
}

func isQueuedState(s qbittorrent.TorrentState) bool {
	switch s {
	case qbittorrent.TorrentStateQueuedDl,
		qbittorrent.TorrentStateMetaDl,
		qbittorrent.TorrentStateAllocating,
		qbittorrent.TorrentStateCheckingDl,
		qbittorrent.TorrentStateCheckingResumeData:
		return true
	default:
		return false
	}
}
