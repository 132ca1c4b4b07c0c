// Package library talks to a Plex Media Server: triggering section
// rescans after a download lands and answering availability queries.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 30 * time.Second
	//nolint:gosec // header name constant, not a credential
	tokenHeader = "X-Plex-Token"
)

var ErrLibraryUnavailable = errors.New("library server unavailable")

// Movie is a single library item as reported by the media server.
type Movie struct {
	Title   string
	Year    int
	AddedAt time.Time
}

// Client provides HTTP communication with a Plex server.
type Client struct {
	baseURL    string
	token      string
	section    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Config contains configuration for creating a new Plex client.
type Config struct {
	URL     string
	Token   string
	Section string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewClient creates a new Plex HTTP client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("plex URL is required")
	}
	if cfg.Section == "" {
		return nil, fmt.Errorf("plex library section is required")
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		token:      cfg.Token,
		section:    cfg.Section,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger.With().Str("component", "plex-client").Logger(),
	}, nil
}

// Rescan asks the server to re-read the movie section from disk. The
// scan runs server-side; the call returns as soon as it is accepted.
func (c *Client) Rescan(ctx context.Context) error {
	path := fmt.Sprintf("/library/sections/%s/refresh", url.PathEscape(c.section))
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: refresh returned status %d", ErrLibraryUnavailable, resp.StatusCode)
	}
	c.logger.Info().Str("section", c.section).Msg("library rescan triggered")
	return nil
}

// CheckAvailable reports whether a movie with the given title is
// present in the section. Matching is case-insensitive on the full
// title.
func (c *Client) CheckAvailable(ctx context.Context, title string) (bool, error) {
	movies, err := c.sectionItems(ctx, "/all")
	if err != nil {
		return false, err
	}

	want := strings.ToLower(strings.TrimSpace(title))
	for _, m := range movies {
		if strings.ToLower(m.Title) == want {
			return true, nil
		}
	}
	return false, nil
}

// Recent returns the most recently added movies, newest first, capped
// at limit when limit is positive.
func (c *Client) Recent(ctx context.Context, limit int) ([]Movie, error) {
	movies, err := c.sectionItems(ctx, "/recentlyAdded")
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(movies) > limit {
		movies = movies[:limit]
	}
	return movies, nil
}

// Ping verifies the server is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/identity")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: identity returned status %d", ErrLibraryUnavailable, resp.StatusCode)
	}
	return nil
}

type mediaContainer struct {
	MediaContainer struct {
		Metadata []struct {
			Title   string `json:"title"`
			Year    int    `json:"year"`
			AddedAt int64  `json:"addedAt"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

func (c *Client) sectionItems(ctx context.Context, suffix string) ([]Movie, error) {
	path := fmt.Sprintf("/library/sections/%s%s", url.PathEscape(c.section), suffix)
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrLibraryUnavailable, suffix, resp.StatusCode)
	}

	var container mediaContainer
	if err := json.NewDecoder(resp.Body).Decode(&container); err != nil {
		return nil, fmt.Errorf("decoding library response: %w", err)
	}

	movies := make([]Movie, 0, len(container.MediaContainer.Metadata))
	for _, item := range container.MediaContainer.Metadata {
		movies = append(movies, Movie{
			Title:   item.Title,
			Year:    item.Year,
			AddedAt: time.Unix(item.AddedAt, 0),
		})
	}
	return movies, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(tokenHeader, c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibraryUnavailable, err)
	}
	return resp, nil
}
