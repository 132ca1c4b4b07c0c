// Package indexer provides the torrent source client used to find
// release candidates for a movie title.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// defaultTrackers are appended to generated magnet links so clients can
// find peers even when DHT is slow to resolve the info hash.
var defaultTrackers = []string{
	"udp://tracker.openbittorrent.com:80/announce",
	"udp://tracker.opentrackr.org:1337/announce",
}

// Config contains configuration for creating a new indexer client.
type Config struct {
	URL      string
	Timeout  time.Duration
	Category int
	Logger   zerolog.Logger
}

// Client queries an apibay-style torrent index over HTTP.
type Client struct {
	baseURL    string
	category   int
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new indexer client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("indexer URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	category := cfg.Category
	if category == 0 {
		category = 200 // video
	}

	logger := cfg.Logger.With().
		Str("component", "indexer").
		Str("url", cfg.URL).
		Logger()

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		category:   category,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Search queries the index for a title and returns candidates in the
// indexer's order. A transient failure is retried once with backoff
// before ErrSourceUnavailable is surfaced. An empty result set is
// reported as ErrNoResults, not as a failure.
func (c *Client) Search(ctx context.Context, title string) ([]Candidate, error) {
	var torrents []apibayTorrent

	err := retry.Do(
		func() error {
			var attemptErr error
			torrents, attemptErr = c.query(ctx, title)
			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.logger.Error().Err(err).Str("title", title).Msg("search failed")
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	candidates := c.toCandidates(torrents)
	if len(candidates) == 0 {
		c.logger.Debug().Str("title", title).Msg("search returned no results")
		return nil, ErrNoResults
	}

	c.logger.Info().Str("title", title).Int("count", len(candidates)).Msg("search completed")
	return candidates, nil
}

// Ping checks that the index endpoint responds.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.query(ctx, "ping")
	return err
}

func (c *Client) query(ctx context.Context, title string) ([]apibayTorrent, error) {
	reqURL := fmt.Sprintf("%s/q.php?q=%s&cat=%d", c.baseURL, url.QueryEscape(title), c.category)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var torrents []apibayTorrent
	if err := json.NewDecoder(resp.Body).Decode(&torrents); err != nil {
		return nil, fmt.Errorf("invalid response body: %w", err)
	}

	return torrents, nil
}

// toCandidates converts raw entries, dropping the "no results" placeholder
// row apibay returns instead of an empty list, and anything without an
// info hash.
func (c *Client) toCandidates(torrents []apibayTorrent) []Candidate {
	candidates := make([]Candidate, 0, len(torrents))
	for _, t := range torrents {
		if t.InfoHash == "" || isPlaceholder(t) {
			continue
		}
		candidates = append(candidates, Candidate{
			Title:      t.Name,
			Size:       parseInt64(t.Size),
			Seeders:    parseInt(t.Seeders),
			Leechers:   parseInt(t.Leechers),
			InfoHash:   strings.ToLower(t.InfoHash),
			MagnetLink: buildMagnet(t.InfoHash, t.Name),
			Rank:       len(candidates),
		})
	}
	return candidates
}

func isPlaceholder(t apibayTorrent) bool {
	return t.ID == "0" || strings.EqualFold(t.Name, "No results returned")
}

func buildMagnet(infoHash, name string) string {
	var sb strings.Builder
	sb.WriteString("magnet:?xt=urn:btih:")
	sb.WriteString(strings.ToLower(infoHash))
	sb.WriteString("&dn=")
	sb.WriteString(url.QueryEscape(name))
	for _, tr := range defaultTrackers {
		sb.WriteString("&tr=")
		sb.WriteString(url.QueryEscape(tr))
	}
	return sb.String()
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
