package indexer

import "errors"

var (
	// ErrSourceUnavailable indicates the indexer could not be reached or
	// returned an unusable response. The search may be retried manually.
	ErrSourceUnavailable = errors.New("torrent source unavailable")

	// ErrNoResults indicates the query succeeded but matched nothing.
	// Distinct from failure so callers can word it differently.
	ErrNoResults = errors.New("no results found")
)
