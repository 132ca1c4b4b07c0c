// Package downloader adapts the qBittorrent Web API to the narrow
// submit/poll/cancel surface the request workflow needs.
package downloader

import "errors"

// Common errors for the download client adapter.
var (
	// ErrSubmissionRejected indicates the engine refused the magnet
	// (malformed link, duplicate, rejected add). Not retried here;
	// the workflow engine owns the retry policy.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrNotConnected indicates the download engine could not be reached.
	ErrNotConnected = errors.New("download engine not reachable")

	// ErrUnknownHandle indicates the handle does not correlate to any
	// tracked download job.
	ErrUnknownHandle = errors.New("unknown download handle")
)

// Handle is an opaque identifier correlating a request to a download
// engine job. Issued and owned by the adapter.
type Handle string

// Status is the coarse state of a download job.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// PollResult is one non-blocking snapshot of a download job. Fields
// beyond Status are valid only for the status they belong to:
// Progress for Downloading, Files for Completed, Reason for Failed.
type PollResult struct {
	Status   Status
	Progress float64  // fraction 0..1
	Files    []string // absolute paths of the downloaded file set
	Reason   string
}
