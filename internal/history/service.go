// Package history archives finished requests so users can review what
// they asked for and how it ended.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one archived request.
type Entry struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"requestId"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	FilePath    string    `json:"filePath,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Service stores and queries the request archive.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a new history service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Record archives a finished request. Every terminal state is recorded,
// including failures and cancellations.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_history (request_id, user_id, title, state, reason, file_path, requested_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.UserID, entry.Title, entry.State,
		entry.Reason, entry.FilePath, entry.RequestedAt.UTC(), entry.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording history entry: %w", err)
	}
	return nil
}

// ListByUser returns a user's archived requests, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, user_id, title, state, reason, file_path, requested_at, finished_at
		FROM request_history
		WHERE user_id = ?
		ORDER BY finished_at DESC
		LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.UserID, &e.Title, &e.State,
			&e.Reason, &e.FilePath, &e.RequestedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneOlderThan deletes entries that finished before the cutoff and
// reports how many were removed. The scheduler runs this daily.
func (s *Service) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	res, err := s.db.ExecContext(ctx, `DELETE FROM request_history WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("pruned history entries")
	}
	return removed, nil
}
