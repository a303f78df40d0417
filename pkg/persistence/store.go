package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"looper/pkg/logx"
	"looper/pkg/loop"
)

// Store errors.
var (
	ErrLoopNotFound    = errors.New("loop not found")
	ErrCommentNotFound = errors.New("review comment not found")
)

// Store provides loop and review-comment persistence on top of an open
// database handle.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: logx.Component("store"),
	}
}

// SaveLoop inserts or fully replaces a loop record.
func (s *Store) SaveLoop(ctx context.Context, l *loop.Loop) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid loop: %w", err)
	}

	configJSON, err := json.Marshal(l.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal loop config: %w", err)
	}
	stateJSON, err := json.Marshal(l.State)
	if err != nil {
		return fmt.Errorf("failed to marshal loop state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loops (id, directory, status, config_json, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			directory   = excluded.directory,
			status      = excluded.status,
			config_json = excluded.config_json,
			state_json  = excluded.state_json,
			updated_at  = excluded.updated_at
	`,
		l.Config.ID,
		l.Config.Directory,
		string(l.State.Status),
		string(configJSON),
		string(stateJSON),
		l.Config.CreatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save loop %s: %w", l.Config.ID, err)
	}
	return nil
}

// LoadLoop retrieves a loop by id.
func (s *Store) LoadLoop(ctx context.Context, id string) (*loop.Loop, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT config_json, state_json FROM loops WHERE id = ?`, id)
	return scanLoop(row)
}

// UpdateLoopState replaces only the state of an existing loop.
func (s *Store) UpdateLoopState(ctx context.Context, id string, state *loop.State) error {
	if !state.Status.IsValid() {
		return fmt.Errorf("invalid loop status: %s", state.Status)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal loop state: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE loops SET status = ?, state_json = ?, updated_at = ?
		WHERE id = ?
	`,
		string(state.Status),
		string(stateJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update loop state for %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrLoopNotFound
	}
	return nil
}

// ListLoops retrieves all loops ordered by creation time.
func (s *Store) ListLoops(ctx context.Context) ([]*loop.Loop, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config_json, state_json FROM loops ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loops: %w", err)
	}
	defer rows.Close()

	loops := make([]*loop.Loop, 0)
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, err
		}
		loops = append(loops, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate loops: %w", err)
	}
	return loops, nil
}

// DeleteLoop physically removes a loop record and its review comments.
func (s *Store) DeleteLoop(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM loops WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete loop %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrLoopNotFound
	}
	return nil
}

// GetActiveLoopByDirectory returns a loop in an active status whose
// directory matches and whose id differs from excludeID, or nil if none
// exists. This is the directory-exclusivity lookup.
func (s *Store) GetActiveLoopByDirectory(ctx context.Context, directory, excludeID string) (*loop.Loop, error) {
	placeholders, args := statusArgs(loop.ActiveStatuses)
	args = append([]any{directory, excludeID}, args...)

	//nolint:gosec // placeholders are generated "?" markers, not user input
	query := `SELECT config_json, state_json FROM loops
		WHERE directory = ? AND id != ? AND status IN (` + placeholders + `)
		LIMIT 1`

	l, err := scanLoop(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrLoopNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ResetStaleLoops moves every loop in an active status (except planning,
// which can reattach to its remote session) to stopped. Returns the number
// of loops reset. Used on startup after a crash: any "active" loop the
// process does not remember is presumed dead.
func (s *Store) ResetStaleLoops(ctx context.Context) (int, error) {
	stale := make([]loop.Status, 0, len(loop.ActiveStatuses))
	for _, status := range loop.ActiveStatuses {
		if status != loop.StatusPlanning {
			stale = append(stale, status)
		}
	}
	placeholders, args := statusArgs(stale)

	//nolint:gosec // placeholders are generated "?" markers, not user input
	query := `SELECT config_json, state_json FROM loops WHERE status IN (` + placeholders + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale loops: %w", err)
	}
	defer rows.Close()

	var staleLoops []*loop.Loop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return 0, err
		}
		staleLoops = append(staleLoops, l)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate stale loops: %w", err)
	}

	count := 0
	for _, l := range staleLoops {
		l.State.Status = loop.StatusStopped
		l.State.LastError = "reset after process restart"
		if err := s.UpdateLoopState(ctx, l.Config.ID, &l.State); err != nil {
			s.logger.Warn().Err(err).Str("loop_id", l.Config.ID).Msg("failed to reset stale loop")
			continue
		}
		count++
	}
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("reset stale loops to stopped")
	}
	return count, nil
}

// InsertReviewComment appends a review comment record.
func (s *Store) InsertReviewComment(ctx context.Context, c *loop.ReviewComment) error {
	if c.ID == "" {
		id, err := loop.GenerateCommentID()
		if err != nil {
			return err
		}
		c.ID = id
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = loop.CommentStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_comments (id, loop_id, review_cycle, comment, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.LoopID, c.ReviewCycle, c.Comment, c.Status,
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert review comment for loop %s: %w", c.LoopID, err)
	}
	return nil
}

// ListReviewComments returns all comments for a loop ordered by cycle then
// creation time.
func (s *Store) ListReviewComments(ctx context.Context, loopID string) ([]*loop.ReviewComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loop_id, review_cycle, comment, status, created_at
		FROM review_comments WHERE loop_id = ?
		ORDER BY review_cycle, created_at
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("failed to query review comments: %w", err)
	}
	defer rows.Close()

	comments := make([]*loop.ReviewComment, 0)
	for rows.Next() {
		var (
			c         loop.ReviewComment
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.LoopID, &c.ReviewCycle, &c.Comment, &c.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan review comment: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			c.CreatedAt = t
		}
		comments = append(comments, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate review comments: %w", err)
	}
	return comments, nil
}

func scanLoop(scanner interface{ Scan(...any) error }) (*loop.Loop, error) {
	var configJSON, stateJSON string
	if err := scanner.Scan(&configJSON, &stateJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoopNotFound
		}
		return nil, fmt.Errorf("failed to scan loop: %w", err)
	}

	var l loop.Loop
	if err := json.Unmarshal([]byte(configJSON), &l.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop config: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &l.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop state: %w", err)
	}
	return &l, nil
}

func statusArgs(statuses []loop.Status) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	return placeholders, args
}
