package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/johnafariogun/github-app/internal/models"
)

// ErrNotFound reports an unknown tracking id.
var ErrNotFound = errors.New("tracking id not found")

// DB holds the fetch operation registry and the issue store.
type DB struct {
	*sql.DB
	log zerolog.Logger
}

// New opens a database connection.
func New(dbPath string, log zerolog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, log: log}, nil
}

// Initialize creates the database schema if it doesn't exist.
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fetch_operations (
		id INTEGER PRIMARY KEY,
		tracking_id TEXT NOT NULL UNIQUE,
		repo_name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS issues (
		id INTEGER PRIMARY KEY,
		issue_id INTEGER NOT NULL UNIQUE,
		title TEXT NOT NULL,
		body TEXT,
		state TEXT NOT NULL,
		labels TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		url TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		fetch_operation_id INTEGER NOT NULL,
		FOREIGN KEY (fetch_operation_id) REFERENCES fetch_operations(id)
	);

	CREATE INDEX IF NOT EXISTS idx_issues_fetch_operation ON issues(fetch_operation_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// GetOrCreateFetchOperation returns the fetch operation for repoName,
// creating it with a fresh tracking id on first use. The returned bool
// reports whether a new record was created. updated_at is refreshed on
// every call.
//
// Safe against concurrent callers for the same repository: creation races
// resolve through the UNIQUE(repo_name) constraint, and the loser re-reads
// the winner's row.
func (db *DB) GetOrCreateFetchOperation(ctx context.Context, repoName string) (*models.FetchOperation, bool, error) {
	for attempt := 0; ; attempt++ {
		now := time.Now().UTC()

		op, err := db.getFetchOperationByRepo(ctx, repoName)
		if err == nil {
			if _, err := db.ExecContext(ctx,
				`UPDATE fetch_operations SET updated_at = ? WHERE id = ?`, now, op.ID); err != nil {
				return nil, false, fmt.Errorf("failed to touch fetch operation: %w", err)
			}
			op.UpdatedAt = now
			return op, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to look up fetch operation: %w", err)
		}

		trackingID, err := gonanoid.New()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate tracking id: %w", err)
		}

		res, err := db.ExecContext(ctx,
			`INSERT INTO fetch_operations (tracking_id, repo_name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			trackingID, repoName, now, now)
		if err != nil {
			// Lost a creation race: another caller inserted the row between
			// our read and our insert. Re-read the winner's record.
			if isUniqueViolation(err) && attempt == 0 {
				continue
			}
			return nil, false, fmt.Errorf("failed to create fetch operation: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read fetch operation id: %w", err)
		}

		return &models.FetchOperation{
			ID:         id,
			TrackingID: trackingID,
			RepoName:   repoName,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, true, nil
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (db *DB) getFetchOperationByRepo(ctx context.Context, repoName string) (*models.FetchOperation, error) {
	query := `SELECT id, tracking_id, repo_name, created_at, updated_at FROM fetch_operations WHERE repo_name = ?`

	var op models.FetchOperation
	err := db.QueryRowContext(ctx, query, repoName).
		Scan(&op.ID, &op.TrackingID, &op.RepoName, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &op, nil
}

// GetFetchOperation returns the fetch operation owning trackingID, or
// ErrNotFound.
func (db *DB) GetFetchOperation(ctx context.Context, trackingID string) (*models.FetchOperation, error) {
	query := `SELECT id, tracking_id, repo_name, created_at, updated_at FROM fetch_operations WHERE tracking_id = ?`

	var op models.FetchOperation
	err := db.QueryRowContext(ctx, query, trackingID).
		Scan(&op.ID, &op.TrackingID, &op.RepoName, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fetch operation: %w", err)
	}

	return &op, nil
}

// ReplaceIssues atomically replaces the issue snapshot belonging to op with
// issues: all prior rows for the fetch operation are deleted and the new
// set inserted in one transaction. On failure the previous snapshot is left
// intact. Issues missing a required field are skipped with a warning; an
// empty input is valid and yields an empty snapshot.
func (db *DB) ReplaceIssues(ctx context.Context, op *models.FetchOperation, issues []models.Issue) (*models.ReplaceSummary, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM issues WHERE fetch_operation_id = ?`, op.ID); err != nil {
		return nil, fmt.Errorf("failed to clear previous snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO issues (issue_id, title, body, state, labels, created_at, updated_at, url, repo_name, fetch_operation_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range issues {
		issue := &issues[i]
		if !issue.Valid() {
			db.log.Warn().
				Int64("issue_id", issue.IssueID).
				Str("repo", op.RepoName).
				Msg("skipping issue with missing required fields")
			continue
		}

		if _, err := stmt.ExecContext(ctx,
			issue.IssueID,
			issue.Title,
			issue.Body,
			issue.State,
			issue.Labels,
			issue.CreatedAt,
			issue.UpdatedAt,
			issue.URL,
			issue.RepoName,
			op.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to insert issue %d: %w", issue.IssueID, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return &models.ReplaceSummary{
		TrackingID:  op.TrackingID,
		TotalIssues: inserted,
		RepoName:    op.RepoName,
	}, nil
}

// GetIssuesByTrackingID returns the stored issues owned by trackingID.
// state is an exact match; label is a substring match against the
// comma-joined labels column, so filtering on "bug" also matches "debug".
// That imprecision is inherited from the storage format and kept as is.
func (db *DB) GetIssuesByTrackingID(ctx context.Context, trackingID, state, label string) ([]models.Issue, error) {
	query := `
	SELECT i.id, i.issue_id, i.title, i.body, i.state, i.labels, i.created_at, i.updated_at, i.url, i.repo_name, i.fetch_operation_id
	FROM issues i
	JOIN fetch_operations f ON i.fetch_operation_id = f.id
	WHERE f.tracking_id = ?`
	args := []interface{}{trackingID}

	if state != "" {
		query += ` AND i.state = ?`
		args = append(args, state)
	}
	if label != "" {
		query += ` AND i.labels LIKE ?`
		args = append(args, "%"+label+"%")
	}
	query += ` ORDER BY i.id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		var issue models.Issue
		var body, labels sql.NullString
		var createdAt, updatedAt sql.NullTime

		if err := rows.Scan(
			&issue.ID,
			&issue.IssueID,
			&issue.Title,
			&body,
			&issue.State,
			&labels,
			&createdAt,
			&updatedAt,
			&issue.URL,
			&issue.RepoName,
			&issue.FetchOperationID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}

		if body.Valid {
			issue.Body = &body.String
		}
		if labels.Valid {
			issue.Labels = &labels.String
		}
		if createdAt.Valid {
			issue.CreatedAt = &createdAt.Time
		}
		if updatedAt.Valid {
			issue.UpdatedAt = &updatedAt.Time
		}

		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}

	return issues, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
