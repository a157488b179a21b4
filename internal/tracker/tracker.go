// Package tracker orchestrates the fetch-and-reconcile flow: resolve a
// repository identifier, fetch its issues from the source, and atomically
// replace the stored snapshot.
package tracker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/johnafariogun/github-app/internal/db"
	"github.com/johnafariogun/github-app/internal/models"
	"github.com/johnafariogun/github-app/internal/repoid"
)

// IssueSource fetches a repository's issues from the remote tracker.
type IssueSource interface {
	FetchIssues(ctx context.Context, owner, repo, state string) ([]models.Issue, error)
}

// Service handles on-demand fetch and retrieval requests.
type Service struct {
	db     *db.DB
	source IssueSource
	log    zerolog.Logger
}

// New creates a tracker service.
func New(database *db.DB, source IssueSource, log zerolog.Logger) *Service {
	return &Service{
		db:     database,
		source: source,
		log:    log,
	}
}

// FetchResult reports a completed fetch-and-reconcile.
type FetchResult struct {
	Count int
	Op    *models.FetchOperation
}

// FetchIssues fetches the repository's full issue list (all states, pull
// requests excluded) and replaces the stored snapshot. The returned fetch
// operation carries the stable tracking id, reused across fetches of the
// same repository.
func (s *Service) FetchIssues(ctx context.Context, repoURL string) (*FetchResult, error) {
	owner, repo, err := repoid.Parse(repoURL)
	if err != nil {
		return nil, err
	}
	fullName := repoid.FullName(owner, repo)

	op, created, err := s.db.GetOrCreateFetchOperation(ctx, fullName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fetch operation for %s: %w", fullName, err)
	}
	if created {
		s.log.Info().Str("repo", fullName).Str("tracking_id", op.TrackingID).Msg("registered repository")
	}

	issues, err := s.source.FetchIssues(ctx, owner, repo, "all")
	if err != nil {
		return nil, err
	}

	summary, err := s.db.ReplaceIssues(ctx, op, issues)
	if err != nil {
		return nil, fmt.Errorf("failed to store issues for %s: %w", fullName, err)
	}

	s.log.Info().
		Str("repo", fullName).
		Str("tracking_id", summary.TrackingID).
		Int("count", summary.TotalIssues).
		Msg("issue snapshot replaced")

	return &FetchResult{Count: summary.TotalIssues, Op: op}, nil
}

// GetIssues returns the stored snapshot owned by trackingID, optionally
// filtered by exact state and substring label match. Returns db.ErrNotFound
// when no fetch operation owns the tracking id.
func (s *Service) GetIssues(ctx context.Context, trackingID, state, label string) ([]models.Issue, error) {
	if _, err := s.db.GetFetchOperation(ctx, trackingID); err != nil {
		return nil, err
	}
	return s.db.GetIssuesByTrackingID(ctx, trackingID, state, label)
}
