package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/johnafariogun/github-app/internal/models"
)

// IssueFetcher is implemented by both the REST and GraphQL clients.
type IssueFetcher interface {
	FetchIssues(ctx context.Context, owner, repo, state string) ([]models.Issue, error)
}

// SourceError reports a failed fetch from the upstream issue source. It
// carries the HTTP status and response body when the upstream returned a
// non-2xx response; StatusCode is zero for transport-level failures.
type SourceError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("issue source returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("issue source unavailable: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// GitHubClient fetches issues through the GitHub REST API.
type GitHubClient struct {
	client *github.Client
}

// NewGitHubClient creates a REST client. An empty token yields an
// unauthenticated client, subject to stricter upstream rate limits.
func NewGitHubClient(token string) *GitHubClient {
	var tc *http.Client

	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc = oauth2.NewClient(context.Background(), ts)
	}

	client := github.NewClient(tc)
	return &GitHubClient{client: client}
}

// SetBaseURL points the client at an alternate API root. Used by tests to
// target a local stub server.
func (c *GitHubClient) SetBaseURL(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	c.client.BaseURL = u
	return nil
}

// FetchIssues lists a repository's issues filtered by state ("open",
// "closed" or "all"), excluding pull requests, and maps them to the
// normalized issue record. Pagination is followed to exhaustion.
func (c *GitHubClient) FetchIssues(ctx context.Context, owner, repo, state string) ([]models.Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State: state,
		ListOptions: github.ListOptions{
			PerPage: 100,
		},
	}

	fullName := owner + "/" + repo
	var all []models.Issue
	for {
		issues, resp, err := c.client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, wrapGitHubError(err)
		}

		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			all = append(all, convertGitHubIssue(issue, fullName))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// wrapGitHubError converts a go-github error into a SourceError,
// preserving the upstream status and body text when present.
func wrapGitHubError(err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return &SourceError{
			StatusCode: ghErr.Response.StatusCode,
			Body:       ghErr.Message,
			Err:        err,
		}
	}
	return &SourceError{Err: err}
}

// convertGitHubIssue maps a go-github issue to the normalized record.
// Absent optional fields become nil rather than zero values.
func convertGitHubIssue(issue *github.Issue, repoName string) models.Issue {
	var labels *string
	if names := labelNames(issue.Labels); len(names) > 0 {
		joined := strings.Join(names, ",")
		labels = &joined
	}

	return models.Issue{
		IssueID:   issue.GetID(),
		Title:     issue.GetTitle(),
		Body:      issue.Body,
		State:     issue.GetState(),
		Labels:    labels,
		CreatedAt: timestampPtr(issue.CreatedAt),
		UpdatedAt: timestampPtr(issue.UpdatedAt),
		URL:       issue.GetHTMLURL(),
		RepoName:  repoName,
	}
}

func labelNames(labels []*github.Label) []string {
	var names []string
	for _, l := range labels {
		if name := l.GetName(); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func timestampPtr(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.Time.IsZero() {
		return nil
	}
	t := ts.Time
	return &t
}
