// Package monitor runs long-lived polling loops that watch repositories
// for newly opened issues and relay them to webhooks.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnafariogun/github-app/internal/models"
)

// DefaultPollInterval is used when a schedule request omits the interval.
const DefaultPollInterval = 60 * time.Second

// IssueSource fetches a repository's open issues for a polling tick.
type IssueSource interface {
	FetchIssues(ctx context.Context, owner, repo, state string) ([]models.Issue, error)
}

// Key identifies one polling loop. At most one loop runs per key.
type Key struct {
	RepoName   string
	WebhookURL string
}

// Supervisor owns the set of active polling loops. Registration is
// check-and-insert atomic, so concurrent start requests for the same key
// spawn exactly one loop.
type Supervisor struct {
	source IssueSource
	client *http.Client
	log    zerolog.Logger

	mu    sync.Mutex
	loops map[Key]context.CancelFunc
	wg    sync.WaitGroup
}

// NewSupervisor creates a supervisor. webhookTimeout bounds each outbound
// delivery POST.
func NewSupervisor(source IssueSource, webhookTimeout time.Duration, log zerolog.Logger) *Supervisor {
	if webhookTimeout <= 0 {
		webhookTimeout = 10 * time.Second
	}
	return &Supervisor{
		source: source,
		client: &http.Client{Timeout: webhookTimeout},
		log:    log,
		loops:  make(map[Key]context.CancelFunc),
	}
}

// Start launches a polling loop for (owner/repo, webhookURL) unless one is
// already running for that key. Returns false without spawning when the
// key is already monitored. Started loops run until Stop, StopAll or
// process termination.
func (s *Supervisor) Start(owner, repo, webhookURL string, interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	key := Key{RepoName: owner + "/" + repo, WebhookURL: webhookURL}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[key]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.loops[key] = cancel
	s.wg.Add(1)
	go s.run(ctx, owner, repo, key, interval)
	return true
}

// Stop cancels the loop for the given key. Returns false if no loop was
// running. The cancellation is observed at the loop's sleep point.
func (s *Supervisor) Stop(repoName, webhookURL string) bool {
	key := Key{RepoName: repoName, WebhookURL: webhookURL}

	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.loops[key]
	if !ok {
		return false
	}
	cancel()
	delete(s.loops, key)
	return true
}

// StopAll cancels every loop and waits for them to exit. Used at process
// shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for key, cancel := range s.loops {
		cancel()
		delete(s.loops, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Active returns the number of running loops.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// run is the loop body: poll, then sleep, forever. The seen set is local
// to the loop and starts empty, so the first tick fires a webhook for
// every currently-open issue; with no persisted baseline this is the
// intended behavior, not a bug. Transient failures never end the loop.
func (s *Supervisor) run(ctx context.Context, owner, repo string, key Key, interval time.Duration) {
	defer s.wg.Done()

	log := s.log.With().
		Str("repo", key.RepoName).
		Str("webhook", key.WebhookURL).
		Logger()
	log.Info().Dur("interval", interval).Msg("monitor started")

	seen := make(map[int64]struct{})
	for {
		s.poll(ctx, owner, repo, key, seen, log)

		select {
		case <-ctx.Done():
			log.Info().Msg("monitor stopped")
			return
		case <-time.After(interval):
		}
	}
}

// poll fetches open issues and notifies the webhook about each issue id
// not yet in seen. Issues are marked seen whether or not delivery
// succeeds: delivery is best effort, at most one attempt per issue.
func (s *Supervisor) poll(ctx context.Context, owner, repo string, key Key, seen map[int64]struct{}, log zerolog.Logger) {
	issues, err := s.source.FetchIssues(ctx, owner, repo, "open")
	if err != nil {
		log.Warn().Err(err).Msg("poll failed, retrying next tick")
		return
	}

	for _, issue := range issues {
		if _, ok := seen[issue.IssueID]; ok {
			continue
		}
		seen[issue.IssueID] = struct{}{}

		if err := s.notify(ctx, key.WebhookURL, issue); err != nil {
			log.Warn().Err(err).Int64("issue_id", issue.IssueID).Msg("webhook delivery failed")
			continue
		}
		log.Info().Int64("issue_id", issue.IssueID).Str("title", issue.Title).Msg("new issue delivered")
	}
}

func (s *Supervisor) notify(ctx context.Context, webhookURL string, issue models.Issue) error {
	body, err := json.Marshal(models.NewWebhookPayload(issue))
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
