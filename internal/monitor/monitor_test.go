package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnafariogun/github-app/internal/models"
)

// fakeSource serves a mutable issue list and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	issues  []models.Issue
	err     error
	fetches int
}

func (f *fakeSource) FetchIssues(ctx context.Context, owner, repo, state string) ([]models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Issue, len(f.issues))
	copy(out, f.issues)
	return out, nil
}

func (f *fakeSource) set(issues []models.Issue, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = issues
	f.err = err
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// webhookRecorder collects delivered payloads.
type webhookRecorder struct {
	mu       sync.Mutex
	payloads []models.WebhookPayload
	status   int
}

func (r *webhookRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var payload models.WebhookPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.payloads = append(r.payloads, payload)
		status := r.status
		r.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func (r *webhookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *webhookRecorder) all() []models.WebhookPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.WebhookPayload, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func openIssue(id int64, title string) models.Issue {
	return models.Issue{
		IssueID:  id,
		Title:    title,
		State:    "open",
		URL:      "https://github.com/acme/widgets/issues/1",
		RepoName: "acme/widgets",
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartIsIdempotentPerKey(t *testing.T) {
	source := &fakeSource{}
	sup := NewSupervisor(source, time.Second, zerolog.Nop())
	defer sup.StopAll()

	if !sup.Start("acme", "widgets", "http://example.com/hook", time.Hour) {
		t.Fatal("first start should launch a loop")
	}
	if sup.Start("acme", "widgets", "http://example.com/hook", time.Hour) {
		t.Error("second start for the same key should not launch another loop")
	}
	if sup.Active() != 1 {
		t.Errorf("expected 1 active loop, got %d", sup.Active())
	}

	// A different webhook for the same repository is a distinct key.
	if !sup.Start("acme", "widgets", "http://example.com/other", time.Hour) {
		t.Error("distinct webhook should launch its own loop")
	}
	if sup.Active() != 2 {
		t.Errorf("expected 2 active loops, got %d", sup.Active())
	}
}

func TestFirstTickFiresForAllOpenIssues(t *testing.T) {
	recorder := &webhookRecorder{}
	hook := httptest.NewServer(recorder.handler())
	defer hook.Close()

	source := &fakeSource{}
	source.set([]models.Issue{openIssue(1, "A"), openIssue(2, "B")}, nil)

	sup := NewSupervisor(source, time.Second, zerolog.Nop())
	defer sup.StopAll()

	sup.Start("acme", "widgets", hook.URL, time.Hour)

	waitFor(t, func() bool { return recorder.count() == 2 },
		"expected webhooks for both pre-existing open issues on the first tick")

	for _, payload := range recorder.all() {
		if payload.JSONRPC != "2.0" || payload.Method != "new_issue_notification" {
			t.Errorf("unexpected payload envelope: %+v", payload)
		}
		if payload.Params.RepoName != "acme/widgets" {
			t.Errorf("payload repo = %q, want acme/widgets", payload.Params.RepoName)
		}
	}
}

func TestOnlyNewIssuesFireOnLaterTicks(t *testing.T) {
	recorder := &webhookRecorder{}
	hook := httptest.NewServer(recorder.handler())
	defer hook.Close()

	source := &fakeSource{}
	source.set([]models.Issue{openIssue(1, "A")}, nil)

	sup := NewSupervisor(source, time.Second, zerolog.Nop())
	defer sup.StopAll()

	sup.Start("acme", "widgets", hook.URL, 20*time.Millisecond)

	waitFor(t, func() bool { return recorder.count() == 1 }, "expected first issue delivered")

	// Let a few ticks pass with an unchanged issue list: no redelivery.
	fetched := source.fetchCount()
	waitFor(t, func() bool { return source.fetchCount() >= fetched+2 }, "expected further polling ticks")
	if recorder.count() != 1 {
		t.Fatalf("unchanged issue list should not redeliver, got %d deliveries", recorder.count())
	}

	source.set([]models.Issue{openIssue(1, "A"), openIssue(2, "B")}, nil)
	waitFor(t, func() bool { return recorder.count() == 2 }, "expected newly appeared issue delivered")

	if got := recorder.all()[1].Params.IssueID; got != 2 {
		t.Errorf("second delivery should be issue 2, got %d", got)
	}
}

func TestLoopSurvivesFetchAndDeliveryFailures(t *testing.T) {
	recorder := &webhookRecorder{status: http.StatusInternalServerError}
	hook := httptest.NewServer(recorder.handler())
	defer hook.Close()

	source := &fakeSource{}
	source.set(nil, errors.New("source unavailable"))

	sup := NewSupervisor(source, time.Second, zerolog.Nop())
	defer sup.StopAll()

	sup.Start("acme", "widgets", hook.URL, 20*time.Millisecond)

	// Fetch failures: the loop keeps ticking.
	waitFor(t, func() bool { return source.fetchCount() >= 3 }, "loop should keep polling through fetch failures")

	// Delivery failure: logged and swallowed, issue still counted as seen.
	source.set([]models.Issue{openIssue(1, "A")}, nil)
	waitFor(t, func() bool { return recorder.count() == 1 }, "expected one delivery attempt")

	fetched := source.fetchCount()
	waitFor(t, func() bool { return source.fetchCount() >= fetched+2 }, "loop should keep polling after failed delivery")
	if recorder.count() != 1 {
		t.Errorf("failed delivery must not be retried, got %d attempts", recorder.count())
	}
	if sup.Active() != 1 {
		t.Errorf("loop should still be running, active = %d", sup.Active())
	}
}

func TestStopCancelsLoop(t *testing.T) {
	source := &fakeSource{}
	sup := NewSupervisor(source, time.Second, zerolog.Nop())

	sup.Start("acme", "widgets", "http://example.com/hook", 20*time.Millisecond)
	waitFor(t, func() bool { return source.fetchCount() >= 1 }, "loop should poll at least once")

	if !sup.Stop("acme/widgets", "http://example.com/hook") {
		t.Fatal("stop should report a cancelled loop")
	}
	if sup.Active() != 0 {
		t.Errorf("expected no active loops after stop, got %d", sup.Active())
	}
	if sup.Stop("acme/widgets", "http://example.com/hook") {
		t.Error("second stop should report no loop")
	}

	sup.StopAll()

	// After cancellation the key can be registered again.
	if !sup.Start("acme", "widgets", "http://example.com/hook", time.Hour) {
		t.Error("stopped key should be startable again")
	}
	sup.StopAll()
}
