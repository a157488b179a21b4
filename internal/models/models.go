package models

import (
	"time"
)

// FetchOperation binds a repository to its current issue snapshot. Exactly
// one row exists per repository; the tracking id is assigned once at
// creation and never reassigned.
type FetchOperation struct {
	ID         int64     `json:"-"`
	TrackingID string    `json:"tracking_id"`
	RepoName   string    `json:"repo_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Issue is a normalized issue belonging to the current snapshot of a fetch
// operation. Optional upstream fields (body, labels, timestamps) are nil
// when absent or unparsable rather than zero-valued.
type Issue struct {
	ID               int64      `json:"id"`
	IssueID          int64      `json:"issue_id"`
	Title            string     `json:"title"`
	Body             *string    `json:"body"`
	State            string     `json:"state"`
	Labels           *string    `json:"labels"`
	CreatedAt        *time.Time `json:"created_at"`
	UpdatedAt        *time.Time `json:"updated_at"`
	URL              string     `json:"url"`
	RepoName         string     `json:"repo_name"`
	FetchOperationID int64      `json:"-"`
}

// Valid reports whether the issue carries the fields required for storage.
func (i *Issue) Valid() bool {
	return i.IssueID != 0 && i.Title != "" && i.URL != ""
}

// ReplaceSummary reports the outcome of a snapshot replacement.
type ReplaceSummary struct {
	TrackingID  string
	TotalIssues int
	RepoName    string
}

// WebhookPayload is the outbound POST body for new-issue notifications.
type WebhookPayload struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  Issue  `json:"params"`
}

// NewWebhookPayload wraps an issue in the notification envelope.
func NewWebhookPayload(issue Issue) WebhookPayload {
	return WebhookPayload{
		JSONRPC: "2.0",
		Method:  "new_issue_notification",
		Params:  issue,
	}
}
