package model

import "time"

// PolicyCheckTask is the incoming queue message.
// Expected format: {"url": "https://example.com/page", "user_agent": "GoogleBot", "force": false}
type PolicyCheckTask struct {
	URL       string `json:"url"`
	UserAgent string `json:"user_agent"`
	Force     bool   `json:"force"`
}

// Decision is the outcome of evaluating the full site policy for one URL and agent.
type Decision struct {
	URL          string            `json:"url"`
	UserAgent    string            `json:"user_agent"`
	Allowed      bool              `json:"allowed"`
	MatchedRule  string            `json:"matched_rule,omitempty"`
	RedirectTo   string            `json:"redirect_to,omitempty"`
	RedirectCode int               `json:"redirect_code,omitempty"`
	DenyCode     int               `json:"deny_code,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	InSitemap    bool              `json:"in_sitemap"`
	SnapshotID   string            `json:"snapshot_id"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// RuleResponse is the compact answer served to crawl-gate clients.
type RuleResponse struct {
	IsAllowed  bool   `json:"is_allowed"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}
