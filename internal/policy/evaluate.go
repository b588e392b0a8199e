package policy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/IliaW/policy-gate/internal/htaccess"
	"github.com/IliaW/policy-gate/internal/model"
)

var ForeignHostError = errors.New("url does not belong to the policy host")

// Evaluate answers one policy lookup against this snapshot: crawler
// permission, directive actions and sitemap membership for the URL.
// The URL must be absolute and under the snapshot's host.
func (s *Snapshot) Evaluate(rawURL, agent string) (*model.Decision, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", rawURL)
	}
	if !strings.EqualFold(u.Hostname(), s.Host) {
		return nil, fmt.Errorf("%w: %s (host %s)", ForeignHostError, rawURL, s.Host)
	}

	d := &model.Decision{
		URL:        rawURL,
		UserAgent:  agent,
		SnapshotID: s.ID,
		CheckedAt:  time.Now(),
	}

	allowed := s.defaultAllowed
	if s.Robots != nil {
		verdict := s.Robots.Test(agent, u.Path)
		allowed = verdict.Allowed
		d.MatchedRule = verdict.MatchedRule
	}

	res := s.Directives.Evaluate(htaccess.Request{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   u.Path,
	})
	if res.Redirect != nil {
		d.RedirectTo = res.Redirect.Target
		d.RedirectCode = res.Redirect.Code
	}
	if res.Deny != nil {
		d.DenyCode = res.Deny.Code
		allowed = false
	}
	if len(res.Headers) > 0 {
		d.Headers = make(map[string]string, len(res.Headers))
		for _, h := range res.Headers {
			d.Headers[h.Name] = h.Value
		}
	}

	if s.Sitemap != nil {
		d.InSitemap = s.Sitemap.Contains(rawURL)
	}
	d.Allowed = allowed

	return d, nil
}
