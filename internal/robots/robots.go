package robots

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var InvalidPathError = errors.New("rule path must start with /")

// Rule is one allow/deny path-prefix declaration.
type Rule struct {
	Allow bool
	Path  string
	order int
}

// Group is one block of rules for a set of user-agent patterns. Consecutive
// User-agent lines at the start of a block share the group.
type Group struct {
	Agents     []string
	Rules      []Rule
	CrawlDelay time.Duration // zero when absent
}

// File is a parsed crawler-permission file.
type File struct {
	Groups   []Group
	Sitemaps []string
	Warnings []string
}

// Verdict explains one permission decision.
type Verdict struct {
	Allowed     bool
	MatchedRule string // e.g. "Disallow: /admin/", empty when no rule matched
	Group       string // winning agent pattern, empty when no group applied
}

// Parse reads a robots.txt style rule file. Unknown directives become
// warnings; structurally invalid rules are errors.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	var current *Group
	order := 0
	line := 0
	sawRules := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.Index(text, "#"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		key, value, ok := strings.Cut(text, ":")
		if !ok {
			f.Warnings = append(f.Warnings, fmt.Sprintf("line %d: not a directive: %q", line, text))
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if value == "" {
				return nil, fmt.Errorf("line %d: empty user-agent", line)
			}
			if current == nil || sawRules {
				f.Groups = append(f.Groups, Group{})
				current = &f.Groups[len(f.Groups)-1]
				sawRules = false
			}
			current.Agents = append(current.Agents, value)
		case "allow", "disallow":
			if current == nil {
				f.Warnings = append(f.Warnings, fmt.Sprintf("line %d: rule before any user-agent, ignored", line))
				continue
			}
			allow := key == "allow"
			if value == "" {
				if allow {
					f.Warnings = append(f.Warnings, fmt.Sprintf("line %d: empty allow rule, ignored", line))
					continue
				}
				// empty Disallow means the group restricts nothing
				sawRules = true
				continue
			}
			if !strings.HasPrefix(value, "/") {
				return nil, fmt.Errorf("line %d: %w: %q", line, InvalidPathError, value)
			}
			sawRules = true
			current.Rules = append(current.Rules, Rule{Allow: allow, Path: value, order: order})
			order++
		case "crawl-delay":
			if current == nil {
				f.Warnings = append(f.Warnings, fmt.Sprintf("line %d: crawl-delay before any user-agent, ignored", line))
				continue
			}
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil || secs < 0 {
				return nil, fmt.Errorf("line %d: invalid crawl-delay %q", line, value)
			}
			sawRules = true
			current.CrawlDelay = time.Duration(secs * float64(time.Second))
		case "sitemap":
			u, err := url.Parse(value)
			if err != nil || !u.IsAbs() || u.Host == "" {
				return nil, fmt.Errorf("line %d: sitemap pointer %q is not an absolute url", line, value)
			}
			f.Sitemaps = append(f.Sitemaps, value)
		default:
			f.Warnings = append(f.Warnings, fmt.Sprintf("line %d: unknown directive %q", line, key))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return f, nil
}

// Test decides whether the agent may fetch the path. The group with the most
// specific matching agent pattern applies; within it the longest matching
// path-prefix wins, length ties going to the later declaration. No matching
// rule means allowed.
func (f *File) Test(agent, path string) Verdict {
	if path == "" {
		path = "/"
	}
	groups, pattern := f.selectGroups(agent)
	if len(groups) == 0 {
		return Verdict{Allowed: true}
	}

	var best *Rule
	for _, g := range groups {
		for i := range g.Rules {
			rule := &g.Rules[i]
			if !strings.HasPrefix(path, rule.Path) {
				continue
			}
			if best == nil ||
				len(rule.Path) > len(best.Path) ||
				(len(rule.Path) == len(best.Path) && rule.order > best.order) {
				best = rule
			}
		}
	}
	if best == nil {
		return Verdict{Allowed: true, Group: pattern}
	}

	kind := "Disallow"
	if best.Allow {
		kind = "Allow"
	}
	return Verdict{
		Allowed:     best.Allow,
		MatchedRule: fmt.Sprintf("%s: %s", kind, best.Path),
		Group:       pattern,
	}
}

// Delay returns the crawl delay declared for the agent, if any.
func (f *File) Delay(agent string) time.Duration {
	groups, _ := f.selectGroups(agent)
	for _, g := range groups {
		if g.CrawlDelay > 0 {
			return g.CrawlDelay
		}
	}
	return 0
}

// selectGroups picks every group declared under the winning agent pattern.
// Patterns match case-insensitively as substrings of the agent product token;
// the longest matching pattern is the most specific, "*" is the fallback.
func (f *File) selectGroups(agent string) ([]*Group, string) {
	agent = strings.ToLower(agent)
	bestLen := -1
	bestPattern := ""
	for gi := range f.Groups {
		for _, a := range f.Groups[gi].Agents {
			if a == "*" {
				if bestLen < 0 {
					bestLen = 0
					bestPattern = "*"
				}
				continue
			}
			if strings.Contains(agent, strings.ToLower(a)) && len(a) > bestLen {
				bestLen = len(a)
				bestPattern = a
			}
		}
	}
	if bestLen < 0 {
		return nil, ""
	}

	var out []*Group
	for gi := range f.Groups {
		for _, a := range f.Groups[gi].Agents {
			if a == bestPattern || (bestPattern != "*" && strings.EqualFold(a, bestPattern)) {
				out = append(out, &f.Groups[gi])
				break
			}
		}
	}

	return out, bestPattern
}
