package sitemap

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const Namespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

var (
	DuplicateURLError = errors.New("duplicate url")
	ForeignHostError  = errors.New("url outside the declared host")
	RelativeURLError  = errors.New("url is not absolute")
)

var changeFreqs = map[string]bool{
	"always": true, "hourly": true, "daily": true, "weekly": true,
	"monthly": true, "yearly": true, "never": true,
}

// lastmod accepts the W3C datetime profile the sitemap schema allows.
var lastModLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
}

// Entry is one indexable URL record.
type Entry struct {
	Loc        string
	LastMod    time.Time // zero when absent
	ChangeFreq string
	Priority   float64 // -1 when absent
}

// Sitemap is a validated set of indexable URLs for one host.
type Sitemap struct {
	Host    string
	Entries []Entry

	index map[string]int
}

type xmlURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	Xmlns   string   `xml:"xmlns,attr"`
	URLs    []xmlURL `xml:"url"`
}

type xmlURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

// Parse reads a sitemap document and validates it against the declared site
// host. Any violation fails the whole document; partial sitemaps are never
// returned.
func Parse(r io.Reader, host string) (*Sitemap, error) {
	var doc xmlURLSet
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid sitemap xml: %w", err)
	}
	if doc.Xmlns != "" && doc.Xmlns != Namespace {
		return nil, fmt.Errorf("unexpected urlset namespace %q", doc.Xmlns)
	}
	if len(doc.URLs) == 0 {
		return nil, errors.New("sitemap has no url entries")
	}

	sm := &Sitemap{
		Host:  strings.ToLower(host),
		index: make(map[string]int, len(doc.URLs)),
	}
	for i, u := range doc.URLs {
		entry, err := buildEntry(u, sm.Host)
		if err != nil {
			return nil, fmt.Errorf("url entry %d: %w", i+1, err)
		}
		key := canonical(entry.Loc)
		if _, dup := sm.index[key]; dup {
			return nil, fmt.Errorf("%w: %s", DuplicateURLError, entry.Loc)
		}
		sm.index[key] = len(sm.Entries)
		sm.Entries = append(sm.Entries, entry)
	}

	return sm, nil
}

func buildEntry(u xmlURL, host string) (Entry, error) {
	entry := Entry{Priority: -1}

	loc := strings.TrimSpace(u.Loc)
	if loc == "" {
		return entry, errors.New("missing loc")
	}
	parsed, err := url.Parse(loc)
	if err != nil {
		return entry, fmt.Errorf("invalid loc %q: %w", loc, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return entry, fmt.Errorf("%w: %s", RelativeURLError, loc)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return entry, fmt.Errorf("unsupported scheme %q in %s", parsed.Scheme, loc)
	}
	if !strings.EqualFold(parsed.Hostname(), host) {
		return entry, fmt.Errorf("%w: %s (declared host %s)", ForeignHostError, loc, host)
	}
	entry.Loc = loc

	if lm := strings.TrimSpace(u.LastMod); lm != "" {
		t, err := parseLastMod(lm)
		if err != nil {
			return entry, err
		}
		entry.LastMod = t
	}

	if cf := strings.ToLower(strings.TrimSpace(u.ChangeFreq)); cf != "" {
		if !changeFreqs[cf] {
			return entry, fmt.Errorf("invalid changefreq %q", u.ChangeFreq)
		}
		entry.ChangeFreq = cf
	}

	if pr := strings.TrimSpace(u.Priority); pr != "" {
		f, err := strconv.ParseFloat(pr, 64)
		if err != nil {
			return entry, fmt.Errorf("invalid priority %q", pr)
		}
		if f < 0.0 || f > 1.0 {
			return entry, fmt.Errorf("priority %v outside [0.0, 1.0]", f)
		}
		entry.Priority = f
	}

	return entry, nil
}

func parseLastMod(s string) (time.Time, error) {
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid lastmod %q", s)
}

// Contains reports whether the given absolute URL is one of the indexable
// URLs. Scheme, host case and trailing slash differences are ignored.
func (sm *Sitemap) Contains(rawURL string) bool {
	_, ok := sm.index[canonical(rawURL)]
	return ok
}

// Lookup returns the entry for the URL if it is indexed.
func (sm *Sitemap) Lookup(rawURL string) (Entry, bool) {
	i, ok := sm.index[canonical(rawURL)]
	if !ok {
		return Entry{}, false
	}
	return sm.Entries[i], true
}

// URLs enumerates the indexable URLs in document order.
func (sm *Sitemap) URLs() []string {
	out := make([]string, len(sm.Entries))
	for i, e := range sm.Entries {
		out[i] = e.Loc
	}
	return out
}

func canonical(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	p = strings.TrimSuffix(p, "/")
	key := strings.ToLower(u.Hostname()) + p
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
