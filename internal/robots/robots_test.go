package robots

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *File {
	t.Helper()
	f, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	return f
}

func TestLongestPrefixWins(t *testing.T) {
	f := mustParse(t, `
User-agent: *
Disallow: /admin/
Allow: /
`)

	v := f.Test("*", "/admin/secret")
	assert.False(t, v.Allowed)
	assert.Equal(t, "Disallow: /admin/", v.MatchedRule)

	v = f.Test("*", "/faq.html")
	assert.True(t, v.Allowed)
	assert.Equal(t, "Allow: /", v.MatchedRule)
}

func TestLengthTieLastDeclarationWins(t *testing.T) {
	f := mustParse(t, `
User-agent: *
Disallow: /a/
Allow: /a/
`)
	assert.True(t, f.Test("*", "/a/page").Allowed)

	f = mustParse(t, `
User-agent: *
Allow: /a/
Disallow: /a/
`)
	assert.False(t, f.Test("*", "/a/page").Allowed)
}

func TestMoreSpecificAllowUnderDisallow(t *testing.T) {
	f := mustParse(t, `
User-agent: *
Disallow: /private/
Allow: /private/press/
`)

	assert.False(t, f.Test("*", "/private/notes.txt").Allowed)
	assert.True(t, f.Test("*", "/private/press/release.html").Allowed)
}

func TestNoMatchingRuleAllows(t *testing.T) {
	f := mustParse(t, `
User-agent: *
Disallow: /admin/
`)

	v := f.Test("*", "/public/page")
	assert.True(t, v.Allowed)
	assert.Empty(t, v.MatchedRule)
}

func TestEmptyDisallowRestrictsNothing(t *testing.T) {
	f := mustParse(t, `
User-agent: *
Disallow:
`)
	assert.True(t, f.Test("AnyBot", "/anything").Allowed)
}

func TestAgentGroupSelection(t *testing.T) {
	f := mustParse(t, `
User-agent: *
Disallow: /admin/

User-agent: GPTBot
Disallow: /
`)

	v := f.Test("GPTBot", "/faq.html")
	assert.False(t, v.Allowed)
	assert.Equal(t, "GPTBot", v.Group)

	// product token matching is case-insensitive and substring based
	v = f.Test("Mozilla/5.0 (compatible; gptbot/1.2)", "/faq.html")
	assert.False(t, v.Allowed)

	v = f.Test("Googlebot/2.1", "/faq.html")
	assert.True(t, v.Allowed)
	assert.Equal(t, "*", v.Group)
	assert.False(t, f.Test("Googlebot/2.1", "/admin/panel").Allowed)
}

func TestMostSpecificAgentPatternWins(t *testing.T) {
	f := mustParse(t, `
User-agent: Googlebot
Disallow: /images/

User-agent: Googlebot-Image
Disallow: /
`)

	assert.False(t, f.Test("Googlebot-Image/1.0", "/faq.html").Allowed)
	assert.True(t, f.Test("Googlebot/2.1", "/faq.html").Allowed)
	assert.False(t, f.Test("Googlebot/2.1", "/images/logo.png").Allowed)
}

func TestSharedGroupForConsecutiveAgents(t *testing.T) {
	f := mustParse(t, `
User-agent: AdsBot
User-agent: MediaBot
Disallow: /tmp/
`)

	require.Len(t, f.Groups, 1)
	assert.False(t, f.Test("AdsBot/1.0", "/tmp/x").Allowed)
	assert.False(t, f.Test("MediaBot/1.0", "/tmp/x").Allowed)
}

func TestNoGroupsAllowsEverything(t *testing.T) {
	f := mustParse(t, "Sitemap: https://tikdownloader.app/sitemap.xml")
	assert.True(t, f.Test("AnyBot", "/admin/secret").Allowed)
	assert.Equal(t, []string{"https://tikdownloader.app/sitemap.xml"}, f.Sitemaps)
}

func TestCrawlDelay(t *testing.T) {
	f := mustParse(t, `
User-agent: SlowBot
Crawl-delay: 2.5

User-agent: *
Disallow: /admin/
`)

	assert.Equal(t, 2500*time.Millisecond, f.Delay("SlowBot/1.0"))
	assert.Equal(t, time.Duration(0), f.Delay("OtherBot"))
}

func TestCommentsAndBlankLines(t *testing.T) {
	f := mustParse(t, `
# full line comment
User-agent: * # trailing comment
Disallow: /admin/ # keep out
`)

	assert.False(t, f.Test("*", "/admin/x").Allowed)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"rule path without slash", "User-agent: *\nDisallow: admin"},
		{"empty user-agent", "User-agent:\nDisallow: /a"},
		{"relative sitemap pointer", "Sitemap: /sitemap.xml"},
		{"negative crawl-delay", "User-agent: *\nCrawl-delay: -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestWarnings(t *testing.T) {
	f := mustParse(t, `
Noindex: /old/
User-agent: *
Disallow: /admin/
plain garbage line
`)

	require.Len(t, f.Warnings, 2)
	assert.Contains(t, f.Warnings[0], "noindex")
	assert.Contains(t, f.Warnings[1], "garbage")
}
