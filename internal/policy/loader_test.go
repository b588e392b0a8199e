package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/IliaW/policy-gate/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHtaccess = `
RewriteEngine On
RewriteCond %{HTTPS} off
RewriteRule ^(.*)$ https://%{HTTP_HOST}%{REQUEST_URI} [R=301,L]
Header set X-Frame-Options "SAMEORIGIN"
<FilesMatch "^\.">
    Require all denied
</FilesMatch>
`

const testSitemap = `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://tikdownloader.app/</loc></url>
  <url><loc>https://tikdownloader.app/faq.html</loc></url>
</urlset>`

const testRobots = `
User-agent: *
Disallow: /admin/
Allow: /

Sitemap: https://tikdownloader.app/sitemap.xml
`

func writePolicyFiles(t *testing.T, htaccess, sitemap, robots string) *config.PolicyConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.PolicyConfig{
		SiteHost:       "tikdownloader.app",
		HtaccessFile:   filepath.Join(dir, ".htaccess"),
		SitemapFile:    filepath.Join(dir, "sitemap.xml"),
		RobotsFile:     filepath.Join(dir, "robots.txt"),
		DefaultAllowed: true,
	}
	require.NoError(t, os.WriteFile(cfg.HtaccessFile, []byte(htaccess), 0o644))
	if sitemap != "" {
		require.NoError(t, os.WriteFile(cfg.SitemapFile, []byte(sitemap), 0o644))
	}
	if robots != "" {
		require.NoError(t, os.WriteFile(cfg.RobotsFile, []byte(robots), 0o644))
	}
	return cfg
}

func TestLoadSnapshot(t *testing.T) {
	cfg := writePolicyFiles(t, testHtaccess, testSitemap, testRobots)
	loader, err := NewLoader(cfg, nil)
	require.NoError(t, err)

	snap := loader.Snapshot()
	require.NotNil(t, snap)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "tikdownloader.app", snap.Host)
	assert.NotNil(t, snap.Directives)
	assert.NotNil(t, snap.Sitemap)
	assert.NotNil(t, snap.Robots)
	assert.Empty(t, snap.Warnings)
}

func TestInitialLoadFailsOnBrokenFile(t *testing.T) {
	cfg := writePolicyFiles(t, "<Files \"x\">\nRequire all denied", testSitemap, testRobots)
	_, err := NewLoader(cfg, nil)
	assert.Error(t, err)
}

func TestMissingOptionalFiles(t *testing.T) {
	cfg := writePolicyFiles(t, testHtaccess, "", "")
	loader, err := NewLoader(cfg, nil)
	require.NoError(t, err)

	snap := loader.Snapshot()
	assert.Nil(t, snap.Sitemap)
	assert.Nil(t, snap.Robots)

	// absent robots falls back to the configured default
	d, err := snap.Evaluate("https://tikdownloader.app/anything", "AnyBot")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMissingFilesRejectedWhenRequired(t *testing.T) {
	cfg := writePolicyFiles(t, testHtaccess, "", "")
	cfg.RequireAll = true
	_, err := NewLoader(cfg, nil)
	assert.ErrorIs(t, err, MissingFileError)
}

func TestRejectedReloadKeepsPreviousSnapshot(t *testing.T) {
	cfg := writePolicyFiles(t, testHtaccess, testSitemap, testRobots)
	reloads := make(map[bool]int)
	loader, err := NewLoader(cfg, func(ok bool) { reloads[ok]++ })
	require.NoError(t, err)
	liveID := loader.Snapshot().ID

	require.NoError(t, os.WriteFile(cfg.RobotsFile, []byte("User-agent: *\nDisallow: admin"), 0o644))
	_, err = loader.Reload()
	assert.Error(t, err)
	assert.Equal(t, liveID, loader.Snapshot().ID)
	assert.Equal(t, 1, reloads[false])

	require.NoError(t, os.WriteFile(cfg.RobotsFile, []byte(testRobots), 0o644))
	_, err = loader.Reload()
	require.NoError(t, err)
	assert.NotEqual(t, liveID, loader.Snapshot().ID)
	assert.Equal(t, 1, reloads[true])
}

func TestCrossValidationWarnings(t *testing.T) {
	robots := `
User-agent: *
Disallow: /faq.html

Sitemap: https://other.example.com/sitemap.xml
`
	cfg := writePolicyFiles(t, testHtaccess, testSitemap, robots)
	loader, err := NewLoader(cfg, nil)
	require.NoError(t, err)

	warnings := loader.Snapshot().Warnings
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "other.example.com")
	assert.Contains(t, warnings[1], "faq.html")
}

func TestEvaluateDecision(t *testing.T) {
	cfg := writePolicyFiles(t, testHtaccess, testSitemap, testRobots)
	loader, err := NewLoader(cfg, nil)
	require.NoError(t, err)
	snap := loader.Snapshot()

	d, err := snap.Evaluate("https://tikdownloader.app/faq.html", "GoogleBot")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.InSitemap)
	assert.Equal(t, "Allow: /", d.MatchedRule)
	assert.Equal(t, "SAMEORIGIN", d.Headers["X-Frame-Options"])
	assert.Empty(t, d.RedirectTo)
	assert.Equal(t, snap.ID, d.SnapshotID)

	d, err = snap.Evaluate("https://tikdownloader.app/admin/panel", "GoogleBot")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Disallow: /admin/", d.MatchedRule)
	assert.False(t, d.InSitemap)

	// directive denial overrides a robots allow
	d, err = snap.Evaluate("https://tikdownloader.app/.htaccess", "GoogleBot")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 403, d.DenyCode)

	// http requests carry the forced-https redirect
	d, err = snap.Evaluate("http://tikdownloader.app/faq.html", "GoogleBot")
	require.NoError(t, err)
	assert.Equal(t, "https://tikdownloader.app/faq.html", d.RedirectTo)
	assert.Equal(t, 301, d.RedirectCode)

	_, err = snap.Evaluate("https://evil.example.com/faq.html", "GoogleBot")
	assert.ErrorIs(t, err, ForeignHostError)

	_, err = snap.Evaluate("/faq.html", "GoogleBot")
	assert.Error(t, err)
}
