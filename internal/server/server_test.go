package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IliaW/policy-gate/config"
	"github.com/IliaW/policy-gate/internal/model"
	"github.com/IliaW/policy-gate/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *policy.Loader) {
	t.Helper()
	dir := t.TempDir()
	policyCfg := &config.PolicyConfig{
		SiteHost:       "tikdownloader.app",
		HtaccessFile:   filepath.Join(dir, ".htaccess"),
		SitemapFile:    filepath.Join(dir, "sitemap.xml"),
		RobotsFile:     filepath.Join(dir, "robots.txt"),
		DefaultAllowed: true,
	}
	require.NoError(t, os.WriteFile(policyCfg.HtaccessFile, []byte(`
RewriteEngine On
Header set X-Frame-Options "SAMEORIGIN"
`), 0o644))
	require.NoError(t, os.WriteFile(policyCfg.SitemapFile, []byte(
		`<urlset><url><loc>https://tikdownloader.app/faq.html</loc></url></urlset>`), 0o644))
	require.NoError(t, os.WriteFile(policyCfg.RobotsFile, []byte(`
User-agent: *
Disallow: /admin/
Allow: /
`), 0o644))

	loader, err := policy.NewLoader(policyCfg, nil)
	require.NoError(t, err)

	cfg := &config.Config{
		ServiceName:    "policy-gate",
		PolicySettings: policyCfg,
		ServerSettings: &config.ServerConfig{RequestLimit: 1000, RequestWindow: time.Minute},
		WorkerSettings: &config.WorkerConfig{UserAgent: "policy-gate/test"},
	}

	return New(cfg, loader), loader
}

func doRequest(t *testing.T, handler http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestCheckAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet,
		"/api/v1/check?url=https://tikdownloader.app/faq.html&agent=GoogleBot")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.RuleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsAllowed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Error)
}

func TestCheckDenied(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet,
		"/api/v1/check?url=https://tikdownloader.app/admin/secret&agent=GoogleBot")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.RuleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.IsAllowed)
}

func TestCheckMissingURL(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/v1/check")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp model.RuleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "missing url")
}

func TestCheckForeignHost(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet,
		"/api/v1/check?url=https://evil.example.com/page")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDecisionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet,
		"/api/v1/decision?url=https://tikdownloader.app/faq.html")
	require.Equal(t, http.StatusOK, rec.Code)

	var d model.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Allowed)
	assert.True(t, d.InSitemap)
	assert.Equal(t, "SAMEORIGIN", d.Headers["X-Frame-Options"])
	// default agent comes from the worker settings
	assert.Equal(t, "policy-gate/test", d.UserAgent)
}

func TestPolicySummary(t *testing.T) {
	srv, loader := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/v1/policy")
	require.Equal(t, http.StatusOK, rec.Code)

	var sum policySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, loader.Snapshot().ID, sum.SnapshotID)
	assert.Equal(t, "tikdownloader.app", sum.Host)
	assert.Equal(t, 1, sum.SitemapURLs)
	assert.Equal(t, 1, sum.RobotsGroups)
}

func TestReloadEndpoint(t *testing.T) {
	srv, loader := newTestServer(t)
	before := loader.Snapshot().ID

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/policy/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, before, loader.Snapshot().ID)

	// break the robots file, the reload must be rejected
	require.NoError(t, os.WriteFile(srv.cfg.PolicySettings.RobotsFile,
		[]byte("User-agent: *\nDisallow: admin"), 0o644))
	live := loader.Snapshot().ID
	rec = doRequest(t, srv.Router(), http.MethodPost, "/api/v1/policy/reload")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, live, loader.Snapshot().ID)
}
