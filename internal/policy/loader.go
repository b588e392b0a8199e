package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IliaW/policy-gate/config"
	"github.com/IliaW/policy-gate/internal/htaccess"
	"github.com/IliaW/policy-gate/internal/robots"
	"github.com/IliaW/policy-gate/internal/sitemap"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

var MissingFileError = errors.New("policy file is missing")

// Snapshot is one immutable, validated load of the three policy files.
// Updates are whole-file replacements; a snapshot is never mutated after
// Load returns it.
type Snapshot struct {
	ID         string
	LoadedAt   time.Time
	Host       string
	Directives *htaccess.Policy
	Sitemap    *sitemap.Sitemap // nil when absent and not required
	Robots     *robots.File     // nil when absent and not required
	Warnings   []string

	defaultAllowed bool
}

// Loader owns the live snapshot and swaps it atomically on reload.
type Loader struct {
	cfg      *config.PolicyConfig
	snap     atomic.Pointer[Snapshot]
	onReload func(ok bool)
}

// NewLoader performs the initial load. A service with no valid policy has
// nothing to answer, so the first load must succeed.
func NewLoader(cfg *config.PolicyConfig, onReload func(ok bool)) (*Loader, error) {
	l := &Loader{cfg: cfg, onReload: onReload}
	if l.onReload == nil {
		l.onReload = func(bool) {}
	}
	snap, err := l.load()
	if err != nil {
		return nil, err
	}
	l.snap.Store(snap)

	return l, nil
}

// Snapshot returns the live snapshot. Never nil after NewLoader succeeds.
func (l *Loader) Snapshot() *Snapshot {
	return l.snap.Load()
}

// Reload rebuilds the snapshot from disk. A snapshot that fails to load or
// validate is rejected and the previous one stays live.
func (l *Loader) Reload() (*Snapshot, error) {
	snap, err := l.load()
	if err != nil {
		l.onReload(false)
		return nil, err
	}
	l.snap.Store(snap)
	l.onReload(true)
	slog.Info("policy snapshot replaced.", slog.String("snapshot_id", snap.ID),
		slog.Int("warnings", len(snap.Warnings)))

	return snap, nil
}

func (l *Loader) load() (*Snapshot, error) {
	snap := &Snapshot{
		ID:             uuid.New().String(),
		LoadedAt:       time.Now(),
		Host:           strings.ToLower(l.cfg.SiteHost),
		defaultAllowed: l.cfg.DefaultAllowed,
	}

	f, err := os.Open(l.cfg.HtaccessFile)
	if err != nil {
		return nil, fmt.Errorf("directive file: %w", err)
	}
	snap.Directives, err = htaccess.Parse(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("directive file: %w", err)
	}
	snap.Warnings = append(snap.Warnings, snap.Directives.Warnings...)

	snap.Sitemap, err = l.loadSitemap()
	if err != nil {
		return nil, err
	}
	snap.Robots, err = l.loadRobots()
	if err != nil {
		return nil, err
	}
	if snap.Robots != nil {
		snap.Warnings = append(snap.Warnings, snap.Robots.Warnings...)
	}
	snap.Warnings = append(snap.Warnings, snap.crossValidate()...)

	return snap, nil
}

func (l *Loader) loadSitemap() (*sitemap.Sitemap, error) {
	f, err := os.Open(l.cfg.SitemapFile)
	if err != nil {
		if os.IsNotExist(err) && !l.cfg.RequireAll {
			slog.Warn("sitemap file is missing, url membership checks disabled.",
				slog.String("path", l.cfg.SitemapFile))
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", MissingFileError, l.cfg.SitemapFile)
	}
	defer f.Close()

	sm, err := sitemap.Parse(f, l.cfg.SiteHost)
	if err != nil {
		return nil, fmt.Errorf("sitemap file: %w", err)
	}
	return sm, nil
}

func (l *Loader) loadRobots() (*robots.File, error) {
	f, err := os.Open(l.cfg.RobotsFile)
	if err != nil {
		if os.IsNotExist(err) && !l.cfg.RequireAll {
			slog.Warn("robots file is missing, all agents treated as allowed.",
				slog.String("path", l.cfg.RobotsFile))
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", MissingFileError, l.cfg.RobotsFile)
	}
	defer f.Close()

	rf, err := robots.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("robots file: %w", err)
	}
	return rf, nil
}

// crossValidate reports inconsistencies between the three record sets. They
// are independent at runtime, so conflicts degrade to warnings.
func (s *Snapshot) crossValidate() []string {
	var warnings []string

	if s.Robots != nil {
		for _, sm := range s.Robots.Sitemaps {
			u, err := url.Parse(sm)
			if err != nil {
				continue
			}
			if !strings.EqualFold(u.Hostname(), s.Host) {
				warnings = append(warnings,
					fmt.Sprintf("robots sitemap pointer %s is outside host %s", sm, s.Host))
			}
		}
	}

	if s.Sitemap != nil {
		for _, loc := range s.Sitemap.URLs() {
			u, err := url.Parse(loc)
			if err != nil {
				continue
			}
			if s.Robots != nil {
				if v := s.Robots.Test("*", u.Path); !v.Allowed {
					warnings = append(warnings,
						fmt.Sprintf("sitemap url %s is disallowed for all agents (%s)", loc, v.MatchedRule))
				}
			}
			res := s.Directives.Evaluate(htaccess.Request{Scheme: u.Scheme, Host: u.Host, Path: u.Path})
			if res.Deny != nil {
				warnings = append(warnings,
					fmt.Sprintf("sitemap url %s is denied by the directive file (status %d)", loc, res.Deny.Code))
			}
		}
	}

	return warnings
}

// Watch reloads the snapshot when any of the policy files is rewritten.
// Editors and deploy scripts replace files wholesale, so create and rename
// events count as writes. Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := make(map[string]bool)
	files := make(map[string]bool)
	for _, p := range []string{l.cfg.HtaccessFile, l.cfg.SitemapFile, l.cfg.RobotsFile} {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	slog.Info("watching policy files for replacement.", slog.Int("dirs", len(dirs)))

	// debounce bursts from editors that write in several syscalls
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !files[abs] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("policy file changed.", slog.String("file", abs), slog.String("op", event.Op.String()))
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("policy watcher error.", slog.String("err", err.Error()))
		case <-pending:
			pending = nil
			if _, err := l.Reload(); err != nil {
				slog.Error("policy reload rejected, previous snapshot stays live.",
					slog.String("err", err.Error()))
			}
		}
	}
}
