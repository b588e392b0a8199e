package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/IliaW/policy-gate/config"
	"github.com/IliaW/policy-gate/internal/broker"
	"github.com/IliaW/policy-gate/internal/cache"
	"github.com/IliaW/policy-gate/internal/model"
	"github.com/IliaW/policy-gate/internal/persistence"
	"github.com/IliaW/policy-gate/internal/policy"
	"github.com/IliaW/policy-gate/internal/telemetry"
	"github.com/PuerkitoBio/purell"
	"golang.org/x/time/rate"
)

type PolicyCheckWorker struct {
	InputSqsChan    <-chan *string
	OutputSqsChan   chan<- *string
	OutputKafkaChan chan<- *model.Decision
	Loader          *policy.Loader
	HttpClient      *http.Client
	RateLimiter     *rate.Limiter
	Cfg             *config.Config
	Db              persistence.DecisionStorage
	Cache           cache.CachedClient
	Wg              *sync.WaitGroup
	DLQ             broker.DeadLetterQueue
	Metrics         *telemetry.CheckMetrics
}

func (w *PolicyCheckWorker) Run() {
	defer w.Wg.Done()
	slog.Debug("start policy check worker")

	for str := range w.InputSqsChan {
		// Expected string format: {"url": "https://example.com/page", "user_agent": "GoogleBot", "force": false}
		var task model.PolicyCheckTask
		if err := json.Unmarshal([]byte(*str), &task); err != nil {
			slog.Error("failed to unmarshal the task.", slog.String("task", *str),
				slog.String("err", err.Error()))
			w.DLQ.SendTaskToDLQ(*str, err)
			w.Metrics.FailedCheckCnt(1)
			continue
		}
		if task.UserAgent == "" {
			task.UserAgent = w.Cfg.WorkerSettings.UserAgent
		}

		normUrl, err := purell.NormalizeURLString(task.URL, purell.FlagsSafe|purell.FlagSortQuery)
		if err != nil {
			slog.Error("failed to normalize the url.", slog.String("url", task.URL),
				slog.String("err", err.Error()))
			w.DLQ.SendTaskToDLQ(*str, err)
			w.Metrics.FailedCheckCnt(1)
			continue
		}
		task.URL = normUrl

		snap := w.Loader.Snapshot()

		// Check memcached for a decision made against the live snapshot.
		if !task.Force {
			if cached := w.Cache.GetDecision(task.URL, task.UserAgent); cached != nil &&
				cached.SnapshotID == snap.ID {
				slog.Debug("decision already cached. Skip evaluation.", slog.String("url", task.URL))
				w.countDecision(cached)
				continue
			}
			// Check whether the decision is in the database and still belongs
			// to the live snapshot. Re-warm the cache on a hit.
			if last := w.Db.GetLastDecision(task.URL, task.UserAgent); last != nil &&
				last.SnapshotID == snap.ID {
				slog.Debug("decision found in the database. Skip evaluation.", slog.String("url", task.URL))
				w.Cache.SaveDecision(last)
				w.countDecision(last)
				continue
			}
		}

		decision, err := snap.Evaluate(task.URL, task.UserAgent)
		if err != nil {
			slog.Error("failed to evaluate the policy.", slog.String("url", task.URL),
				slog.String("err", err.Error()))
			w.DLQ.SendTaskToDLQ(*str, err)
			w.Metrics.FailedCheckCnt(1)
			continue
		}

		// Increment the threshold for the host
		if err := w.Cache.IncrementThreshold(task.URL); err != nil {
			// If the threshold is reached or an error - put the task back to the sqs
			w.OutputSqsChan <- str
			continue
		}

		w.Cache.SaveDecision(decision)
		w.Db.SaveDecision(decision)
		w.OutputKafkaChan <- decision
		w.countDecision(decision)
	}
}

func (w *PolicyCheckWorker) countDecision(d *model.Decision) {
	if d.Allowed {
		w.Metrics.AllowedCheckCnt(1)
	} else {
		w.Metrics.DeniedCheckCnt(1)
	}
}

// VerifySitemapPointers confirms that the Sitemap: pointers in the live
// robots file resolve. Pointer failures are authoring mistakes the external
// crawlers would shrug at, so they degrade to warnings here too.
func (w *PolicyCheckWorker) VerifySitemapPointers(ctx context.Context) {
	snap := w.Loader.Snapshot()
	if snap.Robots == nil || len(snap.Robots.Sitemaps) == 0 {
		return
	}
	for _, pointer := range snap.Robots.Sitemaps {
		if err := w.RateLimiter.Wait(ctx); err != nil {
			slog.Error("rate limiter failed.", slog.String("err", err.Error()))
			return
		}
		statusCode, err := w.headRequest(ctx, pointer)
		if err != nil {
			slog.Warn("sitemap pointer verification request failed.", slog.String("url", pointer),
				slog.String("err", err.Error()))
			continue
		}
		if statusCode < 200 || statusCode >= 300 {
			slog.Warn("sitemap pointer does not resolve.", slog.String("url", pointer),
				slog.Int("status code", statusCode))
			continue
		}
		slog.Debug("sitemap pointer verified.", slog.String("url", pointer))
	}
}

func (w *PolicyCheckWorker) headRequest(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		slog.Error("failed to create a request.", slog.String("url", url),
			slog.String("err", err.Error()))
		return 0, err
	}
	req.Header.Set("User-Agent", w.Cfg.WorkerSettings.UserAgent)

	resp, err := w.HttpClient.Do(req)
	if err != nil {
		slog.Error("failed to make a request to the url.", slog.String("url", url),
			slog.String("err", err.Error()))
		return 0, err
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			slog.Warn("failed to close the response body.", slog.String("err", err.Error()))
		}
	}()

	return resp.StatusCode, nil
}
