package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IliaW/policy-gate/config"
	"github.com/IliaW/policy-gate/internal/aws_sqs"
	"github.com/IliaW/policy-gate/internal/broker"
	cacheClient "github.com/IliaW/policy-gate/internal/cache"
	"github.com/IliaW/policy-gate/internal/model"
	"github.com/IliaW/policy-gate/internal/persistence"
	"github.com/IliaW/policy-gate/internal/policy"
	"github.com/IliaW/policy-gate/internal/server"
	"github.com/IliaW/policy-gate/internal/telemetry"
	"github.com/IliaW/policy-gate/internal/worker"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

var (
	cfg          *config.Config
	db           *sql.DB
	cache        cacheClient.CachedClient
	decisionRepo persistence.DecisionStorage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	setupLogger()
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()
	db = setupDatabase()
	defer closeDatabase()
	decisionRepo = persistence.NewDecisionRepository(db)
	cache = cacheClient.NewMemcachedClient(cfg.CacheSettings)
	defer cache.Close()
	httpClient := setupHttpClient()
	kafkaDLQ := broker.NewKafkaDLQ(cfg.ServiceName, cfg.KafkaSettings.Producer)
	rateLimiter := rate.NewLimiter(rate.Every(cfg.WorkerSettings.TimeInterval), cfg.WorkerSettings.RequestsLimit)

	loader := setupPolicyLoader(metrics.PolicyMetrics)
	if cfg.PolicySettings.WatchFiles {
		go func() {
			if err := loader.Watch(ctx); err != nil {
				slog.Error("policy watcher stopped.", slog.String("err", err.Error()))
			}
		}()
	}
	slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env),
		slog.String("site_host", cfg.PolicySettings.SiteHost))

	threadNum := parallelWorkers()
	getSqsChan := make(chan *string, threadNum*2) // double the size to avoid blocking
	sendSqsChan := make(chan *string, threadNum*2)
	kafkaChan := make(chan *model.Decision, threadNum*2)

	wg := &sync.WaitGroup{}
	wg.Add(2)
	sqs := aws_sqs.NewSQSWorker(getSqsChan, metrics.SQSMetrics, sendSqsChan, cfg, wg)
	go sqs.SQSConsumer(ctx)
	go sqs.SQSProducer()

	workerWg := &sync.WaitGroup{}
	policyWorker := &worker.PolicyCheckWorker{
		InputSqsChan:    getSqsChan,
		OutputSqsChan:   sendSqsChan,
		OutputKafkaChan: kafkaChan,
		Loader:          loader,
		HttpClient:      httpClient,
		RateLimiter:     rateLimiter,
		Cfg:             cfg,
		Db:              decisionRepo,
		Cache:           cache,
		Wg:              workerWg,
		DLQ:             kafkaDLQ,
		Metrics:         metrics.CheckMetrics,
	}
	for i := 0; i < threadNum; i++ {
		workerWg.Add(1)
		go policyWorker.Run()
	}
	go policyWorker.VerifySitemapPointers(ctx)

	wg.Add(1)
	kafka := broker.NewKafkaProducer(kafkaChan, metrics.KafkaMetrics, cfg.KafkaSettings.Producer, wg)
	go kafka.Run()

	httpServer := startHttpServer(loader)

	// Graceful shutdown.
	// 1. Stop SQS Consumer by system call. Close getSqsChan
	// 2. Wait till all Workers processed all messages from getSqsChan
	// 3. Close sendSqsChan and kafkaChan
	// 4. Wait till SQS Producer and Kafka Producer process all messages.
	// 5. Stop the HTTP API, close database and memcached connections
	<-ctx.Done()
	slog.Info("stopping server...")
	workerWg.Wait()
	close(sendSqsChan)
	slog.Info("close sendSqsChan.")
	close(kafkaChan)
	slog.Info("close kafkaChan.")
	wg.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed.", slog.String("err", err.Error()))
	}
	slog.Info("server stopped.")
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor: func() bool {
				if cfg.Env == "local" {
					return false
				}
				return true
			}()}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupPolicyLoader(metrics *telemetry.PolicyMetrics) *policy.Loader {
	slog.Info("loading site policy...",
		slog.String("htaccess", cfg.PolicySettings.HtaccessFile),
		slog.String("sitemap", cfg.PolicySettings.SitemapFile),
		slog.String("robots", cfg.PolicySettings.RobotsFile))
	loader, err := policy.NewLoader(cfg.PolicySettings, func(ok bool) {
		if ok {
			metrics.ReloadOkCnt(1)
		} else {
			metrics.ReloadFailCnt(1)
		}
	})
	if err != nil {
		slog.Error("failed to load the site policy.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	snap := loader.Snapshot()
	for _, warning := range snap.Warnings {
		slog.Warn("policy warning.", slog.String("warning", warning))
	}
	slog.Info("site policy loaded!", slog.String("snapshot_id", snap.ID))

	return loader
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			slog.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				slog.Error("failed to establish database connection.")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	slog.Info("connected to the database!")

	return database
}

func closeDatabase() {
	slog.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		slog.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}

func setupHttpClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.HttpClientSettings.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.HttpClientSettings.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.HttpClientSettings.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.HttpClientSettings.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.HttpClientSettings.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HttpClientSettings.DialTimeout,
			KeepAlive: cfg.HttpClientSettings.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.HttpClientSettings.TlsInsecureSkipVerify,
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.HttpClientSettings.RequestTimeout,
	}
}

// Set -1 to use all available CPUs
func parallelWorkers() int {
	customNumCPU := cfg.WorkerSettings.WorkersNum
	if customNumCPU == -1 {
		return runtime.NumCPU()
	}
	if customNumCPU <= 0 {
		slog.Error("workers number is 0 or less than -1")
		os.Exit(1)
	}

	return customNumCPU
}

func startHttpServer(loader *policy.Loader) *http.Server {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.New(cfg, loader).Router(),
		ReadTimeout:  cfg.ServerSettings.ReadTimeout,
		WriteTimeout: cfg.ServerSettings.WriteTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.String("err", err.Error()))
		}
	}()

	return srv
}
