package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-grid/internal/analytics"
	"github.com/djlord-it/easy-grid/internal/api"
	"github.com/djlord-it/easy-grid/internal/auth"
	"github.com/djlord-it/easy-grid/internal/config"
	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/leaderelection"
	"github.com/djlord-it/easy-grid/internal/metrics"
	"github.com/djlord-it/easy-grid/internal/orchestrator"
	"github.com/djlord-it/easy-grid/internal/ratelimit"
	"github.com/djlord-it/easy-grid/internal/recovery"
	"github.com/djlord-it/easy-grid/internal/retention"
	"github.com/djlord-it/easy-grid/internal/router"
	"github.com/djlord-it/easy-grid/internal/session"
	"github.com/djlord-it/easy-grid/internal/store/postgres"

	_ "github.com/lib/pq"
)

// executionAdapter adapts the orchestrator to session.ExecutionService.
// The orch field is set after construction; the session manager and the
// orchestrator reference each other, and sessions only arrive once the
// HTTP server is up.
type executionAdapter struct {
	orch *orchestrator.Orchestrator
}

func (a *executionAdapter) Submit(ctx context.Context, sessionID uuid.UUID, identity string, msgID uuid.UUID, p domain.SubmitPayload) (uuid.UUID, error) {
	return a.orch.Submit(ctx, orchestrator.SubmitRequest{
		RequesterSessionID: sessionID,
		RequesterIdentity:  identity,
		SubmitMsgID:        msgID,
		Payload:            p,
	})
}

func (a *executionAdapter) Cancel(ctx context.Context, executionID, sessionID uuid.UUID) (domain.ExecutionStatus, error) {
	return a.orch.Cancel(ctx, executionID, sessionID)
}

func (a *executionAdapter) HandleAck(workerID, executionID uuid.UUID, attempt int) {
	a.orch.HandleAck(workerID, executionID, attempt)
}

func (a *executionAdapter) HandleProgress(workerID uuid.UUID, p domain.ProgressPayload) {
	a.orch.HandleProgress(workerID, p)
}

func (a *executionAdapter) HandleResult(workerID uuid.UUID, p domain.ResultPayload) {
	a.orch.HandleResult(workerID, p)
}

func (a *executionAdapter) WorkerJoined(workerID uuid.UUID) { a.orch.WorkerJoined(workerID) }
func (a *executionAdapter) WorkerGone(workerID uuid.UUID)   { a.orch.WorkerGone(workerID) }

// subscriptionsAdapter adapts the router to session.Subscriptions.
type subscriptionsAdapter struct {
	router *router.Router
}

func (a *subscriptionsAdapter) Subscribe(sessionID uuid.UUID, types []domain.EventType, tags []string) {
	a.router.Subscribe(sessionID, router.Filter{Types: types, Tags: tags})
}

func (a *subscriptionsAdapter) Unsubscribe(sessionID uuid.UUID) {
	a.router.Unsubscribe(sessionID)
}

// quotaAdapter adapts the rate limiter to orchestrator.Quota.
type quotaAdapter struct {
	limiter *ratelimit.Limiter
}

func (a *quotaAdapter) AcquireExecution(identity string) bool {
	return a.limiter.AcquireExecution(identity).Allowed
}

func (a *quotaAdapter) ReleaseExecution(identity string) {
	a.limiter.ReleaseExecution(identity)
}

// leaderGatedArchive prunes the database only while this instance holds
// leadership; followers still evict their in-memory tables.
type leaderGatedArchive struct {
	store  *postgres.Store
	leader atomic.Bool
}

func (g *leaderGatedArchive) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if !g.leader.Load() {
		return 0, nil
	}
	return g.store.DeleteBefore(ctx, cutoff)
}

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`easygrid - distributed test execution orchestrator

Usage:
  easygrid <command>

Commands:
  serve      Start the orchestrator and websocket endpoint
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  AUTH_TOKENS               Token table: token=identity:cap|cap,... (required)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  DATABASE_URL              PostgreSQL archive connection string (optional)
  REDIS_ADDR                Redis address for analytics (optional)

  AUTH_TIMEOUT              Handshake deadline (default: "10s")
  PING_INTERVAL             Server ping cadence (default: "20s")
  SESSION_SEND_BUFFER       Per-session outbound queue bound (default: "256")

  MAX_IN_FLIGHT             Global dispatched-execution cap (default: "10")
  MAX_PER_WORKER            Per-worker in-flight cap (default: "4")
  QUEUE_LIMIT               Queued execution cap (default: "1000")
  MAX_ATTEMPTS              Default attempt budget (default: "3")
  ACK_TIMEOUT               Dispatch acknowledgement deadline (default: "10s")
  EXEC_TIMEOUT              Default execution timeout (default: "5m")
  CANCEL_GRACE              Cancel confirmation window (default: "10s")
  RETRY_BASE                Retry backoff base delay (default: "500ms")
  RETRY_MAX                 Retry backoff cap (default: "30s")

  MESSAGES_PER_WINDOW       Per-identity message quota (default: "120")
  RATE_WINDOW               Sliding rate window (default: "1m")
  MAX_CONCURRENT_EXECUTIONS Per-identity in-flight cap (default: "10")

  CIRCUIT_BREAKER_THRESHOLD Failures before a worker circuit opens (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-circuit cooldown (default: "30s")

  RETENTION_SCHEDULE        Sweep cron expression (default: "*/5 * * * *")
  RETENTION_WINDOW          Terminal record retention (default: "24h")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  LEADER_LOCK_KEY           Advisory lock key shared by all instances
  LEADER_RETRY_INTERVAL     Leadership retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection heartbeat (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	tokens, err := auth.ParseTokens(cfg.AuthTokens)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	validator := auth.NewStaticValidator(tokens)

	// Connect to PostgreSQL if an archive is configured.
	var db *sql.DB
	var store *postgres.Store
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			return exitRuntimeError
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

		if err := db.Ping(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
			return exitRuntimeError
		}
		store = postgres.New(db)
		log.Printf("easygrid: archive enabled (max_open=%d, max_idle=%d)", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	} else {
		log.Println("easygrid: DATABASE_URL not set; archive disabled")
	}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("easygrid: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("easygrid: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("easygrid: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("easygrid: METRICS_ENABLED not set; metrics disabled")
	}

	limiter := ratelimit.New(ratelimit.Config{
		MessagesPerWindow:       cfg.MessagesPerWindow,
		Window:                  cfg.RateWindow,
		MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
	})

	breaker := recovery.NewBreaker(recovery.BreakerConfig{
		Threshold: cfg.CircuitBreakerThreshold,
		Cooldown:  cfg.CircuitBreakerCooldown,
	})
	if metricsSink != nil {
		breaker = breaker.WithMetrics(metricsSink)
	}

	backoff := recovery.BackoffConfig{
		Base: cfg.RetryBase,
		Max:  cfg.RetryMax,
	}

	// The session manager, orchestrator and router reference each other;
	// the adapters are filled in after all three exist.
	execAdapter := &executionAdapter{}
	subsAdapter := &subscriptionsAdapter{}

	manager := session.NewManager(session.Config{
		AuthTimeout:  cfg.AuthTimeout,
		PingInterval: cfg.PingInterval,
		SendBuffer:   cfg.SessionSendBuffer,
	}, validator, execAdapter, subsAdapter).WithQuota(limiter)
	if metricsSink != nil {
		manager = manager.WithMetrics(metricsSink)
	}

	rt := router.New(manager, cfg.RouterBufferSize)
	if metricsSink != nil {
		rt = rt.WithMetrics(metricsSink)
	}
	subsAdapter.router = rt

	orch := orchestrator.New(orchestrator.Config{
		MaxInFlight:        cfg.MaxInFlight,
		MaxPerWorker:       cfg.MaxPerWorker,
		AckTimeout:         cfg.AckTimeout,
		DefaultTimeout:     cfg.ExecTimeout,
		DefaultMaxAttempts: cfg.MaxAttempts,
		CancelGrace:        cfg.CancelGrace,
		QueueLimit:         cfg.QueueLimit,
		DrainTimeout:       cfg.DrainTimeout,
	}, manager, manager, manager, breaker, backoff).
		WithPublisher(rt).
		WithQuota(&quotaAdapter{limiter: limiter})
	if metricsSink != nil {
		orch = orch.WithMetrics(metricsSink)
	}
	if store != nil {
		orch = orch.WithPersistence(store)
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		sink := analytics.NewRedisSink(redisClient, analytics.DefaultConfig())
		orch = orch.WithAnalytics(sink)
		log.Printf("easygrid: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("easygrid: REDIS_ADDR not set; analytics disabled")
	}

	execAdapter.orch = orch

	// Retention sweeper. Every instance evicts its in-memory table; only
	// the elected leader prunes the shared archive.
	sweeper, err := retention.New(retention.Config{
		Schedule: cfg.RetentionSchedule,
		Window:   cfg.RetentionWindow,
	}, orch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid retention config: %v\n", err)
		return exitInvalidConfig
	}

	var gatedArchive *leaderGatedArchive
	var elector *leaderelection.Elector
	if store != nil {
		gatedArchive = &leaderGatedArchive{store: store}
		sweeper = sweeper.WithArchive(gatedArchive)
		elector = leaderelection.New(
			db,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			func(ctx context.Context) { gatedArchive.leader.Store(true) },
			func() { gatedArchive.leader.Store(false) },
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
	}
	if metricsSink != nil {
		sweeper = sweeper.WithMetrics(metricsSink)
	}

	apiHandler := api.NewHandler(orch, manager, breaker)
	if store != nil {
		apiHandler = apiHandler.WithArchive(store)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", manager.HandleWS)
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("easygrid: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("easygrid: http server error: %v", err)
		}
	}()

	// Separate contexts per component for ordered shutdown.
	orchCtx, cancelOrch := context.WithCancel(context.Background())
	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	electorCtx, cancelElector := context.WithCancel(context.Background())

	var orchWg, sweeperWg, electorWg sync.WaitGroup

	orchWg.Add(1)
	go func() {
		defer orchWg.Done()
		orch.Run(orchCtx)
	}()

	sweeperWg.Add(1)
	go func() {
		defer sweeperWg.Done()
		sweeper.Run(sweeperCtx)
	}()

	if elector != nil {
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(electorCtx)
		}()
	}

	log.Printf("easygrid: started (http=%s, max_in_flight=%d)", cfg.HTTPAddr, cfg.MaxInFlight)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("easygrid: received signal %v, shutting down", received)

	// Phase 1: Stop accepting new work; existing sessions get SERVER_DRAINING.
	log.Println("easygrid: draining...")
	orch.SetDraining()
	manager.SetDraining()

	// Phase 2: Close sessions gracefully.
	sessionCtx, sessionCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	manager.Shutdown(sessionCtx)
	sessionCancel()
	log.Println("easygrid: sessions closed")

	// Phase 3: Stop the orchestrator (drains pending commands).
	cancelOrch()
	orchWg.Wait()
	log.Println("easygrid: orchestrator stopped")

	// Phase 4: Stop sweeper and elector.
	cancelSweeper()
	sweeperWg.Wait()
	if elector != nil {
		cancelElector()
		electorWg.Wait()
	} else {
		cancelElector()
	}

	// Phase 5: Close the router fan-out.
	rt.Close()

	// Phase 6: Stop HTTP server with graceful shutdown.
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("easygrid: http server shutdown error: %v", err)
	}
	log.Println("easygrid: http server stopped")

	// Phase 7: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("easygrid: metrics server shutdown error: %v", err)
		}
		log.Println("easygrid: metrics server stopped")
	}

	log.Println("easygrid: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	if cfg.AuthTokens != "" {
		if _, err := auth.ParseTokens(cfg.AuthTokens); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitInvalidConfig
		}
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("easygrid version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
