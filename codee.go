// Package codee is the public API for embedding the Codee agent server.
//
// Callers construct and extend the server without forking it:
//
//	app, err := codee.New(
//	    codee.WithVersion(version),
//	    codee.WithLogger(logger),
//	    codee.WithEventHook(slackNotifier{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the
// root. Public types (AgentEvent, AgentStatus) are standalone; the adapters
// that convert internal values live here because this is the only file that
// sees both sides of the boundary.
package codee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Bardemic/codee-sub000/internal/auth"
	"github.com/Bardemic/codee-sub000/internal/config"
	"github.com/Bardemic/codee-sub000/internal/credentials"
	"github.com/Bardemic/codee-sub000/internal/ctxutil"
	"github.com/Bardemic/codee-sub000/internal/environment"
	"github.com/Bardemic/codee-sub000/internal/github"
	"github.com/Bardemic/codee-sub000/internal/jobqueue"
	"github.com/Bardemic/codee-sub000/internal/llm"
	"github.com/Bardemic/codee-sub000/internal/mcp"
	"github.com/Bardemic/codee-sub000/internal/provider"
	"github.com/Bardemic/codee-sub000/internal/ratelimit"
	"github.com/Bardemic/codee-sub000/internal/reconcile"
	"github.com/Bardemic/codee-sub000/internal/runner"
	"github.com/Bardemic/codee-sub000/internal/server"
	"github.com/Bardemic/codee-sub000/internal/service/workspaces"
	"github.com/Bardemic/codee-sub000/internal/storage"
	"github.com/Bardemic/codee-sub000/internal/stream"
	"github.com/Bardemic/codee-sub000/internal/telemetry"
	"github.com/Bardemic/codee-sub000/migrations"
)

// Shutdown phase budgets.
const (
	shutdownHTTPTimeout  = 10 * time.Second
	shutdownQueueTimeout = 30 * time.Second
	shutdownHookTimeout  = 10 * time.Second
)

// App is the Codee server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	queue        *jobqueue.Queue
	runner       *runner.Runner
	reconciler   *reconcile.Reconciler
	stream       stream.Stream
	creds        *credentials.Store
	registry     *provider.Registry
	limiter      ratelimit.Limiter
	docker       *environment.DockerBackend // nil unless the docker backend is selected
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Codee server. It connects to Postgres (and Redis when
// configured), runs migrations, wires all subsystems, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("codee starting", "version", version, "port", cfg.Port, "providers", cfg.Providers)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Each failure below unwinds what was built before it.
	var cleanups []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	cleanups = append(cleanups, func() { db.Close(context.Background()) })
	db.RegisterPoolMetrics()

	if cfg.SkipMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Verify the queue table exists; without it no Codee agent can ever run.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'agent_jobs')`,
	).Scan(&schemaOK); err != nil {
		return fail(fmt.Errorf("schema verification: %w", err))
	}
	if !schemaOK {
		return fail(fmt.Errorf("critical table 'agent_jobs' does not exist after migration"))
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	// Status stream.
	var events stream.Stream
	if cfg.RedisURL != "" {
		rs, err := stream.NewRedisStream(cfg.RedisURL, cfg.StreamMaxLen)
		if err != nil {
			return fail(fmt.Errorf("redis stream: %w", err))
		}
		events = rs
		logger.Info("status stream: redis", "max_len", cfg.StreamMaxLen)
	} else {
		events = stream.NewMemoryStream(int(cfg.StreamMaxLen))
		logger.Warn("status stream: in-process (no REDIS_URL); events are lost on restart")
	}
	cleanups = append(cleanups, func() { _ = events.Close() })

	// Sealed vendor credentials.
	var sealer *credentials.Sealer
	if cfg.CredentialsKey != "" {
		sealer, err = credentials.NewSealer(cfg.CredentialsKey)
	} else {
		sealer, err = credentials.NewEphemeralSealer()
		logger.Warn("credentials: CODEE_CREDENTIALS_KEY unset, using an ephemeral key; stored integrations will be unreadable after restart")
	}
	if err != nil {
		return fail(fmt.Errorf("credentials: %w", err))
	}
	creds := credentials.NewStore(db, sealer, cfg.CredentialTTL, logger)
	cleanups = append(cleanups, creds.Close)

	// Repository tokens.
	var tokens runner.Tokens = unconfiguredTokens{}
	if cfg.GitHubAppID != 0 && cfg.GitHubPrivateKeyPath != "" {
		key, err := github.LoadPrivateKey(cfg.GitHubPrivateKeyPath)
		if err != nil {
			return fail(fmt.Errorf("github app key: %w", err))
		}
		tokens = github.NewApp(cfg.GitHubAppID, key, cfg.GitHubAPIURL, creds)
		logger.Info("github app: enabled", "app_id", cfg.GitHubAppID)
	} else {
		logger.Warn("github app: disabled (no GITHUB_APP_ID); codee agents cannot clone repositories")
	}

	// Execution environments.
	var backend environment.Backend
	var docker *environment.DockerBackend
	switch cfg.EnvironmentBackend {
	case "docker":
		docker = environment.NewDockerBackend(cfg.DockerImage, logger)
		backend = docker
		cleanups = append(cleanups, func() { docker.Close(context.Background()) })
		logger.Info("environments: docker", "image", cfg.DockerImage)
	default:
		backend = environment.NewSandboxBackend(environment.SandboxConfig{
			BaseURL:   cfg.SandboxAPIURL,
			Token:     cfg.SandboxToken,
			TeamID:    cfg.SandboxTeamID,
			ProjectID: cfg.SandboxProjectID,
			Runtime:   cfg.SandboxRuntime,
		})
		logger.Info("environments: sandbox", "url", cfg.SandboxAPIURL)
	}
	envs := environment.NewManager(backend, db, cfg.EnvironmentLease, cfg.ProvisionTimeout, logger)

	// Status reconciler and public hooks.
	reconciler := reconcile.New(db, logger)
	for _, h := range o.eventHooks {
		reconciler.AddHook(hookAdapter(h))
	}

	queue := jobqueue.New(db, jobqueue.Config{
		Workers:       cfg.Workers,
		Lease:         cfg.JobLease,
		PollInterval:  cfg.JobPollInterval,
		MaxDeliveries: cfg.JobMaxDeliveries,
	}, logger)

	registry, err := provider.NewRegistry(cfg.Providers, provider.Deps{
		Store:               db,
		Reconciler:          reconciler,
		Queue:               queue,
		Stream:              events,
		Credentials:         creds,
		Logger:              logger,
		CursorAPIURL:        cfg.CursorAPIURL,
		CursorWebhookSecret: cfg.CursorWebhookSecret,
		JulesAPIURL:         cfg.JulesAPIURL,
		PublicURL:           cfg.PublicURL,
	})
	if err != nil {
		return fail(fmt.Errorf("providers: %w", err))
	}
	creds.OnInvalidate(registry.Clients().Invalidate)
	cleanups = append(cleanups, registry.Clients().Close)

	// Language model.
	var client llm.Client
	if cfg.OpenAIAPIKey != "" {
		client = llm.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
	} else {
		logger.Warn("llm: OPENAI_API_KEY unset; codee agents will fail and titles fall back to the first message")
	}

	var subAgents runner.SubAgents
	if c := registry.Codee(); c != nil {
		subAgents = c
	}
	run := runner.New(runner.Deps{
		Store:        db,
		Reconciler:   reconciler,
		Environments: envs,
		Tokens:       tokens,
		SubAgents:    subAgents,
		Stream:       events,
		LLM:          client,
		Logger:       logger,
	}, runner.Config{
		Model:    cfg.Model,
		MaxSteps: cfg.MaxSteps,
		BotName:  cfg.BotName,
		BotEmail: cfg.BotEmail,
	})

	svc := workspaces.New(db, registry, creds, client, cfg.TitleModel, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	switch {
	case !cfg.RateLimitEnabled:
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	case cfg.RedisURL != "":
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		rl, err := ratelimit.NewRedisLimiterFromURL(cfg.RedisURL, cfg.RateLimitBurst, window)
		if err != nil {
			return fail(fmt.Errorf("redis limiter: %w", err))
		}
		limiter = rl
		logger.Info("rate limiting: redis (fixed window)", "limit", cfg.RateLimitBurst, "window", window)
	default:
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	mcpSrv := mcp.New(svc, logger, version)

	// Adapt route registrars from public codee.RouteRegistrar to internal server format.
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux) { fn(mux, authHelper{}) })
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Service:             svc,
		Stream:              events,
		Reconciler:          reconciler,
		Agents:              db,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		DB:                  db,
		Queue:               queue,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		CursorWebhookSecret: cfg.CursorWebhookSecret,
		GitHubWebhookSecret: cfg.GitHubWebhookSecret,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		queue:        queue,
		runner:       run,
		reconciler:   reconciler,
		stream:       events,
		creds:        creds,
		registry:     registry,
		limiter:      limiter,
		docker:       docker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the job workers and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown has run;
// callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	// Workers outlive ctx so Shutdown can drain them in order.
	a.queue.Start(context.WithoutCancel(ctx), a.runner.Handle)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight ones,
// (2) stop claiming jobs and wait for running agent jobs,
// (3) wait for terminal-status hooks.
// It then closes the stream, caches, database pool and OTEL provider.
// Jobs still running after phase 2 are redelivered once their lease lapses.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("codee shutting down")

	// Phase 0: give load balancers time to stop routing here.
	if d := a.cfg.ShutdownHTTPDelay; d > 0 {
		a.logger.Info("shutdown: delaying http drain", "delay", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: job drain.
	queueCtx, queueCancel := contextWithOptionalTimeout(ctx, shutdownQueueTimeout)
	a.queue.Drain(queueCtx)
	queueCancel()

	// Phase 3: hook drain.
	hookCtx, hookCancel := contextWithOptionalTimeout(ctx, shutdownHookTimeout)
	a.reconciler.Wait(hookCtx)
	hookCancel()

	// Cleanup.
	_ = a.limiter.Close()
	a.registry.Clients().Close()
	a.creds.Close()
	if a.docker != nil {
		a.docker.Close(context.Background())
	}
	if err := a.stream.Close(); err != nil {
		a.logger.Warn("status stream close failed", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("codee stopped")
	return nil
}

// contextWithOptionalTimeout applies d when positive; otherwise the parent
// deadline (if any) governs.
func contextWithOptionalTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// hookAdapter wraps a codee.EventHook as a reconcile.Hook, converting the
// internal change to the public AgentEvent at the boundary.
func hookAdapter(h EventHook) reconcile.Hook {
	return func(ctx context.Context, c reconcile.Change) error {
		return h.OnAgentTerminal(ctx, toAgentEvent(c))
	}
}

func toAgentEvent(c reconcile.Change) AgentEvent {
	return AgentEvent{
		AgentID:  c.AgentID,
		Provider: string(c.Provider),
		Status:   AgentStatus(c.Status),
		At:       c.At,
	}
}

// authHelper reads the identity set by the server's auth middleware.
type authHelper struct{}

func (authHelper) UserID(r *http.Request) uuid.UUID {
	return ctxutil.UserIDFromContext(r.Context())
}

// unconfiguredTokens stands in for the GitHub App when none is configured.
// Runs fail at the token step and the agent stays PENDING.
type unconfiguredTokens struct{}

func (unconfiguredTokens) TokenForUser(context.Context, uuid.UUID) (string, error) {
	return "", errors.New("github app not configured")
}
