package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/cmd/opshub/internal/handlers"
	"github.com/ledgerline/opshub/cmd/opshub/internal/middleware"
	"github.com/ledgerline/opshub/internal/auth"
	"github.com/ledgerline/opshub/internal/config"
	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/health"
	"github.com/ledgerline/opshub/internal/ingest"
	"github.com/ledgerline/opshub/internal/integrations/gotoconnect"
	"github.com/ledgerline/opshub/internal/integrations/graph"
	"github.com/ledgerline/opshub/internal/integrations/resend"
	"github.com/ledgerline/opshub/internal/integrations/twilio"
	"github.com/ledgerline/opshub/internal/intelligence"
	"github.com/ledgerline/opshub/internal/metrics"
	"github.com/ledgerline/opshub/internal/oauth"
	"github.com/ledgerline/opshub/internal/policy"
	"github.com/ledgerline/opshub/internal/scheduler"
	"github.com/ledgerline/opshub/internal/storage"
	"github.com/ledgerline/opshub/internal/streaming"
	"github.com/ledgerline/opshub/internal/tracing"
)

const outboundTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, webhooks and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		serve(cfg, logger)
		return nil
	},
}

func serve(cfg *config.Config, logger *zap.Logger) {
	logger.Info("Starting opshub", zap.String("version", version), zap.Int("port", cfg.Server.Port))

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		Version:      version,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	dbClient, err := db.NewClient(dbConfig(cfg), logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	database := dbClient.DB()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Invalid redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cancelPing()

	authz, err := policy.NewEngine(policy.Config{
		Mode:     policy.ParseMode(cfg.Policy.Mode),
		Path:     cfg.Policy.Path,
		CacheTTL: cfg.Policy.CacheTTL,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to load authorization policy", zap.Error(err))
	}

	authService := auth.NewService(database, dbClient, sessionManager(cfg), logger)
	authOpts := []auth.MiddlewareOption{auth.WithSessionCookie(cfg.Auth.SessionCookie)}
	if cfg.Auth.SkipAuth {
		devUser, err := uuid.Parse(cfg.Auth.DevUserID)
		if err != nil {
			logger.Fatal("Invalid dev user ID", zap.Error(err))
		}
		logger.Warn("Authentication disabled, all requests run as the dev user", zap.String("user_id", devUser.String()))
		authOpts = append(authOpts, auth.WithDevUser(devUser))
	}
	authMiddleware := auth.NewMiddleware(authService, logger, authOpts...)

	httpClient := &http.Client{Timeout: outboundTimeout}

	// Interfaces stay nil when the integration is not configured.
	var (
		connections handlers.Connections
		refresher   scheduler.TokenRefresher
	)
	if cfg.OAuthConfigured() {
		cipher, err := oauth.NewCipher(cfg.Encryption.Secret)
		if err != nil {
			logger.Fatal("Failed to initialize token cipher", zap.Error(err))
		}
		var providers []oauth.Provider
		if cfg.Microsoft.Enabled() {
			providers = append(providers, oauth.MicrosoftProvider(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.TenantID,
				oauth.RedirectURL(cfg.Server.BaseURL, oauth.ProviderMicrosoft), cfg.Microsoft.Scopes))
		}
		if cfg.Google.Enabled() {
			providers = append(providers, oauth.GoogleProvider(cfg.Google.ClientID, cfg.Google.ClientSecret,
				oauth.RedirectURL(cfg.Server.BaseURL, oauth.ProviderGoogle), cfg.Google.Scopes))
		}
		if cfg.GoTo.Enabled() {
			providers = append(providers, oauth.GoToProvider(cfg.GoTo.ClientID, cfg.GoTo.ClientSecret,
				oauth.RedirectURL(cfg.Server.BaseURL, oauth.ProviderGoTo), cfg.GoTo.Scopes))
		}
		oauthService := oauth.NewService(database, redisClient, cipher, logger, providers...).WithHTTPClient(httpClient)
		connections, refresher = oauthService, oauthService
		logger.Info("OAuth integrations enabled", zap.Strings("providers", oauthService.Providers()))
	} else {
		logger.Warn("encryption.secret not set, OAuth integrations disabled")
	}

	graphClient := graph.New(cfg.Microsoft.GraphBaseURL, httpClient, logger)
	gotoClient := gotoconnect.New(cfg.GoTo.APIBaseURL, httpClient, logger)

	var smsSender handlers.SMSSender
	twilioClient := twilio.New(twilio.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		FromNumber: cfg.Twilio.FromNumber,
		BaseURL:    cfg.Twilio.APIBaseURL,
	}, httpClient, logger)
	if twilioClient.Configured() {
		smsSender = twilioClient
	}

	var emailSender handlers.EmailSender
	resendClient := resend.New(cfg.Resend.APIKey, cfg.Resend.From, cfg.Resend.APIBaseURL, httpClient, logger)
	if resendClient.Configured() {
		emailSender = resendClient
	}

	prompts, err := intelligence.NewPromptSet()
	if err != nil {
		logger.Fatal("Failed to load prompts", zap.Error(err))
	}
	var promptWatcher *config.PromptWatcher
	if cfg.Prompts.Dir != "" {
		promptWatcher, err = config.NewPromptWatcher(cfg.Prompts.Dir, logger)
		if err != nil {
			logger.Fatal("Failed to watch prompt directory", zap.Error(err))
		}
		promptWatcher.OnReload(prompts.Reload)
		if err := promptWatcher.Start(); err != nil {
			logger.Fatal("Failed to load prompt overrides", zap.Error(err))
		}
	}

	var llm intelligence.Completer
	anthropic := intelligence.NewAnthropicCompleter(intelligence.AnthropicConfig{
		APIKey:    cfg.Anthropic.APIKey,
		BaseURL:   cfg.Anthropic.BaseURL,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Timeout:   cfg.Anthropic.Timeout,
	}, logger)
	if anthropic != nil {
		llm = anthropic
	} else {
		logger.Warn("anthropic.api_key not set, task extraction disabled")
	}
	intel := intelligence.NewService(database, llm, prompts, graphClient, connections, logger)

	pipeline := ingest.NewPipeline(ingest.Config{
		Workers:          cfg.Ingest.Workers,
		QueueSize:        cfg.Ingest.QueueSize,
		JobTimeout:       cfg.Ingest.JobTimeout,
		GoToToken:        cfg.GoTo.WebhookToken,
		VAPISecret:       cfg.VAPI.WebhookSecret,
		TwilioAuthToken:  cfg.Twilio.AuthToken,
		TwilioWebhookURL: cfg.Twilio.WebhookURL,
	}, database, logger,
		ingest.WithEmailProcessor(intel),
		ingest.WithCallFollowUps(intel),
		ingest.WithCallReports(gotoClient, connections),
		ingest.WithWriteQueue(dbClient),
	)

	streams := streaming.NewManager(streaming.DefaultCapacity)
	relay := streaming.NewRelay(redisClient, streams, logger)
	relayCtx, stopRelay := context.WithCancel(context.Background())
	go func() {
		if err := relay.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Chat relay stopped", zap.Error(err))
		}
	}()
	sockets := streaming.NewWSServer(streams, cfg.Server.CORSOrigins, logger)

	store, err := storage.NewStore(cfg.Storage.Dir)
	if err != nil {
		logger.Fatal("Failed to open file storage", zap.Error(err))
	}

	sched, err := scheduler.New(scheduler.Config{
		RetentionDays: cfg.Webhooks.RetentionDays,
	}, database, refresher, connections, graphClient, logger)
	if err != nil {
		logger.Fatal("Failed to configure scheduler", zap.Error(err))
	}
	sched.Start()

	healthManager := health.NewManager(30*time.Second, logger)
	checkers := []health.Checker{
		health.NewDatabaseChecker(dbClient.Wrapper().DB(), dbClient.Wrapper().Breaker()),
		health.NewRedisChecker(redisClient),
		health.NewBreakerChecker("graph", graphClient.Breaker()),
		health.NewBreakerChecker("goto", gotoClient.Breaker()),
		health.NewBreakerChecker("twilio", twilioClient.Breaker()),
		health.NewBreakerChecker("resend", resendClient.Breaker()),
	}
	if anthropic != nil {
		checkers = append(checkers, health.NewBreakerChecker("anthropic", anthropic.Breaker()))
	}
	for _, c := range checkers {
		if err := healthManager.RegisterChecker(c); err != nil {
			logger.Fatal("Failed to register health checker", zap.Error(err))
		}
	}
	healthManager.Start()

	var calendar handlers.CalendarWriter = graphClient
	var subscriber handlers.MailSubscriber = graphClient
	api := &handlers.Handlers{
		Me:           handlers.NewMeHandler(database, authz, authService, authService, logger),
		Tasks:        handlers.NewTaskHandler(database, authz, authService, calendar, connections, logger),
		Clients:      handlers.NewClientHandler(database, authz, authService, logger),
		Emails:       handlers.NewEmailHandler(database, authz, authService, intel, emailSender, cfg.Ingest.SyncLookback, logger),
		Calls:        handlers.NewCallHandler(database, authz, authService, intel, logger),
		Chat:         handlers.NewChatHandler(database, authz, authService, relay, sockets, logger),
		SMS:          handlers.NewSMSHandler(database, authz, authService, smsSender, logger),
		Files:        handlers.NewFileHandler(database, authz, authService, store, cfg.Storage.MaxUploadMB<<20, logger),
		Settings:     handlers.NewSettingsHandler(database, authz, authService, logger),
		Integrations: handlers.NewIntegrationHandler(database, authz, authService, connections, subscriber, cfg.Server.BaseURL, cfg.Server.AppURL, logger),
	}

	apiMux := http.NewServeMux()
	api.Register(apiMux)

	mux := http.NewServeMux()
	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	pipeline.Register(mux)
	api.RegisterPublic(mux)
	mux.Handle("/api/", middleware.Chain(apiMux,
		middleware.NewCORS(cfg.Server.CORSOrigins).Middleware,
		middleware.NewTracing(logger).Middleware,
		authMiddleware.HTTPMiddleware,
		middleware.NewValidation(logger).Middleware,
		middleware.NewRateLimiter(redisClient, cfg.RateLimit.RequestsPerMinute, logger).Middleware,
		middleware.NewIdempotency(redisClient, logger).Middleware,
	))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down opshub")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := pipeline.Close(ctx); err != nil {
		logger.Warn("Ingest jobs did not finish before shutdown", zap.Error(err))
	}
	if err := sched.Stop(ctx); err != nil {
		logger.Warn("Scheduled jobs did not finish before shutdown", zap.Error(err))
	}
	stopRelay()
	healthManager.Stop()
	if promptWatcher != nil {
		promptWatcher.Stop()
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("Failed to close Redis client", zap.Error(err))
	}
	if err := dbClient.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("Failed to flush traces", zap.Error(err))
	}

	logger.Info("opshub stopped")
}
