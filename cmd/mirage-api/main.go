package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miragelabs/mirage/backend/internal/auth"
	"github.com/miragelabs/mirage/backend/internal/characters"
	"github.com/miragelabs/mirage/backend/internal/chats"
	"github.com/miragelabs/mirage/backend/internal/config"
	"github.com/miragelabs/mirage/backend/internal/database"
	"github.com/miragelabs/mirage/backend/internal/jobs"
	"github.com/miragelabs/mirage/backend/internal/llm"
	"github.com/miragelabs/mirage/backend/internal/logging"
	"github.com/miragelabs/mirage/backend/internal/payments"
	"github.com/miragelabs/mirage/backend/internal/rewards"
	"github.com/miragelabs/mirage/backend/internal/server"
	"github.com/miragelabs/mirage/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mirage-api",
		Short: "Mirage character chat backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("gemini-api-key", "", "Gemini API key (overrides env)")
	cmd.PersistentFlags().String("chat-model", defaults.GetString("llm.chat_model"), "Default chat model for new characters")
	cmd.PersistentFlags().String("image-endpoint", defaults.GetString("llm.image_endpoint"), "Card image generation endpoint")
	cmd.PersistentFlags().String("webhook-secret", "", "Payment webhook signing secret (overrides env)")
	cmd.PersistentFlags().Int64("checkin-reward", defaults.GetInt64("rewards.checkin_amount"), "Daily check-in reward amount")
	cmd.PersistentFlags().Int("job-workers", defaults.GetInt("jobs.workers"), "Number of background job workers")
	cmd.PersistentFlags().Int("job-queue-size", defaults.GetInt("jobs.queue_size"), "Pending job queue size")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "llm.gemini_api_key", "gemini-api-key")
	bindFlag(cmd, "llm.chat_model", "chat-model")
	bindFlag(cmd, "llm.image_endpoint", "image-endpoint")
	bindFlag(cmd, "payments.webhook_secret", "webhook-secret")
	bindFlag(cmd, "rewards.checkin_amount", "checkin-reward")
	bindFlag(cmd, "jobs.workers", "job-workers")
	bindFlag(cmd, "jobs.queue_size", "job-queue-size")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "mirage-auth",
		Audience:      "mirage-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	provider, err := llm.NewGeminiProvider(ctx, llm.GeminiConfig{
		APIKey:        appConfig.GeminiAPIKey,
		ImageEndpoint: appConfig.ImageEndpoint,
	})
	if err != nil {
		return err
	}
	defer provider.Close()

	scheduler, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Logger:    logger,
		Workers:   appConfig.JobWorkers,
		QueueSize: appConfig.JobQueueSize,
	})
	if err != nil {
		return err
	}

	bus := server.NewChangeBus()

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: characters.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	charactersService, err := characters.NewService(characters.ServiceConfig{
		Database:     db,
		Clock:        time.Now,
		IDProvider:   characters.NewUUIDProvider(),
		Logger:       logger,
		Jobs:         scheduler,
		Events:       bus,
		Embedder:     provider,
		DefaultModel: appConfig.DefaultChatModel,
	})
	if err != nil {
		return err
	}

	chatsService, err := chats.NewService(chats.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: characters.NewUUIDProvider(),
		Logger:     logger,
		Jobs:       scheduler,
		Personas:   usersService,
		Events:     bus,
	})
	if err != nil {
		return err
	}

	rewardsService, err := rewards.NewService(rewards.ServiceConfig{
		Database:     db,
		Clock:        time.Now,
		Logger:       logger,
		RewardAmount: appConfig.CheckinReward,
	})
	if err != nil {
		return err
	}

	paymentsService, err := payments.NewService(payments.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		Logger:        logger,
		WebhookSecret: []byte(appConfig.WebhookSecret),
	})
	if err != nil {
		return err
	}

	enrichment, err := jobs.NewEnrichment(jobs.EnrichmentConfig{
		Characters: charactersService,
		Chats:      chatsService,
		Users:      usersService,
		Provider:   provider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	enrichment.RegisterAll(scheduler)

	registry := server.NewLiveQueryRegistry(charactersService, bus, logger)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Users:        usersService,
		Characters:   charactersService,
		Chats:        chatsService,
		Rewards:      rewardsService,
		Payments:     paymentsService,
		LiveQueries:  registry,
		Bus:          bus,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	group.Go(func() error {
		return scheduler.Start(groupCtx)
	})
	group.Go(func() error {
		return registry.Start(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
