package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kulangara/backend/internal/backoff"
	"github.com/kulangara/backend/internal/cache"
	"github.com/kulangara/backend/internal/client"
	"github.com/kulangara/backend/internal/config"
	"github.com/kulangara/backend/internal/db"
	"github.com/kulangara/backend/internal/handler"
	"github.com/kulangara/backend/internal/logging"
	"github.com/kulangara/backend/internal/mail"
	"github.com/kulangara/backend/internal/service"
)

const shutdownTimeout = 10 * time.Second

// @title Kulangara Auth API
// @version 1.0
// @description Account registration, sessions and token lifecycle.
// @BasePath /
// @securityDefinitions.apikey CookieAuth
// @in cookie
// @name accessToken
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notes := config.LoadEnv(ctx)
	cfg := config.Load()
	log := logging.New(os.Stdout, cfg.App.Env, cfg.App.LogLevel)
	for _, note := range notes {
		log.Info(ctx, note)
	}
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// 저장소 연결
	dsn, _ := cfg.Postgres.URL()
	pool, err := db.Connect(ctx, log, dsn, backoff.DefaultPolicy())
	if err != nil {
		log.Error(ctx, "postgres unavailable, starting without it", "err", err)
		if pool, err = db.Open(ctx, dsn); err != nil {
			log.Error(ctx, "invalid postgres configuration", "err", err)
			os.Exit(1)
		}
	} else if err := db.Migrate(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "err", err)
	}
	pg := db.New(pool)

	store, err := cache.Connect(ctx, log, cfg.Redis, backoff.DefaultPolicy())
	if store == nil {
		log.Error(ctx, "invalid redis configuration", "err", err)
		os.Exit(1)
	}
	if err != nil {
		log.Error(ctx, "redis unavailable, starting without it", "err", err)
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	dispatcher, broker := newDispatcher(ctx, workerCtx, cfg, log)

	tokens := service.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTRefreshSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	authSvc := service.NewAuthService(service.AuthDeps{
		Repo:      pg,
		KV:        store,
		Tokens:    tokens,
		Blacklist: service.NewBlacklist(store, log, cfg.Auth.UserBlacklistTTL),
		Mailer:    dispatcher,
		Google:    client.NewGoogleClient(cfg.Google),
		Log:       log,
	}, cfg.Auth, cfg.Google)

	// Gin 라우터 생성
	router := handler.NewRouter(handler.RouterDeps{
		Auth:    authSvc,
		Limiter: service.NewRateLimiter(store, log, cfg.RateLimit.Enabled),
		Health:  handler.NewHealthHandler(pg, store, log, cfg.App.Port, cfg.App.Version),
		Log:     log,
		Cookies: handler.CookieConfig{
			Domain:     cfg.Auth.CookieDomain,
			AccessTTL:  cfg.Auth.AccessTTL,
			RefreshTTL: cfg.Auth.RefreshTTL,
		},
		AllowedOrigins: cfg.App.AllowedOrigins,
		Production:     cfg.IsProduction(),
		Version:        cfg.App.Version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info(ctx, "server listening", "port", cfg.App.Port, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "graceful shutdown failed", "err", err)
	}

	authSvc.Wait()
	stopWorker()
	if err := broker.Close(); err != nil {
		log.Warn(shutdownCtx, "closing rabbitmq", "err", err)
	}
	if err := store.Close(); err != nil {
		log.Warn(shutdownCtx, "closing redis", "err", err)
	}
	pg.Close()
}

// newDispatcher picks how e-mail leaves the process: through the RabbitMQ
// queue when AMQP_URL is set, otherwise straight to the sender. Without a
// Resend key mails are only logged.
func newDispatcher(ctx, workerCtx context.Context, cfg config.Config, log logging.Logger) (mail.Dispatcher, *mail.Broker) {
	var sender mail.Sender = mail.LogSender{Log: log}
	if resend := client.NewResendClient(cfg.Email); resend.IsConfigured() {
		sender = resend
	} else {
		log.Warn(ctx, "RESEND_API_KEY not set, emails will only be logged")
	}

	direct := mail.NewDirectDispatcher(sender, mail.Composer{
		AppName:          cfg.App.Name,
		AppURL:           cfg.App.URL,
		VerificationTTL:  cfg.Auth.VerificationTTL,
		PasswordResetTTL: cfg.Auth.PasswordResetTTL,
	}, log)

	if cfg.Queue.AMQPURL == "" {
		return direct, nil
	}

	var broker *mail.Broker
	err := backoff.Connect(ctx, log, "rabbitmq", backoff.DefaultPolicy(), func(context.Context) error {
		var err error
		broker, err = mail.Dial(cfg.Queue.AMQPURL, cfg.Queue.EmailQueue)
		return err
	})
	if err != nil {
		log.Error(ctx, "rabbitmq unavailable, sending emails directly", "err", err)
		return direct, nil
	}

	worker := mail.NewWorker(broker.Channel, broker.Queue, direct, log)
	go func() {
		if err := worker.Run(workerCtx); err != nil {
			log.Error(workerCtx, "email worker stopped", "err", err)
		}
	}()
	return mail.NewQueueDispatcher(broker.Channel, broker.Queue), broker
}
