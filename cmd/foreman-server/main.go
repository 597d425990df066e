package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	server "github.com/foremanhq/foreman/internal"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/coordinator"
	"github.com/foremanhq/foreman/internal/delegate"
	"github.com/foremanhq/foreman/internal/eventbus"
	"github.com/foremanhq/foreman/internal/policy"
	"github.com/foremanhq/foreman/internal/relay"
	"github.com/foremanhq/foreman/internal/session"
	sessionrepo "github.com/foremanhq/foreman/internal/session/repositoryimpl"
	"github.com/foremanhq/foreman/internal/tracker"
	"github.com/foremanhq/foreman/internal/webhook"
	"github.com/foremanhq/foreman/pkg/clog"
	"github.com/foremanhq/foreman/pkg/storage"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup delegation policy
	defaults := policy.Default(&env.PolicyEnv)
	pol := defaults
	if env.PolicyEnv.File != "" {
		pol, err = policy.Load(env.PolicyEnv.File, defaults)
		if err != nil {
			slog.Error("failed to load policy file", "path", env.PolicyEnv.File, "error", err)
			os.Exit(1)
		}
	}
	policies := policy.NewStore(pol)

	// Setup session store
	sessionStore := session.NewStore(sessionrepo.NewYAMLRepository(store))
	if err := sessionStore.Load(context.Background()); err != nil {
		slog.Error("failed to rehydrate session store", "error", err)
		os.Exit(1)
	}

	// Setup collaborators and bus
	bus := eventbus.New()
	trackerClient := tracker.NewHTTPClient(env.TrackerEnv.BaseURL, env.TrackerEnv.Token)
	delegateClient := delegate.NewHTTPClient(env.DelegateEnv.BaseURL, env.DelegateEnv.Token)

	// Setup relay and coordinator
	progressRelay := relay.New(sessionStore, trackerClient, bus, env.PolicyEnv.NotifyMaxAttempts)
	coord := coordinator.New(bus, sessionStore, policies, delegateClient, progressRelay)

	// Setup webhook ingestion
	metrics := &webhook.Metrics{}
	issueVerifier := webhook.NewVerifier(
		env.WebhookEnv.IssueSecret,
		env.WebhookEnv.MaxBodyBytes,
		webhook.NewRateLimiter(env.WebhookEnv.RateWindow, env.WebhookEnv.RatePerSource, env.WebhookEnv.RateGlobal),
		webhook.NewDedupCache(env.WebhookEnv.DedupWindow),
		metrics,
	)
	delegateVerifier := webhook.NewVerifier(
		env.WebhookEnv.DelegateSecret,
		env.WebhookEnv.MaxBodyBytes,
		webhook.NewRateLimiter(env.WebhookEnv.RateWindow, env.WebhookEnv.RatePerSource, env.WebhookEnv.RateGlobal),
		webhook.NewDedupCache(env.WebhookEnv.DedupWindow),
		metrics,
	)
	webhookHandler := webhook.NewHandler(issueVerifier, delegateVerifier, bus, progressRelay)

	sessionServer := session.NewServer(sessionStore, coord.OnSessionCancelled)

	srv := server.NewServer(env, webhookHandler, sessionServer, sessionStore, metrics)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go coord.Start(ctx)
	go sessionStore.StartSweeper(ctx, env.PolicyEnv.SweepInterval, env.PolicyEnv.SessionRetention)
	if env.PolicyEnv.File != "" {
		go func() {
			if err := policy.Watch(ctx, policies, env.PolicyEnv.File, defaults); err != nil {
				slog.Error("policy watcher failed", "error", err)
			}
		}()
	}

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// Let queued tracker notifications drain before exit.
	progressRelay.Wait()
}
