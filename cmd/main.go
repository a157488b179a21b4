package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnafariogun/github-app/config"
	"github.com/johnafariogun/github-app/internal/api"
	"github.com/johnafariogun/github-app/internal/db"
	"github.com/johnafariogun/github-app/internal/monitor"
	"github.com/johnafariogun/github-app/internal/rpc"
	"github.com/johnafariogun/github-app/internal/tracker"
)

func main() {
	// Define command-line flags
	configPath := flag.String("config", "config.json", "Path to configuration file")
	createConfig := flag.Bool("init", false, "Create a default configuration file if it doesn't exist")
	listenAddr := flag.String("addr", "", "Listen address override (e.g. :8000)")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// Create default configuration if requested
	if *createConfig {
		if err := config.CreateDefaultConfig(*configPath); err != nil {
			log.Fatal().Err(err).Msg("failed to create default configuration")
		}
		log.Info().Str("path", *configPath).Msg("created default configuration")
		return
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log = log.Level(level)

	// Initialize database
	database, err := db.New(cfg.DatabasePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if err := database.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	// Initialize issue source clients. Monitor loops always use REST; the
	// on-demand fetch path may use GraphQL when a token is configured.
	restClient := api.NewGitHubClient(cfg.GitHubToken)

	var source api.IssueFetcher = restClient
	if cfg.UseGraphQL {
		if cfg.GitHubToken == "" {
			log.Warn().Msg("use_graphql requires a token, falling back to REST")
		} else {
			source = api.NewGraphQLClient(cfg.GitHubToken)
		}
	}

	trackerSvc := tracker.New(database, source, log)
	supervisor := monitor.NewSupervisor(restClient, time.Duration(cfg.WebhookTimeoutSeconds)*time.Second, log)

	server := rpc.NewServer(trackerSvc, supervisor,
		time.Duration(cfg.DefaultPollIntervalSeconds)*time.Second, log)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("serving JSON-RPC API")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	supervisor.StopAll()
	log.Info().Msg("stopped")
}
