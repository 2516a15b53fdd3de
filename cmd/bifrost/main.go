// Copyright 2024-2026 Aiku AI

// Command bifrost bridges GeoFS multiplayer state-change notifications and
// chat into Matrix rooms, and relays developer messages back into GeoFS
// chat. It receives state changes over a local webhook, polls the
// multiplayer API for chat, and delivers everything through one throttled
// send path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/stable-intel/bifrost/pkg/bifrost"
	"github.com/stable-intel/bifrost/pkg/geofs"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: no .env file loaded:", err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	sessionID := os.Getenv("GEOFS_SESSION_ID")
	accountID := os.Getenv("GEOFS_ACCOUNT_ID")
	accessToken := os.Getenv("MATRIX_ACCESS_TOKEN")
	if sessionID == "" || accountID == "" {
		return errors.New("GEOFS_SESSION_ID and GEOFS_ACCOUNT_ID must be set")
	}
	if accessToken == "" {
		return errors.New("MATRIX_ACCESS_TOKEN must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	matrixClient, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), accessToken)
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	whoami, err := matrixClient.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("verify matrix session: %w", err)
	}
	log.Info().Str("user_id", whoami.UserID.String()).Msg("Authenticated to Matrix")

	httpHeaders := http.Header{}
	httpHeaders.Set("Origin", "https://www.geo-fs.com")
	httpHeaders.Set("Referer", "https://www.geo-fs.com/geofs.php")
	httpHeaders.Set("User-Agent", "Mozilla/5.0")
	geofsClient := geofs.NewClient(log, geofs.DefaultRetryPolicy(), httpHeaders)

	sessionOpts := geofs.DefaultSessionOptions()
	sessionOpts.UpdateURL = cfg.GeoFSUpdateURL
	sessionOpts.HandshakeRetryInterval = time.Duration(cfg.HandshakeRetrySecs) * time.Second
	sessionOpts.SendRetryInterval = time.Duration(cfg.SendRetrySecs) * time.Second
	session := geofs.NewSession(geofsClient, geofs.Credentials{
		SessionID: sessionID,
		AccountID: accountID,
	}, sessionOpts, log)

	sender := bifrost.NewMatrixSender(matrixClient, log)
	emitter := bifrost.NewEmitter(sender, cfg.ThrottleInterval(), log)
	queue := bifrost.NewQueue()
	dispatcher := bifrost.NewDispatcher(queue, emitter, cfg, log)

	go dispatcher.Run(ctx)

	if cfg.ChatEnabled() {
		relay := bifrost.NewRelay(session, emitter, cfg, log)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Chat relay exited")
			}
		}()
	} else {
		log.Info().Msg("Chat relay disabled by configuration")
	}

	commands := bifrost.NewCommandHandler(matrixClient, session, emitter, cfg, log)
	commands.Attach()
	go func() {
		if err := matrixClient.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Matrix sync exited")
		}
	}()

	webhook := bifrost.NewWebhookServer(queue, log)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      webhook.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Webhook server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Webhook server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Webhook server shutdown incomplete")
	}
	return nil
}

// loadConfig reads and validates the config file. A missing file is
// populated from the embedded example so a first run produces something to
// edit instead of an opaque error.
func loadConfig(path string) (*bifrost.Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if writeErr := os.WriteFile(path, []byte(bifrost.ExampleConfig), 0o600); writeErr != nil {
			return nil, fmt.Errorf("write example config: %w", writeErr)
		}
		return nil, fmt.Errorf("wrote example config to %s, edit it and restart", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg bifrost.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func buildLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger(), nil
}
