package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/mmcm77/passkeys-sub000/internal/api"
	"github.com/mmcm77/passkeys-sub000/internal/apps"
	"github.com/mmcm77/passkeys-sub000/internal/auth"
	"github.com/mmcm77/passkeys-sub000/internal/challenge"
	"github.com/mmcm77/passkeys-sub000/internal/device"
	"github.com/mmcm77/passkeys-sub000/internal/options"
	"github.com/mmcm77/passkeys-sub000/internal/relay"
	"github.com/mmcm77/passkeys-sub000/internal/storage"
	"github.com/mmcm77/passkeys-sub000/internal/verify"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	// Setup WebAuthn
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		slog.Error("Failed to create WebAuthn instance", "error", err)
		os.Exit(1)
	}

	// Redis client, shared by whichever backends select it
	var redisClient *redis.Client
	if cfg.SessionMode == "redis" || cfg.ChallengeMode == "redis" || cfg.RelayMode == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	// Setup user and credential storage
	var store storage.Store
	switch cfg.StorageMode {
	case "s3":
		s3Store, err := storage.NewS3Store(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		if err != nil {
			slog.Error("Failed to create S3 storage", "error", err)
			os.Exit(1)
		}
		store = s3Store
		slog.Info("Using S3 storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsStore, err := storage.NewFilesystemStore(cfg.DataPath)
		if err != nil {
			slog.Error("Failed to create filesystem storage", "error", err)
			os.Exit(1)
		}
		store = fsStore
		slog.Info("Using filesystem storage", "path", cfg.DataPath)
	case "memory":
		store = storage.NewMemoryStore()
		slog.Warn("Using in-memory storage (not persistent)")
	default:
		slog.Error("Invalid STORAGE_MODE", "mode", cfg.StorageMode)
		os.Exit(1)
	}

	// Setup session storage
	var sessions storage.SessionStore
	switch cfg.SessionMode {
	case "redis":
		sessions = storage.NewRedisSessionStore(redisClient)
		slog.Info("Using Redis sessions")
	case "memory":
		sessions = storage.NewMemorySessionStore()
		slog.Warn("Using in-memory sessions (not persistent)")
	default:
		slog.Error("Invalid SESSION_MODE", "mode", cfg.SessionMode)
		os.Exit(1)
	}

	// Setup challenge storage
	ctx := context.Background()
	var challenges challenge.Store
	switch cfg.ChallengeMode {
	case "redis":
		challenges = challenge.NewRedisStore(redisClient, cfg.ChallengeTTL)
		slog.Info("Using Redis challenges", "ttl", cfg.ChallengeTTL)
	case "memory":
		memChallenges := challenge.NewMemoryStore(cfg.ChallengeTTL)
		go challenge.StartSweeper(ctx, memChallenges, cfg.ChallengeTTL/2)
		challenges = memChallenges
		slog.Info("Using in-memory challenges", "ttl", cfg.ChallengeTTL)
	default:
		slog.Error("Invalid CHALLENGE_MODE", "mode", cfg.ChallengeMode)
		os.Exit(1)
	}

	// Setup relay transport
	var bus relay.Bus
	switch cfg.RelayMode {
	case "redis":
		bus = relay.NewRedisBus(redisClient, logger)
		slog.Info("Using Redis relay transport")
	case "memory":
		bus = relay.NewMemoryBus(logger)
	default:
		slog.Error("Invalid RELAY_MODE", "mode", cfg.RelayMode)
		os.Exit(1)
	}

	// Device recognition tokens survive restarts only with a configured
	// secret; an ephemeral one invalidates outstanding tokens.
	secret := []byte(cfg.DeviceTokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			slog.Error("Failed to generate device token secret", "error", err)
			os.Exit(1)
		}
		slog.Warn("DEVICE_TOKEN_SECRET not set, using ephemeral secret")
	}
	devices := device.NewEngine(store, device.NewTokenIssuer(secret, cfg.DeviceTokenLifetime), logger)

	// Registered applications
	var registry *apps.Registry
	if cfg.AppsFile != "" {
		registry, err = apps.Load(cfg.AppsFile)
		if err != nil {
			slog.Error("Failed to load apps file", "path", cfg.AppsFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded app registry", "path", cfg.AppsFile, "apps", registry.Len())
	} else {
		slog.Warn("No apps file configured, app origin checks disabled")
	}

	// Setup services
	service := auth.NewService(
		options.NewBuilder(webAuthn),
		verify.NewVerifier(webAuthn, challenges, store),
		devices,
		store,
		sessions,
		logger,
	)
	server := api.NewServer(service, registry, bus, logger)

	handler := api.LoggingMiddleware(api.CORSMiddleware(server.Routes()))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("Passkey Authentication Service starting on http://localhost:%s\n", cfg.Port)
	fmt.Println("API endpoints:")
	fmt.Println("  POST /api/v1/register/options       - Registration options")
	fmt.Println("  POST /api/v1/register/verify        - Registration verification")
	fmt.Println("  POST /api/v1/authenticate/options   - Authentication options")
	fmt.Println("  POST /api/v1/authenticate/verify    - Authentication verification")
	fmt.Println("  POST /api/v1/ceremony/register      - Relayed registration ceremony")
	fmt.Println("  POST /api/v1/ceremony/authenticate  - Relayed authentication ceremony")
	fmt.Println("  POST /api/v1/logout                 - Logout")
	fmt.Println("  GET  /api/v1/validate/{sessionId}   - Session validation")
	fmt.Println("  GET  /health                        - Health check")

	if err := httpServer.ListenAndServe(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
