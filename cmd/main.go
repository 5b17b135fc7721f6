package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"

	"chat-relay/handler"
	"chat-relay/internal/integrations/ollama"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/integrations/telegram"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	sessionsTable := envString("SESSIONS_TABLE", "chatbot-sessions")
	bucket := envString("S3_BUCKET_NAME", "chatbot-conversations")
	archivePrefix := envString("ARCHIVE_PREFIX", "archives")
	ollamaURL := envString("OLLAMA_URL", "http://host.docker.internal:11434")
	defaultModel := envString("DEFAULT_MODEL", "tinyllama")
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 4000)
	contextWindow := envInt("CONTEXT_WINDOW", 10)
	historyWindow := envInt("HISTORY_WINDOW", 5)
	chatTimeout := envDuration("CHAT_TIMEOUT", 45*time.Second)
	pollLimit := envInt("POLL_LIMIT", 5)
	dedupBackend := strings.ToLower(envString("DEDUP_BACKEND", "dynamodb"))
	dedupTTL := time.Duration(envInt("DEDUP_TTL_HOURS", 168)) * time.Hour
	webhookSecret := os.Getenv("WEBHOOK_SECRET")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(envString("LOG_LEVEL", "info"))}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), sessionsTable, repository.WithDedupTTL(dedupTTL))
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	archiveClient, err := repository.NewArchiveClient(awss3.NewFromConfig(cfg), bucket, archivePrefix)
	if err != nil {
		slog.Error("failed to create archive client", "err", err)
		os.Exit(1)
	}

	var ledger usecase.DedupLedger = stateClient
	if dedupBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     mustEnv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to reach redis", "err", err)
			os.Exit(1)
		}
		redisLedger, err := repository.NewRedisLedger(rdb, "chat-relay:", dedupTTL)
		if err != nil {
			slog.Error("failed to create redis ledger", "err", err)
			os.Exit(1)
		}
		ledger = redisLedger
	}

	ollamaClient, err := ollama.NewClient(ssmClient, paramPrefix, ollama.WithBaseURL(ollamaURL))
	if err != nil {
		slog.Error("failed to create Ollama client", "err", err)
		os.Exit(1)
	}
	telegramClient, err := telegram.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create Telegram client", "err", err)
		os.Exit(1)
	}

	// ---- Use cases ----
	sessions, err := usecase.NewSessionManager(stateClient, defaultModel, logger)
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		os.Exit(1)
	}
	archives, err := usecase.NewArchiveManager(archiveClient, sessions, logger)
	if err != nil {
		slog.Error("failed to create archive manager", "err", err)
		os.Exit(1)
	}
	router, err := usecase.NewRouter(ledger, sessions, archives, telegramClient, ollamaClient, usecase.RouterConfig{
		MaxMessageLength: maxMessageLen,
		ContextWindow:    contextWindow,
		HistoryWindow:    historyWindow,
		ChatTimeout:      chatTimeout,
		BackendEndpoint:  ollamaClient.BaseURL(),
	}, logger)
	if err != nil {
		slog.Error("failed to create router", "err", err)
		os.Exit(1)
	}
	poller, err := usecase.NewPoller(stateClient, telegramClient, router, pollLimit, logger)
	if err != nil {
		slog.Error("failed to create poller", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(router, poller, handler.WithWebhookSecret(webhookSecret), handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
