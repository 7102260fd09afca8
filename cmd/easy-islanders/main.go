package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/templeobijnr/easy-islanders-sub001/internal/api"
	"github.com/templeobijnr/easy-islanders-sub001/internal/config"
	"github.com/templeobijnr/easy-islanders-sub001/internal/deadlock"
	"github.com/templeobijnr/easy-islanders-sub001/internal/dispatch"
	"github.com/templeobijnr/easy-islanders-sub001/internal/genai"
	"github.com/templeobijnr/easy-islanders-sub001/internal/idempotency"
	"github.com/templeobijnr/easy-islanders-sub001/internal/lifecycle"
	"github.com/templeobijnr/easy-islanders-sub001/internal/lockfile"
	"github.com/templeobijnr/easy-islanders-sub001/internal/messaging"
	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/outbox"
	"github.com/templeobijnr/easy-islanders-sub001/internal/scheduler"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
	"github.com/templeobijnr/easy-islanders-sub001/internal/telemetry"
	"github.com/templeobijnr/easy-islanders-sub001/internal/webhook"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Easy Islanders state data
	DefaultStateDir = "/var/lib/easy-islanders"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "easy-islanders.db"
	// shutdownTimeout bounds how long graceful shutdown may take
	shutdownTimeout = 15 * time.Second
)

// Flags holds command line flag values
type Flags struct {
	apiAddr       *string
	dbDSN         *string
	openaiKey     *string
	publicBaseURL *string
}

func main() {
	initializeLogger()

	cfg := loadEnvironmentConfig()
	flags := parseCommandLineFlags(cfg)

	lock, err := lockfile.Acquire(stateDirFor(*flags.dbDSN))
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := run(cfg, flags, st); err != nil {
		slog.Error("Easy Islanders failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Easy Islanders exited successfully")
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() config.Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := config.Load()
	slog.Debug("environment configuration loaded",
		"env", cfg.Env,
		"http_addr", cfg.HTTPAddr,
		"database_url_set", cfg.DatabaseURL != "",
		"sqlite_dsn_set", cfg.SQLiteDSN != "",
		"sweep_schedule", cfg.SweepSchedule,
		"replay_schedule", cfg.ReplaySchedule,
		"purge_schedule", cfg.PurgeSchedule)
	return cfg
}

// resolveDSN picks the database DSN: $DATABASE_URL wins, then $SQLITE_DSN,
// then the default SQLite file in the state directory.
func resolveDSN(cfg config.Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	if cfg.SQLiteDSN != "" {
		return cfg.SQLiteDSN
	}
	dsn := filepath.Join(DefaultStateDir, DefaultDBFileName)
	slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", dsn)
	return dsn
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(cfg config.Config) Flags {
	dsn := resolveDSN(cfg)

	flags := Flags{
		apiAddr:       flag.String("api-addr", cfg.HTTPAddr, "API server address (overrides $HTTP_ADDR)"),
		dbDSN:         flag.String("db-dsn", dsn, "database DSN (overrides $DATABASE_URL or $SQLITE_DSN)"),
		openaiKey:     flag.String("openai-api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key (overrides $OPENAI_API_KEY)"),
		publicBaseURL: flag.String("public-base-url", os.Getenv("PUBLIC_BASE_URL"), "public base URL webhook signatures are verified against (overrides $PUBLIC_BASE_URL)"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"apiAddr", *flags.apiAddr,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"publicBaseURL", *flags.publicBaseURL)
	return flags
}

// isPostgresDSN reports whether a DSN selects the PostgreSQL backend:
// postgres:// URLs and key=value connection strings do, file paths do not.
func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=")
}

// stateDirFor returns the directory the single-instance lock lives in: next to
// the SQLite file, or the default state dir when the database is remote.
func stateDirFor(dsn string) string {
	if isPostgresDSN(dsn) {
		return DefaultStateDir
	}
	return filepath.Dir(dsn)
}

// buildStore selects the backend from the DSN shape.
func buildStore(dsn string) (store.Store, error) {
	if isPostgresDSN(dsn) {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildProvider selects the outbound messaging channel. Twilio is the default;
// MESSAGING_PROVIDER=whatsapp switches to the whatsmeow-backed provider.
func buildProvider() (messaging.Provider, error) {
	if os.Getenv("MESSAGING_PROVIDER") == "whatsapp" {
		slog.Info("Using WhatsApp messaging provider")
		return messaging.NewWhatsAppProvider()
	}
	slog.Info("Using Twilio messaging provider")
	return messaging.NewTwilioProvider()
}

func run(cfg config.Config, flags Flags, st store.Store) error {
	guard := lifecycle.NewGuard(st)
	idemGuard := idempotency.NewGuard(st)

	provider, err := buildProvider()
	if err != nil {
		return fmt.Errorf("failed to initialize messaging provider: %w", err)
	}
	sender := dispatch.NewSender(st, provider)
	webhookProcessor := webhook.NewProcessor(st, st, st, guard)
	sigValidator := messaging.NewSignatureValidator(os.Getenv("TWILIO_AUTH_TOKEN"))

	detector := deadlock.NewDetector(st, guard,
		deadlock.WithStaleThreshold(cfg.StaleThreshold),
		deadlock.WithBatchSize(cfg.SweepBatchSize),
	)

	queue := outbox.NewQueue(st)
	outboxProcessor := outbox.NewProcessor(st,
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithStaleAfter(cfg.OutboxStaleAfter),
	)
	registerOutboxHandlers(cfg, flags, outboxProcessor, sender)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if requeued, err := outboxProcessor.RecoverStale(ctx); err != nil {
		slog.Warn("Startup stale outbox recovery failed", "error", err)
	} else if requeued > 0 {
		slog.Info("Startup stale outbox recovery complete", "requeued", requeued)
	}
	if err := outboxProcessor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start outbox processor: %w", err)
	}
	defer outboxProcessor.Stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduleMaintenance(ctx, cfg, sched, detector, webhookProcessor, idemGuard); err != nil {
		return err
	}

	srv := api.NewServer(st, guard, sender, webhookProcessor, detector, queue, idemGuard, sigValidator,
		api.WithAddr(*flags.apiAddr),
		api.WithPublicBaseURL(*flags.publicBaseURL),
		api.WithOutboxMaxAttempts(cfg.OutboxMaxAttempts),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}

// providerSendPayload is the outbox payload for deferred external sends.
type providerSendPayload struct {
	Kind          string `json:"kind"`
	Channel       string `json:"channel"`
	To            string `json:"to"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlation_id"`
	TraceID       string `json:"trace_id"`
}

// llmRequestPayload is the outbox payload for deferred content generation.
type llmRequestPayload struct {
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
}

// webhookCallPayload is the outbox payload for deferred outbound HTTP calls.
type webhookCallPayload struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

// registerOutboxHandlers installs the handlers for the outbox entry types the
// service processes itself. Lookup entries are consumed by the owning business
// logic, not here.
func registerOutboxHandlers(cfg config.Config, flags Flags, processor *outbox.Processor, sender *dispatch.Sender) {
	processor.RegisterHandler(models.OutboxTypeProviderSend, func(ctx context.Context, entry models.OutboxEntry) (string, error) {
		var payload providerSendPayload
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
			return "", fmt.Errorf("invalid provider_send payload: %w", err)
		}
		if payload.Channel == "" {
			payload.Channel = "sms"
		}
		correlationID := payload.CorrelationID
		if correlationID == "" {
			correlationID = entry.JobID
		}

		result, err := sender.SendExternalMessage(ctx, dispatch.SendRequest{
			IdempotencyKey: dispatch.IdempotencyKeyFor(payload.Kind, payload.Channel, correlationID, payload.Body),
			Kind:           payload.Kind,
			Channel:        payload.Channel,
			CorrelationID:  correlationID,
			To:             payload.To,
			Body:           payload.Body,
			TraceID:        payload.TraceID,
			MaxAttempts:    cfg.DispatchMaxAttempts,
		})
		if err != nil {
			return "", err
		}
		evidence, _ := json.Marshal(map[string]interface{}{
			"sent":                result.Sent,
			"dispatch_message_id": result.Record.ID,
			"provider_message_id": result.Record.ProviderMessageID,
		})
		return string(evidence), nil
	})

	genaiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Warn("GenAI client unavailable, llm_request outbox entries will not be processed", "error", err)
	} else {
		processor.RegisterHandler(models.OutboxTypeLLMRequest, func(ctx context.Context, entry models.OutboxEntry) (string, error) {
			var payload llmRequestPayload
			if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
				return "", fmt.Errorf("invalid llm_request payload: %w", err)
			}
			body, err := genaiClient.GenerateDispatchBody(ctx, payload.SystemPrompt, payload.UserPrompt)
			if err != nil {
				return "", err
			}
			evidence, _ := json.Marshal(map[string]string{"body": body})
			return string(evidence), nil
		})
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	processor.RegisterHandler(models.OutboxTypeWebhookCall, func(ctx context.Context, entry models.OutboxEntry) (string, error) {
		var payload webhookCallPayload
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
			return "", fmt.Errorf("invalid webhook_call payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(payload.Body))
		if err != nil {
			return "", fmt.Errorf("invalid webhook_call target: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("webhook call failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", fmt.Errorf("webhook call returned status %d", resp.StatusCode)
		}
		evidence, _ := json.Marshal(map[string]interface{}{"status_code": resp.StatusCode})
		return string(evidence), nil
	})
}

// scheduleMaintenance wires the recurring jobs: the deadlock sweep, webhook
// replay, and idempotency purge.
func scheduleMaintenance(ctx context.Context, cfg config.Config, sched *scheduler.Scheduler, detector *deadlock.Detector, processor *webhook.Processor, idemGuard *idempotency.Guard) error {
	if err := sched.AddJob(cfg.SweepSchedule, func() {
		result, err := detector.ReleaseStuckJobs(ctx)
		if err != nil {
			slog.Error("Scheduled deadlock sweep failed", "error", err)
			return
		}
		telemetry.JobsReleased.Add(float64(result.JobsReleased))
		if result.JobsReleased > 0 {
			slog.Warn("Scheduled deadlock sweep released jobs",
				"released", result.JobsReleased, "checked", result.JobsChecked)
		}
	}); err != nil {
		return fmt.Errorf("invalid deadlock sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	if err := sched.AddJob(cfg.ReplaySchedule, func() {
		replayed, err := processor.ReplayUnprocessed(ctx, cfg.ReplayBatch)
		if err != nil {
			slog.Error("Scheduled webhook replay failed", "error", err)
			return
		}
		if replayed > 0 {
			slog.Info("Scheduled webhook replay processed events", "count", replayed)
		}
	}); err != nil {
		return fmt.Errorf("invalid webhook replay schedule %q: %w", cfg.ReplaySchedule, err)
	}

	if err := sched.AddJob(cfg.PurgeSchedule, func() {
		purged, err := idemGuard.PurgeExpired(ctx)
		if err != nil {
			slog.Error("Scheduled idempotency purge failed", "error", err)
			return
		}
		if purged > 0 {
			slog.Debug("Scheduled idempotency purge removed records", "count", purged)
		}
	}); err != nil {
		return fmt.Errorf("invalid idempotency purge schedule %q: %w", cfg.PurgeSchedule, err)
	}

	return nil
}
