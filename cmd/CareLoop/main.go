package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/CareLoop/internal/api"
	"github.com/BTreeMap/CareLoop/internal/engine"
	"github.com/BTreeMap/CareLoop/internal/genai"
	"github.com/BTreeMap/CareLoop/internal/lockfile"
	"github.com/BTreeMap/CareLoop/internal/messaging"
	"github.com/BTreeMap/CareLoop/internal/scheduler"
	"github.com/BTreeMap/CareLoop/internal/store"
	"github.com/BTreeMap/CareLoop/internal/transcribe"
	"github.com/BTreeMap/CareLoop/internal/twiliowhatsapp"
	"github.com/BTreeMap/CareLoop/internal/util"
	"github.com/BTreeMap/CareLoop/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CareLoop state data
	DefaultStateDir = "/var/lib/careloop"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "careloop.db"
	// DefaultBackend is the messaging gateway used when none is configured
	DefaultBackend = "whatsapp"
	// ShutdownTimeout bounds graceful shutdown of the admin API
	ShutdownTimeout = 10 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("CareLoop failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CareLoop exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir     string
	DatabaseURL  string
	OpenAIKey    string
	APIAddr      string
	Backend      string
	ReminderCron string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	openaiKey    *string
	apiAddr      *string
	backend      *string
	reminderCron *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:     os.Getenv("CARELOOP_STATE_DIR"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		APIAddr:      os.Getenv("API_ADDR"),
		Backend:      os.Getenv("MESSAGING_BACKEND"),
		ReminderCron: os.Getenv("REMINDER_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CARELOOP_STATE_DIR set, using default", "state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.Backend == "" {
		config.Backend = DefaultBackend
	}
	if config.ReminderCron == "" {
		config.ReminderCron = scheduler.DefaultSweepSpec
	}

	slog.Debug("environment variables loaded",
		"CARELOOP_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Backend,
		"REMINDER_SCHEDULE", config.ReminderCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:     flag.String("qr-output", "", "path to write login QR code"),
		numeric:      flag.Bool("numeric-code", util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false), "use numeric login code instead of QR code (overrides $WHATSAPP_NUMERIC_CODE)"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for CareLoop data (overrides $CARELOOP_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN for the record store (overrides $DATABASE_URL)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "admin API server address (overrides $API_ADDR)"),
		backend:      flag.String("backend", config.Backend, "messaging gateway: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
		reminderCron: flag.String("reminder-cron", config.ReminderCron, "cron spec for the check-in reminder sweep (overrides $REMINDER_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"reminderCron", *flags.reminderCron)

	// Follow a moved state directory when the DSN was derived from it.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated db-dsn based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// openStore selects a persistent backend from the DSN.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One instance per state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	gen, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	engineOpts := []engine.Option{}
	var transcribeOpts []transcribe.Option
	if *flags.openaiKey != "" {
		transcribeOpts = append(transcribeOpts, transcribe.WithAPIKey(*flags.openaiKey))
	}
	trans, err := transcribe.NewClient(transcribeOpts...)
	if err != nil {
		slog.Warn("Voice transcription unavailable", "error", err)
	} else {
		engineOpts = append(engineOpts, engine.WithTranscriber(trans))
	}

	eng := engine.New(st, gen, engineOpts...)

	// Messaging gateway.
	var (
		svc      messaging.Service
		waClient *whatsapp.Client
		webhook  http.Handler
	)
	switch *flags.backend {
	case "twilio":
		twClient, twErr := twiliowhatsapp.NewClient()
		if twErr != nil {
			return twErr
		}
		twSvc := messaging.NewTwilioService(twClient)
		webhook = http.HandlerFunc(twSvc.WebhookHandler)
		svc = twSvc
	default:
		var waOpts []whatsapp.Option
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		waClient, err = whatsapp.NewClient(waOpts...)
		if err != nil {
			return err
		}
		defer waClient.Disconnect()
		svc = messaging.NewWhatsAppService(waClient)
	}

	pump := messaging.NewResponseHandler(svc, eng)
	if err := pump.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	// Delivery receipts are informational only.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case receipt, ok := <-svc.Receipts():
				if !ok {
					return
				}
				slog.Debug("delivery receipt", "to", receipt.To, "status", receipt.Status)
			}
		}
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	sweep := scheduler.NewReminderSweep(st, svc, nil)
	if err := sweep.Register(sched, *flags.reminderCron); err != nil {
		return err
	}

	apiOpts := []api.Option{}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithWebhook(webhook))
	}
	server := api.NewServer(st, apiOpts...)
	server.Start()

	slog.Info("CareLoop running", "backend", *flags.backend, "api_addr", *flags.apiAddr)
	<-ctx.Done()

	slog.Info("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}
