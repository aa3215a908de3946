package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Port        string
	DatabaseURL string
	AutoMigrate bool

	PlaidClientID   string
	PlaidSecret     string
	PlaidEnv        string
	PlaidWebhookURL string
	SyncPageSize    int

	JWTSecret      string
	AllowedOrigins []string

	StoreBackend string
	QueueBackend string

	WorkerCount          int
	JobTimeout           time.Duration
	JobMaxAttempts       int
	TransferLookbackDays int

	LogLevel string
}

func defaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("auto_migrate", true)
	v.SetDefault("plaid_client_id", "")
	v.SetDefault("plaid_secret", "")
	v.SetDefault("plaid_env", "sandbox")
	v.SetDefault("plaid_webhook_url", "")
	v.SetDefault("sync_page_size", 500)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("allowed_origins", "http://localhost:5173")
	v.SetDefault("store_backend", BackendPostgres)
	v.SetDefault("queue_backend", BackendPostgres)
	v.SetDefault("worker_count", 4)
	v.SetDefault("job_timeout", "5m")
	v.SetDefault("job_max_attempts", 5)
	v.SetDefault("transfer_lookback_days", 30)
	v.SetDefault("log_level", "info")
}

// Load reads a .env file if present, then the environment.
func Load() (Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:                 v.GetString("port"),
		DatabaseURL:          v.GetString("database_url"),
		AutoMigrate:          v.GetBool("auto_migrate"),
		PlaidClientID:        v.GetString("plaid_client_id"),
		PlaidSecret:          v.GetString("plaid_secret"),
		PlaidEnv:             v.GetString("plaid_env"),
		PlaidWebhookURL:      v.GetString("plaid_webhook_url"),
		SyncPageSize:         v.GetInt("sync_page_size"),
		JWTSecret:            v.GetString("jwt_secret"),
		AllowedOrigins:       splitList(v.GetString("allowed_origins")),
		StoreBackend:         strings.ToLower(v.GetString("store_backend")),
		QueueBackend:         strings.ToLower(v.GetString("queue_backend")),
		WorkerCount:          v.GetInt("worker_count"),
		JobTimeout:           v.GetDuration("job_timeout"),
		JobMaxAttempts:       v.GetInt("job_max_attempts"),
		TransferLookbackDays: v.GetInt("transfer_lookback_days"),
		LogLevel:             v.GetString("log_level"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	for name, backend := range map[string]string{"STORE_BACKEND": c.StoreBackend, "QUEUE_BACKEND": c.QueueBackend} {
		if backend != BackendPostgres && backend != BackendMemory {
			errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", name, BackendPostgres, BackendMemory, backend))
		}
	}
	if c.QueueBackend == BackendPostgres && c.StoreBackend == BackendMemory {
		errs = append(errs, errors.New("QUEUE_BACKEND=postgres needs STORE_BACKEND=postgres"))
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, errors.New("WORKER_COUNT must be positive"))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must be positive"))
	}
	if c.TransferLookbackDays < 0 {
		errs = append(errs, errors.New("TRANSFER_LOOKBACK_DAYS must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) NeedsDatabase() bool {
	return c.StoreBackend == BackendPostgres || c.QueueBackend == BackendPostgres
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
