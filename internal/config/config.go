package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Execution modes. Inline runs every stage in the caller, memory runs
// per-stage worker pools in-process, nats dispatches stage tasks through
// per-stage subjects.
const (
	ModeInline = "inline"
	ModeMemory = "memory"
	ModeNATS   = "nats"
)

type Config struct {
	LogLevel      string
	ExecutionMode string

	PostgresDSN string

	NATSURL           string
	NATSSubjectPrefix string

	StorageBackend string
	StoragePath    string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	OCRLanguage      string
	OCRDPI           int
	OCRMaxWorkers    int
	OCRRatePerSecond float64

	MaxFileSizeMB    int
	MaxPDFPages      int
	AllowedMIMETypes []string
	AntivirusEnabled bool
	SecurityBypass   bool

	StageMaxAttempts    int
	StageTimeoutSeconds int
	StageBackoffMS      int
	FastStageWorkers    int
	PromoteWorkers      int

	DefaultCountry   string
	CountryPacksPath string
	TenantSettings   string

	WorkerMetricsPort string

	SweepSchedule          string
	SweepStaleAfterSeconds int
}

// Load reads the environment after merging an optional .env file. Variables
// already set in the process win over the file.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("dotenv_load_failed", "error", err)
	}
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		LogLevel:      mustEnv("LOG_LEVEL", "info"),
		ExecutionMode: strings.ToLower(mustEnv("EXECUTION_MODE", ModeNATS)),

		PostgresDSN: mustEnv("POSTGRES_DSN", ""),

		NATSURL:           mustEnv("NATS_URL", "nats://localhost:4222"),
		NATSSubjectPrefix: mustEnv("NATS_SUBJECT_PREFIX", "docintake.stage"),

		StorageBackend: strings.ToLower(mustEnv("STORAGE_BACKEND", "localfs")),
		StoragePath:    mustEnv("STORAGE_PATH", "./data/storage"),
		MinioEndpoint:  mustEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: mustEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: mustEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    mustEnv("MINIO_BUCKET", "doc-intake"),
		MinioUseSSL:    mustEnvBool("MINIO_USE_SSL", false),

		OCRLanguage:      mustEnv("OCR_LANGUAGE", "spa+eng"),
		OCRDPI:           mustEnvInt("OCR_DPI", 300),
		OCRMaxWorkers:    mustEnvInt("OCR_MAX_WORKERS", 2),
		OCRRatePerSecond: mustEnvFloat("OCR_RATE_PER_SECOND", 0),

		MaxFileSizeMB:    mustEnvInt("MAX_FILE_SIZE_MB", 20),
		MaxPDFPages:      mustEnvInt("MAX_PDF_PAGES", 50),
		AllowedMIMETypes: mustEnvList("ALLOWED_MIME_TYPES", []string{"application/pdf", "image/png", "image/jpeg", "image/tiff", "text/csv", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}),
		AntivirusEnabled: mustEnvBool("ANTIVIRUS_ENABLED", true),
		SecurityBypass:   mustEnvBool("SECURITY_BYPASS", false),

		StageMaxAttempts:    mustEnvInt("STAGE_MAX_ATTEMPTS", 3),
		StageTimeoutSeconds: mustEnvInt("STAGE_TIMEOUT_SECONDS", 120),
		StageBackoffMS:      mustEnvInt("STAGE_BACKOFF_MS", 200),
		FastStageWorkers:    mustEnvInt("FAST_STAGE_WORKERS", 4),
		PromoteWorkers:      mustEnvInt("PROMOTE_WORKERS", 4),

		DefaultCountry:   strings.ToUpper(mustEnv("DEFAULT_COUNTRY", "ES")),
		CountryPacksPath: mustEnv("COUNTRY_PACKS_PATH", ""),
		TenantSettings:   mustEnv("TENANT_SETTINGS", ""),

		WorkerMetricsPort: mustEnv("WORKER_METRICS_PORT", "9090"),

		SweepSchedule:          mustEnv("SWEEP_SCHEDULE", "*/1 * * * *"),
		SweepStaleAfterSeconds: mustEnvInt("SWEEP_STALE_AFTER_SECONDS", 300),
	}
}

func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
