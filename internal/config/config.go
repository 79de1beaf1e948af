package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// S3 configures output archival to an S3-compatible bucket (Cloudflare R2 in
// production).
type S3 struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

// Brevo configures transactional completion email.
type Brevo struct {
	Enabled     bool
	APIKey      string
	SenderEmail string
	SenderName  string
}

type Config struct {
	ListenAddr  string
	APIKeys     []string
	AdminKeys   []string
	CORSOrigins []string
	APIBaseURL  string

	DataDir        string
	DBPath         string
	MaxUploadBytes int64

	RendererBin string
	FFProbeBin  string
	FontPath    string

	// Workers is the render pool size; 0 means auto-size to the host CPU count.
	Workers   int
	QueueSize int

	// RateLimitRPS caps job submissions per second per client IP; 0 disables.
	RateLimitRPS int

	RecoveryInterval time.Duration

	CleanupEnabled  bool
	CleanupInterval time.Duration
	OutputRetention time.Duration

	DBCleanupEnabled  bool
	DBCleanupInterval time.Duration
	DBRetentionDays   int

	DeleteInputsOnComplete bool
	DeleteWorkOnComplete   bool

	// StorageProvider selects the archival backend: "s3", "filesystem", or ""
	// to keep outputs local only.
	StorageProvider string
	S3              S3
	Brevo           Brevo
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      getEnv("POVERLAY_LISTEN_ADDR", ":8787"),
		APIBaseURL:      getEnv("POVERLAY_API_BASE_URL", "http://127.0.0.1:8787"),
		DataDir:         getEnv("POVERLAY_DATA_DIR", "data"),
		DBPath:          getEnv("POVERLAY_DB_PATH", "poverlay.db"),
		RendererBin:     getEnv("POVERLAY_RENDERER_BIN", "gopro-dashboard.py"),
		FFProbeBin:      getEnv("POVERLAY_FFPROBE_BIN", "ffprobe"),
		FontPath:        getEnv("POVERLAY_FONT_PATH", ""),
		StorageProvider: getEnv("POVERLAY_STORAGE_PROVIDER", ""),
	}

	cfg.APIKeys = splitKeys(getEnv("POVERLAY_API_KEYS", ""))
	cfg.AdminKeys = splitKeys(getEnv("POVERLAY_ADMIN_KEYS", ""))
	// Admin surface falls back to the public keys when no dedicated keys exist.
	if len(cfg.AdminKeys) == 0 {
		cfg.AdminKeys = cfg.APIKeys
	}
	cfg.CORSOrigins = splitKeys(getEnv("POVERLAY_CORS_ORIGINS", ""))

	var err error
	if cfg.Workers, err = getEnvInt("POVERLAY_WORKERS", 1); err != nil {
		return nil, fmt.Errorf("POVERLAY_WORKERS: %w", err)
	}
	if cfg.Workers < 0 {
		return nil, errors.New("POVERLAY_WORKERS must be >= 0 (0 = one per CPU)")
	}
	if cfg.QueueSize, err = getEnvInt("POVERLAY_QUEUE_SIZE", 1000); err != nil {
		return nil, fmt.Errorf("POVERLAY_QUEUE_SIZE: %w", err)
	}
	if cfg.QueueSize < 1 {
		return nil, errors.New("POVERLAY_QUEUE_SIZE must be > 0")
	}

	if cfg.RateLimitRPS, err = getEnvInt("POVERLAY_RATE_LIMIT_RPS", 0); err != nil {
		return nil, fmt.Errorf("POVERLAY_RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitRPS < 0 {
		return nil, errors.New("POVERLAY_RATE_LIMIT_RPS must be >= 0")
	}

	maxUploadMB, err := getEnvInt("POVERLAY_MAX_UPLOAD_MB", 8192)
	if err != nil {
		return nil, fmt.Errorf("POVERLAY_MAX_UPLOAD_MB: %w", err)
	}
	if maxUploadMB < 1 {
		return nil, errors.New("POVERLAY_MAX_UPLOAD_MB must be > 0")
	}
	cfg.MaxUploadBytes = int64(maxUploadMB) << 20

	if cfg.RecoveryInterval, err = getEnvSeconds("POVERLAY_RECOVERY_INTERVAL_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.CleanupEnabled, err = getEnvBool("POVERLAY_CLEANUP_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = getEnvSeconds("POVERLAY_CLEANUP_INTERVAL_SECONDS", 900); err != nil {
		return nil, err
	}
	retentionHours, err := getEnvFloat("POVERLAY_OUTPUT_RETENTION_HOURS", 24)
	if err != nil {
		return nil, err
	}
	if retentionHours < 1 {
		return nil, errors.New("POVERLAY_OUTPUT_RETENTION_HOURS must be >= 1")
	}
	cfg.OutputRetention = time.Duration(retentionHours * float64(time.Hour))

	if cfg.DBCleanupEnabled, err = getEnvBool("POVERLAY_DB_CLEANUP_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.DBCleanupInterval, err = getEnvSeconds("POVERLAY_DB_CLEANUP_INTERVAL_SECONDS", 3600); err != nil {
		return nil, err
	}
	if cfg.DBRetentionDays, err = getEnvInt("POVERLAY_DB_RETENTION_DAYS", 30); err != nil {
		return nil, fmt.Errorf("POVERLAY_DB_RETENTION_DAYS: %w", err)
	}
	if cfg.DBRetentionDays < 1 {
		return nil, errors.New("POVERLAY_DB_RETENTION_DAYS must be >= 1")
	}

	if cfg.DeleteInputsOnComplete, err = getEnvBool("POVERLAY_DELETE_INPUTS_ON_COMPLETE", true); err != nil {
		return nil, err
	}
	if cfg.DeleteWorkOnComplete, err = getEnvBool("POVERLAY_DELETE_WORK_ON_COMPLETE", true); err != nil {
		return nil, err
	}

	switch cfg.StorageProvider {
	case "", "filesystem":
	case "s3":
		cfg.S3 = S3{
			Endpoint:      getEnv("POVERLAY_S3_ENDPOINT", ""),
			AccessKey:     getEnv("POVERLAY_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("POVERLAY_S3_SECRET_KEY", ""),
			Bucket:        getEnv("POVERLAY_S3_BUCKET", ""),
			PublicBaseURL: getEnv("POVERLAY_S3_PUBLIC_BASE_URL", ""),
		}
		if cfg.S3.UseSSL, err = getEnvBool("POVERLAY_S3_USE_SSL", true); err != nil {
			return nil, err
		}
		if cfg.S3.Endpoint == "" || cfg.S3.AccessKey == "" || cfg.S3.SecretKey == "" || cfg.S3.Bucket == "" {
			return nil, errors.New("POVERLAY_S3_ENDPOINT, POVERLAY_S3_ACCESS_KEY, POVERLAY_S3_SECRET_KEY and POVERLAY_S3_BUCKET are required when POVERLAY_STORAGE_PROVIDER=s3")
		}
	default:
		return nil, fmt.Errorf("POVERLAY_STORAGE_PROVIDER %q must be one of: s3, filesystem, or empty", cfg.StorageProvider)
	}

	if cfg.Brevo.Enabled, err = getEnvBool("POVERLAY_BREVO_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.Brevo.Enabled {
		cfg.Brevo.APIKey = getEnv("POVERLAY_BREVO_API_KEY", "")
		cfg.Brevo.SenderEmail = getEnv("POVERLAY_BREVO_SENDER_EMAIL", "")
		cfg.Brevo.SenderName = getEnv("POVERLAY_BREVO_SENDER_NAME", "POVerlay")
		if cfg.Brevo.APIKey == "" || cfg.Brevo.SenderEmail == "" {
			return nil, errors.New("POVERLAY_BREVO_API_KEY and POVERLAY_BREVO_SENDER_EMAIL are required when POVERLAY_BREVO_ENABLED=true")
		}
	}

	return cfg, nil
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
}

func getEnvSeconds(key string, fallback int) (time.Duration, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be >= 1", key)
	}
	return time.Duration(n) * time.Second, nil
}
