package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edvin/sshcron/internal/crypto"
	"github.com/edvin/sshcron/internal/platform"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	DatabaseURL       string
	Store             string
	SeedFile          string
	HTTPListenAddr    string
	MetricsListenAddr string
	LogLevel          string
	ServiceName       string
	// InstanceID identifies this process in logs. Generated when unset.
	InstanceID string

	PollInterval       time.Duration
	SSHConnectTimeout  time.Duration
	StdoutFlushBytes   int
	StderrFlushBytes   int
	MaxOutputChars     int
	RetireGrace        time.Duration
	FollowUpTimeout    time.Duration
	ReplayCacheSize    int
	BroadcastQueueSize int
	CronTimezone       string

	ArchiveS3Endpoint  string
	ArchiveS3Bucket    string
	ArchiveS3AccessKey string
	ArchiveS3SecretKey string
	ArchiveS3Region    string

	// SecretEncryptionKey is a hex encoded AES-256 key. When set, node
	// credentials are encrypted before they are stored.
	SecretEncryptionKey string

	// SSHCAKeyFile is the CA private key used to sign certificates for
	// ssh_cert nodes.
	SSHCAKeyFile string
	SSHCertTTL   time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		Store:             getEnv("STORE", StorePostgres),
		SeedFile:          getEnv("SEED_FILE", ""),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ServiceName:       getEnv("SERVICE_NAME", "sshcron"),
		InstanceID:        getEnv("INSTANCE_ID", platform.NewInstanceID()),
		CronTimezone:      getEnv("CRON_TIMEZONE", ""),

		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveS3SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),

		SecretEncryptionKey: getEnv("SECRET_ENCRYPTION_KEY", ""),
		SSHCAKeyFile:        getEnv("SSH_CA_KEY_FILE", ""),
	}

	var err error
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SSHConnectTimeout, err = getDuration("SSH_CONNECT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetireGrace, err = getDuration("RETIRE_GRACE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.FollowUpTimeout, err = getDuration("FOLLOW_UP_TIMEOUT", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SSHCertTTL, err = getDuration("SSH_CERT_TTL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StdoutFlushBytes, err = getInt("STDOUT_FLUSH_BYTES", 2000); err != nil {
		return nil, err
	}
	if cfg.StderrFlushBytes, err = getInt("STDERR_FLUSH_BYTES", 1000); err != nil {
		return nil, err
	}
	if cfg.MaxOutputChars, err = getInt("MAX_OUTPUT_CHARS", 64*1024); err != nil {
		return nil, err
	}
	if cfg.ReplayCacheSize, err = getInt("REPLAY_CACHE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.BroadcastQueueSize, err = getInt("BROADCAST_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the settings required by the selected store and
// optional features are present.
func (c *Config) Validate() error {
	var missing []string
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE %q (want %s or %s)", c.Store, StorePostgres, StoreMemory)
	}
	if c.ArchiveS3Bucket != "" && c.ArchiveS3Endpoint == "" {
		missing = append(missing, "ARCHIVE_S3_ENDPOINT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.StdoutFlushBytes <= 0 || c.StderrFlushBytes <= 0 {
		return fmt.Errorf("flush thresholds must be positive")
	}
	if c.ReplayCacheSize <= 0 || c.BroadcastQueueSize <= 0 {
		return fmt.Errorf("REPLAY_CACHE_SIZE and BROADCAST_QUEUE_SIZE must be positive")
	}
	if c.SecretEncryptionKey != "" {
		if _, err := crypto.ParseKey(c.SecretEncryptionKey); err != nil {
			return fmt.Errorf("invalid SECRET_ENCRYPTION_KEY: %w", err)
		}
	}
	if c.CronTimezone != "" {
		if _, err := time.LoadLocation(c.CronTimezone); err != nil {
			return fmt.Errorf("invalid CRON_TIMEZONE: %w", err)
		}
	}
	return nil
}

// ArchiveEnabled reports whether full execution output is archived to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != ""
}

// EncryptionKey returns the decoded SecretEncryptionKey, or nil when
// credential encryption is off. Call Validate first.
func (c *Config) EncryptionKey() []byte {
	if c.SecretEncryptionKey == "" {
		return nil
	}
	key, _ := crypto.ParseKey(c.SecretEncryptionKey)
	return key
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
