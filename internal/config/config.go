package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultEncryptKey = "CHANGE_ME_PRODUCTION_DATA_KEY"

type Config struct {
	ListenAddr    string
	PublicBaseURL string

	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	RedisAddr string
	RedisDB   int

	TrustProxy         bool
	CORSAllowedOrigins []string

	OwnerSessionHours     int
	SigningSessionMinutes int
	DataEncryptKey        string
	PasswordMinLength     int

	MailSender   string
	MailFrom     string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool

	WebhookTimeoutSec    int
	WebhookMaxAttempts   int
	WebhookBackoffBaseMS int

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	BootstrapOwnerEmail    string
	BootstrapOwnerPassword string

	LogEnv   string
	LogLevel string
}

// Load builds the configuration from an optional YAML file named by
// SIGNDESK_CONFIG and the process environment. Environment values win.
func Load() (Config, error) {
	file := map[string]string{}
	if path := strings.TrimSpace(os.Getenv("SIGNDESK_CONFIG")); path != "" {
		loaded, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		file = loaded
	}
	src := source{file: file}

	cfg := Config{
		ListenAddr:               src.env("LISTEN_ADDR", ":8080"),
		PublicBaseURL:            strings.TrimRight(src.env("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		DBDriver:                 strings.ToLower(src.env("DB_DRIVER", "sqlite")),
		DBDSN:                    src.env("DB_DSN", src.env("APP_DB_PATH", "./data/signdesk.db")),
		DBMaxOpenConns:           src.envInt("DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           src.envInt("DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(src.envInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		RedisAddr:                src.env("REDIS_ADDR", ""),
		RedisDB:                  src.envInt("REDIS_DB", 0),
		TrustProxy:               src.envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       src.envCSV("CORS_ALLOWED_ORIGINS"),
		OwnerSessionHours:        src.envInt("OWNER_SESSION_HOURS", 12),
		SigningSessionMinutes:    src.envInt("SIGNING_SESSION_MINUTES", 60),
		DataEncryptKey:           src.env("DATA_ENCRYPT_KEY", defaultEncryptKey),
		PasswordMinLength:        src.envInt("PASSWORD_MIN_LENGTH", 12),
		MailSender:               strings.ToLower(src.env("MAIL_SENDER", "log")),
		MailFrom:                 src.env("MAIL_FROM", "signatures@example.com"),
		SMTPHost:                 src.env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 src.envInt("SMTP_PORT", 587),
		SMTPUsername:             src.env("SMTP_USERNAME", ""),
		SMTPPassword:             src.env("SMTP_PASSWORD", ""),
		SMTPTLS:                  src.envBool("SMTP_TLS", false),
		SMTPStartTLS:             src.envBool("SMTP_STARTTLS", true),
		WebhookTimeoutSec:        src.envInt("WEBHOOK_TIMEOUT_SEC", 10),
		WebhookMaxAttempts:       src.envInt("WEBHOOK_MAX_ATTEMPTS", 3),
		WebhookBackoffBaseMS:     src.envInt("WEBHOOK_BACKOFF_BASE_MS", 1000),
		HTTPReadTimeoutSec:       src.envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: src.envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      src.envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       src.envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		BootstrapOwnerEmail:      src.env("BOOTSTRAP_OWNER_EMAIL", ""),
		BootstrapOwnerPassword:   src.env("BOOTSTRAP_OWNER_PASSWORD", ""),
		LogEnv:                   strings.ToLower(src.env("LOG_ENV", "development")),
		LogLevel:                 src.env("LOG_LEVEL", ""),
	}

	switch cfg.DBDriver {
	case "sqlite", "pgx", "mysql":
	case "postgres":
		cfg.DBDriver = "pgx"
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be one of: sqlite, pgx, mysql")
	}
	if strings.TrimSpace(cfg.DBDSN) == "" {
		return Config{}, fmt.Errorf("DB_DSN is required")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if cfg.OwnerSessionHours <= 0 || cfg.SigningSessionMinutes <= 0 {
		return Config{}, fmt.Errorf("session timeouts must be positive")
	}
	if cfg.PasswordMinLength < 8 {
		return Config{}, fmt.Errorf("password min length must be >= 8")
	}
	if strings.TrimSpace(cfg.DataEncryptKey) == "" ||
		cfg.DataEncryptKey == defaultEncryptKey ||
		len(cfg.DataEncryptKey) < 24 {
		return Config{}, fmt.Errorf("DATA_ENCRYPT_KEY must be set to a strong non-default value (>=24 chars)")
	}
	if u, err := url.Parse(cfg.PublicBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL")
	}
	switch cfg.MailSender {
	case "log":
	case "smtp":
		if cfg.SMTPPort <= 0 || strings.TrimSpace(cfg.SMTPHost) == "" {
			return Config{}, fmt.Errorf("invalid SMTP host/port")
		}
	default:
		return Config{}, fmt.Errorf("MAIL_SENDER must be one of: log, smtp")
	}
	if cfg.WebhookMaxAttempts < 1 || cfg.WebhookMaxAttempts > 10 {
		return Config{}, fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be between 1 and 10")
	}
	if cfg.WebhookBackoffBaseMS < 0 || cfg.WebhookTimeoutSec <= 0 {
		return Config{}, fmt.Errorf("invalid webhook timing config")
	}
	return cfg, nil
}

func (c Config) OwnerSessionDuration() time.Duration {
	return time.Duration(c.OwnerSessionHours) * time.Hour
}

func (c Config) SigningSessionDuration() time.Duration {
	return time.Duration(c.SigningSessionMinutes) * time.Minute
}

func (c Config) WebhookBackoffBase() time.Duration {
	return time.Duration(c.WebhookBackoffBaseMS) * time.Millisecond
}

// SigningURL is the link mailed to a recipient.
func (c Config) SigningURL(accessToken string) string {
	return c.PublicBaseURL + "/sign/" + url.PathEscape(accessToken)
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch typed := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(typed))
			for _, p := range typed {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(typed)
		}
	}
	return out, nil
}

type source struct {
	file map[string]string
}

func (s source) lookup(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return s.file[k]
}

func (s source) env(k, d string) string {
	if v := s.lookup(k); v != "" {
		return v
	}
	return d
}

func (s source) envInt(k string, d int) int {
	v := s.lookup(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func (s source) envBool(k string, d bool) bool {
	v := s.lookup(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func (s source) envCSV(k string) []string {
	v := strings.TrimSpace(s.lookup(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
