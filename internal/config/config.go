package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

type Config struct {
	App       AppConfig
	Auth      AuthConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Email     EmailConfig
	Queue     QueueConfig
	Google    GoogleConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Env            string
	Port           string
	Name           string
	URL            string
	Version        string
	LogLevel       string
	AllowedOrigins []string
}

type AuthConfig struct {
	JWTSecret        string
	JWTRefreshSecret string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	VerificationTTL  time.Duration
	PasswordResetTTL time.Duration
	UserBlacklistTTL time.Duration
	BcryptCost       int
	CookieDomain     string
}

type PostgresConfig struct {
	DatabaseURL string
	Host        string
	Port        string
	User        string
	Password    string
	Database    string
	SSLMode     string
}

type RedisConfig struct {
	URL      string
	Host     string
	Port     string
	Username string
	Password string
	DB       int
}

type EmailConfig struct {
	ResendAPIKey string
	From         string
}

type QueueConfig struct {
	AMQPURL    string
	EmailQueue string
}

type GoogleConfig struct {
	ClientID           string
	UserInfoURL        string
	TrustEmailVerified bool
}

type RateLimitConfig struct {
	Enabled bool
}

func Load() Config {
	return Config{
		App: AppConfig{
			Env:      getenv("APP_ENV", EnvDevelopment),
			Port:     getenv("PORT", "3000"),
			Name:     getenv("APP_NAME", "Kulangara"),
			URL:      getenv("APP_URL", "http://localhost:3000"),
			Version:  os.Getenv("APP_VERSION"),
			LogLevel: os.Getenv("LOG_LEVEL"),
			AllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS",
				"http://localhost:3000,http://localhost:4200,http://localhost:5173,https://kulangara.org")),
		},
		Auth: AuthConfig{
			JWTSecret:        os.Getenv("JWT_SECRET"),
			JWTRefreshSecret: os.Getenv("JWT_REFRESH_SECRET"),
			AccessTTL:        getduration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:       getduration("JWT_REFRESH_TTL", 7*24*time.Hour),
			VerificationTTL:  getduration("EMAIL_VERIFICATION_TTL", 24*time.Hour),
			PasswordResetTTL: getduration("PASSWORD_RESET_TTL", time.Hour),
			UserBlacklistTTL: getduration("USER_BLACKLIST_TTL", 24*time.Hour),
			BcryptCost:       getint("BCRYPT_COST", 10),
			CookieDomain:     os.Getenv("AUTH_COOKIE_DOMAIN"),
		},
		Postgres: PostgresConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
			Host:        getenv("PGHOST", "localhost"),
			Port:        getenv("PGPORT", "5432"),
			User:        os.Getenv("PGUSER"),
			Password:    os.Getenv("PGPASSWORD"),
			Database:    os.Getenv("PGDATABASE"),
			SSLMode:     getenv("PGSSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			Host:     getenv("REDIS_HOST", "localhost"),
			Port:     getenv("REDIS_PORT", "6379"),
			Username: os.Getenv("REDIS_USERNAME"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getint("REDIS_DB", 0),
		},
		Email: EmailConfig{
			ResendAPIKey: os.Getenv("RESEND_API_KEY"),
			From:         getenv("FROM_EMAIL", "no-reply@kulangara.org"),
		},
		Queue: QueueConfig{
			AMQPURL:    os.Getenv("AMQP_URL"),
			EmailQueue: getenv("EMAIL_QUEUE", "email"),
		},
		Google: GoogleConfig{
			ClientID:           os.Getenv("GOOGLE_CLIENT_ID"),
			UserInfoURL:        getenv("GOOGLE_USERINFO_URL", "https://www.googleapis.com/oauth2/v3/userinfo"),
			TrustEmailVerified: getbool("GOOGLE_TRUST_EMAIL_VERIFIED", true),
		},
		RateLimit: RateLimitConfig{
			Enabled: getbool("RATE_LIMIT_ENABLED", true),
		},
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.App.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV must be one of development, production, test (got %q)", c.App.Env))
	}
	if _, err := strconv.Atoi(c.App.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric (got %q)", c.App.Port))
	}
	if len(c.Auth.JWTSecret) < 2 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 2 characters"))
	}
	if len(c.Auth.JWTRefreshSecret) < 2 {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET must be at least 2 characters"))
	}
	if c.Auth.JWTSecret != "" && c.Auth.JWTSecret == c.Auth.JWTRefreshSecret {
		errs = append(errs, errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive"))
	}
	if _, err := c.Postgres.URL(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// URL returns DATABASE_URL, or builds one from the PG* variables.
func (p PostgresConfig) URL() (string, error) {
	if p.DatabaseURL != "" {
		return p.DatabaseURL, nil
	}
	if p.User == "" || p.Database == "" {
		return "", fmt.Errorf("missing required env: DATABASE_URL or PGUSER/PGDATABASE")
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, p.Port),
		Path:   p.Database,
	}
	if p.Password == "" {
		u.User = url.User(p.User)
	} else {
		u.User = url.UserPassword(p.User, p.Password)
	}
	q := u.Query()
	q.Set("sslmode", p.SSLMode)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getint(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getbool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getduration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
