package config

import (
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port            string
	Env             string // development, production
	UploadDir       string
	MaxUploadSizeMB int
	UploadTTL       time.Duration
	ScrubImages     bool // strip EXIF/GPS from image attachments

	// Database
	DBDriver   string // mysql, postgres, sqlite
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBPath     string
	DBTable    string
	DBIDColumn string

	// SMTP
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	// Twilio
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	TwilioAPIBase     string

	Cors struct {
		TrustedOrigins []string
	}
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads configuration from flags, the environment and an optional .env file.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	// Load .env file if it exists (don't error if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	fs := flag.NewFlagSet("medrelay", flag.ContinueOnError)
	fs.StringVar(&cfg.Port, "port", getEnv("PORT", "5000"), "Server port")
	fs.StringVar(&cfg.Env, "env", getEnv("ENV", "development"), "Environment (development, production)")
	fs.StringVar(&cfg.UploadDir, "upload-dir", getEnv("UPLOAD_DIR", "./uploads"), "Directory for staged uploads")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg.MaxUploadSizeMB = getEnvInt("MAX_UPLOAD_SIZE_MB", 25)
	ttl, err := time.ParseDuration(getEnv("UPLOAD_TTL", "24h"))
	if err != nil {
		return nil, fmt.Errorf("UPLOAD_TTL: %w", err)
	}
	cfg.UploadTTL = ttl
	cfg.ScrubImages = getEnvBool("SCRUB_IMAGE_METADATA", false)

	cfg.DBDriver = strings.ToLower(getEnv("DB_DRIVER", "mysql"))
	cfg.DBHost = getEnv("DB_HOST", "")
	cfg.DBPort = getEnvInt("DB_PORT", defaultPort(cfg.DBDriver))
	cfg.DBUser = getEnv("DB_USER", "")
	cfg.DBPassword = getEnv("DB_PASSWORD", "")
	cfg.DBName = getEnv("DB_NAME", "")
	cfg.DBPath = getEnv("DB_PATH", "")
	cfg.DBTable = getEnv("DB_TABLE", "Patients")
	cfg.DBIDColumn = getEnv("DB_ID_COLUMN", "patient_id")

	cfg.SMTPHost = getEnv("SMTP_HOST", "smtp.gmail.com")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = getEnv("SMTP_USER", getEnv("GMAIL_USER", ""))
	cfg.SMTPPass = getEnv("SMTP_PASS", getEnv("GMAIL_PASS", ""))
	cfg.SMTPFrom = getEnv("SMTP_FROM", cfg.SMTPUser)

	cfg.TwilioAccountSID = getEnv("TWILIO_ACCOUNT_SID", "")
	cfg.TwilioAuthToken = getEnv("TWILIO_AUTH_TOKEN", "")
	cfg.TwilioPhoneNumber = getEnv("TWILIO_PHONE_NUMBER", "")
	cfg.TwilioAPIBase = getEnv("TWILIO_API_BASE", "https://api.twilio.com")

	// Parse CORS trusted origins from comma-separated env var
	if origins := getEnv("CORS_TRUSTED_ORIGINS", ""); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.Cors.TrustedOrigins = append(cfg.Cors.TrustedOrigins, trimmed)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "mysql", "postgres":
		if c.DBHost == "" {
			return fmt.Errorf("DB_HOST is required for %s", c.DBDriver)
		}
		if c.DBName == "" {
			return fmt.Errorf("DB_NAME is required for %s", c.DBDriver)
		}
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	// table and column are interpolated into the lookup query; everything else is a parameter
	if !identifierRe.MatchString(c.DBTable) {
		return fmt.Errorf("DB_TABLE %q is not a valid identifier", c.DBTable)
	}
	if !identifierRe.MatchString(c.DBIDColumn) {
		return fmt.Errorf("DB_ID_COLUMN %q is not a valid identifier", c.DBIDColumn)
	}

	if c.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE_MB must be positive")
	}
	if c.UploadTTL < 0 {
		return fmt.Errorf("UPLOAD_TTL must not be negative")
	}
	return nil
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	addr := net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort))
	switch c.DBDriver {
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = c.DBUser
		mc.Passwd = c.DBPassword
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = c.DBName
		return mc.FormatDSN()
	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.DBUser, c.DBPassword),
			Host:   addr,
			Path:   "/" + c.DBName,
		}
		return u.String()
	default:
		return c.DBPath
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SMSConfigured reports whether Twilio credentials are present.
func (c *Config) SMSConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func defaultPort(driver string) int {
	if driver == "postgres" {
		return 5432
	}
	return 3306
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}
