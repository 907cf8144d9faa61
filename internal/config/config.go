package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL string
	ServerAddr  string
	Store       string
	LogLevel    zerolog.Level

	// ListingCheck verifies the seller against the listings table on submit.
	ListingCheck bool

	ResponseWindow    time.Duration
	ScanInterval      time.Duration
	ScanBatch         int
	ReminderLead      time.Duration
	ExpireMaxAttempts int

	Raft RaftConfig
}

// RaftConfig configures a replicated offer node.
type RaftConfig struct {
	NodeID      string
	Addr        string
	DataDir     string
	Bootstrap   bool
	JoinURL     string
	SigningKey  string
	TrustedKeys []string
}

// Load reads configuration from the environment, after loading .env when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("POSTGRES_USER", "offers")
	v.SetDefault("POSTGRES_PASSWORD", "offers_pass")
	v.SetDefault("POSTGRES_DB", "offers")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("SERVER_ADDR", "0.0.0.0:8080")
	v.SetDefault("OFFER_STORE", StorePostgres)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LISTING_CHECK", false)

	v.SetDefault("RESPONSE_WINDOW", "72h")
	v.SetDefault("SCAN_INTERVAL", "30s")
	v.SetDefault("SCAN_BATCH", 100)
	v.SetDefault("REMINDER_LEAD", "24h")
	v.SetDefault("EXPIRE_MAX_ATTEMPTS", 3)

	v.SetDefault("RAFT_ADDR", "127.0.0.1:7000")
	v.SetDefault("RAFT_DATA_DIR", "data/raft")
	v.SetDefault("RAFT_BOOTSTRAP", false)
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	dsn := strings.TrimSpace(v.GetString("DATABASE_URL"))
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			v.GetString("POSTGRES_USER"),
			v.GetString("POSTGRES_PASSWORD"),
			v.GetString("POSTGRES_HOST"),
			v.GetString("POSTGRES_PORT"),
			v.GetString("POSTGRES_DB"),
			v.GetString("DATABASE_SSLMODE"),
		)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(v.GetString("LOG_LEVEL")))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		DatabaseURL:       dsn,
		ServerAddr:        v.GetString("SERVER_ADDR"),
		Store:             strings.ToLower(strings.TrimSpace(v.GetString("OFFER_STORE"))),
		LogLevel:          level,
		ListingCheck:      v.GetBool("LISTING_CHECK"),
		ResponseWindow:    v.GetDuration("RESPONSE_WINDOW"),
		ScanInterval:      v.GetDuration("SCAN_INTERVAL"),
		ScanBatch:         v.GetInt("SCAN_BATCH"),
		ReminderLead:      v.GetDuration("REMINDER_LEAD"),
		ExpireMaxAttempts: v.GetInt("EXPIRE_MAX_ATTEMPTS"),
		Raft: RaftConfig{
			NodeID:      strings.TrimSpace(v.GetString("NODE_ID")),
			Addr:        strings.TrimSpace(v.GetString("RAFT_ADDR")),
			DataDir:     strings.TrimSpace(v.GetString("RAFT_DATA_DIR")),
			Bootstrap:   v.GetBool("RAFT_BOOTSTRAP"),
			JoinURL:     strings.TrimSpace(v.GetString("RAFT_JOIN_URL")),
			SigningKey:  strings.TrimSpace(v.GetString("NODE_SIGNING_KEY")),
			TrustedKeys: splitCSV(v.GetString("TRUSTED_KEYS")),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("OFFER_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.ResponseWindow <= 0 {
		return errors.New("RESPONSE_WINDOW must be positive")
	}
	if c.ScanInterval <= 0 {
		return errors.New("SCAN_INTERVAL must be positive")
	}
	if c.ScanBatch <= 0 {
		return errors.New("SCAN_BATCH must be positive")
	}
	if c.ReminderLead < 0 {
		return errors.New("REMINDER_LEAD must not be negative")
	}
	if c.ExpireMaxAttempts <= 0 {
		return errors.New("EXPIRE_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
