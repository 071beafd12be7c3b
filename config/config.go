package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	ListenIP   string `json:"listen_ip" yaml:"listen_ip"`
	ListenPort int    `json:"listen_port" yaml:"listen_port"`
	SessionKey string `json:"session_key" yaml:"session_key"`

	DatabaseDriver string `json:"database_driver" yaml:"database_driver"` // "sqlite" or "mysql"
	DatabaseDSN    string `json:"database_dsn" yaml:"database_dsn"`

	ScrapeBaseURL        string `json:"scrape_base_url" yaml:"scrape_base_url"`
	ScrapeTimeoutSeconds int    `json:"scrape_timeout_seconds" yaml:"scrape_timeout_seconds"`
	ScrapeConcurrency    int    `json:"scrape_concurrency" yaml:"scrape_concurrency"`

	RescanIntervalMinutes int  `json:"rescan_interval_minutes" yaml:"rescan_interval_minutes"`
	SignupCaptcha         bool `json:"signup_captcha" yaml:"signup_captcha"`
	SecureCookies         bool `json:"secure_cookies" yaml:"secure_cookies"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

const placeholderSessionKey = "CHANGE_ME_IN_PRODUCTION"

var AppConfig Config

func LoadConfig(path string) error {
	// A missing .env is fine; the config file and real env still apply.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return err
	}

	applyEnv(&cfg)
	cfg.applyDefaults()

	if err := ensureSessionKey(&cfg); err != nil {
		return err
	}

	AppConfig = cfg
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SITEWATCH_SESSION_KEY"); v != "" {
		cfg.SessionKey = v
	}
	if v := os.Getenv("SITEWATCH_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("SITEWATCH_SCRAPE_BASE_URL"); v != "" {
		cfg.ScrapeBaseURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "SiteWatch"
	}
	if c.ListenIP == "" {
		c.ListenIP = "127.0.0.1"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 8080
	}
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = "sqlite"
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = "./sitewatch.db"
	}
	if c.ScrapeTimeoutSeconds <= 0 {
		c.ScrapeTimeoutSeconds = 30
	}
	if c.ScrapeConcurrency <= 0 {
		c.ScrapeConcurrency = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// If no key is provided or it's the placeholder, generate a secure random one
func ensureSessionKey(cfg *Config) error {
	if cfg.SessionKey != "" && cfg.SessionKey != placeholderSessionKey {
		return nil
	}
	Logger.Warn("No session key configured. Generating a random key. Sessions will be invalidated on restart.")
	randomKey := make([]byte, 32)
	if _, err := rand.Read(randomKey); err != nil {
		return err
	}
	cfg.SessionKey = hex.EncodeToString(randomKey)
	return nil
}

func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.ScrapeTimeoutSeconds) * time.Second
}

func (c Config) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalMinutes) * time.Minute
}
