package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CUSDEB"

const (
	DeletePolicyCascade = "cascade"
	DeletePolicyProtect = "protect"
)

type Config struct {
	DBDriver  string
	DBDSN     string
	DataDir   string
	Port      int
	DevMode   bool
	SecretKey string

	// Token lifetimes in minutes.
	TokenTTL             int
	RefreshTokenTTL      int
	EmailConfirmationTTL int
	PasswordResetTTL     int

	UserDeletePolicy string
	WorkerKey        string
	CORSOrigins      []string

	BaseSiteURL string
	APIURL      string
	SiteName    string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	MailFrom     string

	GitHubClientID     string
	GitHubClientSecret string
	GoogleClientID     string
	GoogleClientSecret string

	SweepSchedule string

	// Seconds a catalog listing is served from the cache.
	CatalogCacheTTL int

	MaxConcurrent int
	BuildTimeout  int
	PollInterval  int
	BuildCommand  string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("user_delete_policy", DeletePolicyCascade)
	v.SetDefault("base_site_url", "http://localhost:3000")
	v.SetDefault("api_url", "http://localhost:8000")
	v.SetDefault("site_name", "CusDeb")
	v.SetDefault("mail_from", "noreply@cusdeb.com")
	v.SetDefault("sweep_schedule", "@every 1h")
	v.SetDefault("build_command", "pieman")

	cfg := &Config{
		DBDriver:             v.GetString("db_driver"),
		DBDSN:                v.GetString("db_dsn"),
		DataDir:              v.GetString("data_dir"),
		Port:                 intOrDefault(v, "port", 8000),
		DevMode:              v.GetString("dev_mode") == "true",
		SecretKey:            v.GetString("secret_key"),
		TokenTTL:             intOrDefault(v, "token_ttl", 5),
		RefreshTokenTTL:      intOrDefault(v, "refresh_token_ttl", 2880),
		EmailConfirmationTTL: intOrDefault(v, "email_confirmation_ttl", 1440),
		PasswordResetTTL:     intOrDefault(v, "password_reset_ttl", 1440),
		UserDeletePolicy:     strings.ToLower(v.GetString("user_delete_policy")),
		WorkerKey:            v.GetString("worker_key"),
		CORSOrigins:          splitList(v.GetString("cors_origins")),
		BaseSiteURL:          v.GetString("base_site_url"),
		APIURL:               v.GetString("api_url"),
		SiteName:             v.GetString("site_name"),
		SMTPHost:             v.GetString("smtp_host"),
		SMTPPort:             intOrDefault(v, "smtp_port", 587),
		SMTPUser:             v.GetString("smtp_user"),
		SMTPPassword:         v.GetString("smtp_password"),
		MailFrom:             v.GetString("mail_from"),
		GitHubClientID:       v.GetString("github_client_id"),
		GitHubClientSecret:   v.GetString("github_client_secret"),
		GoogleClientID:       v.GetString("google_client_id"),
		GoogleClientSecret:   v.GetString("google_client_secret"),
		SweepSchedule:        v.GetString("sweep_schedule"),
		CatalogCacheTTL:      intOrDefault(v, "catalog_cache_ttl", 60),
		MaxConcurrent:        intOrDefault(v, "max_concurrent", 2),
		BuildTimeout:         intOrDefault(v, "build_timeout", 7200),
		PollInterval:         intOrDefault(v, "poll_interval", 10),
		BuildCommand:         v.GetString("build_command"),
	}

	switch cfg.UserDeletePolicy {
	case DeletePolicyCascade, DeletePolicyProtect:
	default:
		return nil, fmt.Errorf("invalid user delete policy %q", cfg.UserDeletePolicy)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if err := os.MkdirAll(cfg.BuildLogsPath(), 0755); err != nil {
		return nil, fmt.Errorf("create build logs directory: %w", err)
	}

	return cfg, nil
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "cusdeb-api.db")
}

func (c *Config) BuildLogsPath() string {
	return filepath.Join(c.DataDir, "logs")
}

func intOrDefault(v *viper.Viper, key string, defaultValue int) int {
	if s := v.GetString(key); s != "" {
		if i, err := strconv.Atoi(s); err == nil {
			return i
		}
	}
	return defaultValue
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
