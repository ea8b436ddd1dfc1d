package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string
	Retention int
}

// SyncConfig holds scheduling and retry settings for the automation sync.
type SyncConfig struct {
	Schedule             string
	Timeout              time.Duration
	RetryMax             int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// SFMCConfig holds the platform endpoint and credentials.
type SFMCConfig struct {
	SOAPURL     string
	AccessToken string
	HTTPTimeout time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Sync         SyncConfig
	SFMC         SFMCConfig
	Notification NotificationConfig

	Mode          string
	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7070"
	defaultLogLevel      = "info"
	defaultRunRetention  = 50
	defaultShutdownGrace = 5 * time.Second
	defaultMode          = "http"
	defaultSchedule      = "*/30 * * * *"
	defaultSyncTimeout   = 10 * time.Minute
	defaultRetryMax      = 3
	defaultRetryInitial  = 500 * time.Millisecond
	defaultRetryMaxWait  = 10 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
)

// Modes lists the accepted values of Config.Mode.
var Modes = []string{"once", "http", "mcp", "both"}

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads configuration from the process flags and environment.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "automationsync", ".env"))
	}
	// Missing .env files are not an error.
	_ = godotenv.Load(envFiles...)
	return Load(os.Args[1:])
}

// Load builds a Config from args and the environment.
// Priority: CLI flags > environment variables > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("AUTOSYNC_ADDR", defaultAddr),
			AuthToken: getEnvString("AUTOSYNC_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("AUTOSYNC_LOG_LEVEL", defaultLogLevel),
			Retention: getEnvInt("AUTOSYNC_RUN_RETENTION", defaultRunRetention),
		},
		Sync: SyncConfig{
			Schedule:             getEnvString("AUTOSYNC_SCHEDULE", defaultSchedule),
			Timeout:              getEnvDuration("AUTOSYNC_SYNC_TIMEOUT", defaultSyncTimeout),
			RetryMax:             getEnvInt("AUTOSYNC_RETRY_MAX", defaultRetryMax),
			RetryInitialInterval: getEnvDuration("AUTOSYNC_RETRY_INITIAL_INTERVAL", defaultRetryInitial),
			RetryMaxInterval:     getEnvDuration("AUTOSYNC_RETRY_MAX_INTERVAL", defaultRetryMaxWait),
		},
		SFMC: SFMCConfig{
			SOAPURL:     getEnvString("SFMC_SOAP_URL", ""),
			AccessToken: getEnvString("SFMC_ACCESS_TOKEN", ""),
			HTTPTimeout: getEnvDuration("SFMC_HTTP_TIMEOUT", defaultHTTPTimeout),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("AUTOSYNC_BARK_URL", ""),
				Enabled: getEnvBool("AUTOSYNC_BARK_ENABLED", false),
			},
		},
		Mode:          getEnvString("AUTOSYNC_MODE", defaultMode),
		StateDir:      getEnvString("AUTOSYNC_STATE_DIR", ""),
		UseUTC:        getEnvBool("AUTOSYNC_USE_UTC", false),
		ShutdownGrace: getEnvDuration("AUTOSYNC_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("automationsyncd", flag.ContinueOnError)
	var addr, logLevel, stateDir, mode, schedule string
	var retention int
	var useUTC bool
	var shutdownGrace, syncTimeout time.Duration

	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&mode, "mode", "", "Run mode: once, http, mcp or both")
	fs.StringVar(&schedule, "schedule", "", "5-field cron expression for scheduled syncs")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.IntVar(&retention, "run-retention", 0, "Number of recent sync runs to keep")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	fs.DurationVar(&syncTimeout, "sync-timeout", 0, "Maximum duration of one sync run")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if retention > 0 {
		cfg.Log.Retention = retention
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if schedule != "" {
		cfg.Sync.Schedule = schedule
	}
	// Bool and duration flags only apply when explicitly set.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "sync-timeout":
			cfg.Sync.Timeout = syncTimeout
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultRunRetention
	}
	if cfg.Sync.RetryMax < 0 {
		cfg.Sync.RetryMax = 0
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	valid := false
	for _, m := range Modes {
		if c.Mode == m {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid mode %q, want one of %s", c.Mode, strings.Join(Modes, ", "))
	}
	if strings.TrimSpace(c.Sync.Schedule) == "" {
		return fmt.Errorf("sync schedule is required")
	}
	if c.SFMC.SOAPURL == "" {
		return fmt.Errorf("SFMC_SOAP_URL is required")
	}
	if c.SFMC.AccessToken == "" {
		return fmt.Errorf("SFMC_ACCESS_TOKEN is required")
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return fmt.Errorf("AUTOSYNC_BARK_URL is required when bark is enabled")
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "automationsync")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
