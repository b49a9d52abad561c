package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Serve modes.
const (
	ModeHTTP  = "http"  // HTTP API with MCP mounted at /mcp
	ModeStdio = "stdio" // MCP over stdin/stdout, no HTTP listener
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Mode      string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
	File   string
	// RotateBytes is the execution-log segment size that triggers rotation.
	RotateBytes int64
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
	// PerMinute caps notifications sent per minute; 0 disables the cap.
	PerMinute int
}

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	Workers   int
	QueueSize int
}

// CapabilityConfig configures the local desktop provider.
type CapabilityConfig struct {
	AllowCommands bool
	ScreenWidth   int
	ScreenHeight  int
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
	Capability   CapabilityConfig

	StateDir      string
	SettingsPath  string
	ShutdownGrace time.Duration
}

const (
	envPrefix = "DESKCRON_"

	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultShutdownGrace = 10 * time.Second
	defaultWorkers       = 4
	defaultQueueSize     = 64
	defaultPerMinute     = 10
	defaultRotateBytes   = 100 << 20
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// RegisterFlags defines the daemon flags on fs. Flags only override the
// environment when set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("addr", defaultAddr, "HTTP listen address")
	fs.String("mode", ModeHTTP, "serve mode: http or stdio")
	fs.String("state-dir", "", "directory for the task database, logs and backups")
	fs.String("settings", "", "runtime settings file (default <state-dir>/settings.yaml)")
	fs.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("log-format", defaultLogFormat, "log format (text, json)")
	fs.String("log-file", "", "also write daemon logs to this file")
	fs.Int("workers", defaultWorkers, "number of concurrent task runs")
	fs.Duration("shutdown-grace", defaultShutdownGrace, "grace period for in-flight runs when shutting down")
	fs.Bool("allow-commands", false, "allow custom_command actions to run shell commands")
}

// Load builds the config. Priority: flags > environment > .env file > defaults.
// fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "deskcron", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // optional
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			Mode:      getEnvString("MODE", ModeHTTP),
		},
		Log: LogConfig{
			Level:       getEnvString("LOG_LEVEL", defaultLogLevel),
			Format:      getEnvString("LOG_FORMAT", defaultLogFormat),
			File:        getEnvString("LOG_FILE", ""),
			RotateBytes: int64(getEnvInt("LOG_ROTATE_BYTES", defaultRotateBytes)),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			PerMinute: getEnvInt("NOTIFY_PER_MINUTE", defaultPerMinute),
		},
		Scheduler: SchedulerConfig{
			Workers:   getEnvInt("WORKERS", defaultWorkers),
			QueueSize: getEnvInt("QUEUE_SIZE", defaultQueueSize),
		},
		Capability: CapabilityConfig{
			AllowCommands: getEnvBool("ALLOW_COMMANDS", false),
			ScreenWidth:   getEnvInt("SCREEN_WIDTH", 1920),
			ScreenHeight:  getEnvInt("SCREEN_HEIGHT", 1080),
		},
		StateDir:      getEnvString("STATE_DIR", ""),
		SettingsPath:  getEnvString("SETTINGS", ""),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	if fs != nil {
		if err := applyFlags(fs, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = filepath.Join(cfg.StateDir, "settings.yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "addr":
			cfg.Server.Addr = f.Value.String()
		case "mode":
			cfg.Server.Mode = f.Value.String()
		case "state-dir":
			cfg.StateDir = f.Value.String()
		case "settings":
			cfg.SettingsPath = f.Value.String()
		case "log-level":
			cfg.Log.Level = f.Value.String()
		case "log-format":
			cfg.Log.Format = f.Value.String()
		case "log-file":
			cfg.Log.File = f.Value.String()
		case "workers":
			cfg.Scheduler.Workers, err = fs.GetInt("workers")
		case "shutdown-grace":
			cfg.ShutdownGrace, err = fs.GetDuration("shutdown-grace")
		case "allow-commands":
			cfg.Capability.AllowCommands, err = fs.GetBool("allow-commands")
		}
	})
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	return nil
}

// Validate rejects values the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeHTTP, ModeStdio:
	default:
		return fmt.Errorf("invalid mode %q: want %s or %s", c.Server.Mode, ModeHTTP, ModeStdio)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QueueSize < 1 {
		return fmt.Errorf("queue size must be >= 1, got %d", c.Scheduler.QueueSize)
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return fmt.Errorf("bark notifications enabled without %sBARK_URL", envPrefix)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must be >= 0")
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "deskcron")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
