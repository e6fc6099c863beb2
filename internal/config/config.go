// Package config loads lanchat settings from defaults, an optional YAML file
// and LANCHAT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	KeyDir            string
	ArchiveDir        string
	ArchivePassphrase string
	InboxSize         int

	Port             int
	ListenHost       string
	PollInterval     time.Duration
	ReadTimeout      time.Duration
	ConnectTimeout   time.Duration
	MaxEnvelopeBytes int
	MaxConns         int64
	RateLimit        float64
	RateBurst        int

	APIAddr string

	Discovery  bool
	DeviceName string

	KeyringBackend string
	KeyringDir     string

	User      string
	AutoStart bool

	LogLevel  string
	LogFormat string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		KeyDir:           "claves",
		ArchiveDir:       "mensajes",
		InboxSize:        200,
		Port:             55555,
		ListenHost:       "0.0.0.0",
		PollInterval:     time.Second,
		ReadTimeout:      5 * time.Second,
		ConnectTimeout:   5 * time.Second,
		MaxEnvelopeBytes: 64 * 1024,
		MaxConns:         64,
		APIAddr:          "127.0.0.1:9555",
		Discovery:        true,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// File mirrors the YAML layout. Pointers distinguish unset from false.
type File struct {
	Keys struct {
		Dir string `yaml:"dir"`
	} `yaml:"keys"`
	Archive struct {
		Dir        string `yaml:"dir"`
		Passphrase string `yaml:"passphrase"`
		InboxSize  int    `yaml:"inboxSize"`
	} `yaml:"archive"`
	Network struct {
		Port             int           `yaml:"port"`
		ListenHost       string        `yaml:"listenHost"`
		PollInterval     time.Duration `yaml:"pollInterval"`
		ReadTimeout      time.Duration `yaml:"readTimeout"`
		ConnectTimeout   time.Duration `yaml:"connectTimeout"`
		MaxEnvelopeBytes int           `yaml:"maxEnvelopeBytes"`
		MaxConns         *int64        `yaml:"maxConns"`
		RateLimit        float64       `yaml:"rateLimit"`
		RateBurst        int           `yaml:"rateBurst"`
	} `yaml:"network"`
	API struct {
		Addr string `yaml:"addr"`
	} `yaml:"api"`
	Discovery struct {
		Enabled *bool  `yaml:"enabled"`
		Name    string `yaml:"name"`
	} `yaml:"discovery"`
	Keyring struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
	} `yaml:"keyring"`
	Session struct {
		User      string `yaml:"user"`
		AutoStart *bool  `yaml:"autoStart"`
	} `yaml:"session"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultPaths are tried in order when no explicit path is given.
var DefaultPaths = []string{
	"lanchat.yaml",
	"configs/lanchat.yaml",
}

// Load resolves the configuration. A missing default file is not an error;
// a missing or unreadable explicit path is.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := DefaultPaths
	if path != "" {
		candidates = []string{path}
	}

	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if path == "" && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return cfg, fmt.Errorf("failed to read config %s: %w", p, err)
		}

		var parsed File
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", p, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// Merge copies every set field of src over dst.
func Merge(dst *Config, src File) {
	setString(&dst.KeyDir, src.Keys.Dir)
	setString(&dst.ArchiveDir, src.Archive.Dir)
	setString(&dst.ArchivePassphrase, src.Archive.Passphrase)
	setInt(&dst.InboxSize, src.Archive.InboxSize)

	n := src.Network
	setInt(&dst.Port, n.Port)
	setString(&dst.ListenHost, n.ListenHost)
	setDuration(&dst.PollInterval, n.PollInterval)
	setDuration(&dst.ReadTimeout, n.ReadTimeout)
	setDuration(&dst.ConnectTimeout, n.ConnectTimeout)
	setInt(&dst.MaxEnvelopeBytes, n.MaxEnvelopeBytes)
	if n.MaxConns != nil {
		dst.MaxConns = *n.MaxConns
	}
	if n.RateLimit != 0 {
		dst.RateLimit = n.RateLimit
	}
	setInt(&dst.RateBurst, n.RateBurst)

	setString(&dst.APIAddr, src.API.Addr)

	if src.Discovery.Enabled != nil {
		dst.Discovery = *src.Discovery.Enabled
	}
	setString(&dst.DeviceName, src.Discovery.Name)

	setString(&dst.KeyringBackend, src.Keyring.Backend)
	setString(&dst.KeyringDir, src.Keyring.Dir)

	setString(&dst.User, src.Session.User)
	if src.Session.AutoStart != nil {
		dst.AutoStart = *src.Session.AutoStart
	}

	setString(&dst.LogLevel, src.Log.Level)
	setString(&dst.LogFormat, src.Log.Format)
}

// ApplyEnvOverrides applies LANCHAT_* variables. Unparseable values are
// ignored.
func ApplyEnvOverrides(cfg *Config) {
	setString(&cfg.KeyDir, env("LANCHAT_KEY_DIR"))
	setString(&cfg.ArchiveDir, env("LANCHAT_ARCHIVE_DIR"))
	setString(&cfg.ArchivePassphrase, env("LANCHAT_ARCHIVE_PASSPHRASE"))
	setString(&cfg.ListenHost, env("LANCHAT_LISTEN_HOST"))
	setString(&cfg.APIAddr, env("LANCHAT_API_ADDR"))
	setString(&cfg.DeviceName, env("LANCHAT_DEVICE_NAME"))
	setString(&cfg.KeyringBackend, env("LANCHAT_KEYRING_BACKEND"))
	setString(&cfg.KeyringDir, env("LANCHAT_KEYRING_DIR"))
	setString(&cfg.User, env("LANCHAT_USER"))
	setString(&cfg.LogLevel, env("LANCHAT_LOG_LEVEL"))
	setString(&cfg.LogFormat, env("LANCHAT_LOG_FORMAT"))

	if v, err := strconv.Atoi(env("LANCHAT_PORT")); err == nil {
		cfg.Port = v
	}
	if v, err := strconv.ParseInt(env("LANCHAT_MAX_CONNS"), 10, 64); err == nil {
		cfg.MaxConns = v
	}
	if v, err := strconv.ParseFloat(env("LANCHAT_RATE_LIMIT"), 64); err == nil {
		cfg.RateLimit = v
	}
	if v, err := strconv.ParseBool(env("LANCHAT_DISCOVERY")); err == nil {
		cfg.Discovery = v
	}
	if v, err := strconv.ParseBool(env("LANCHAT_AUTO_START")); err == nil {
		cfg.AutoStart = v
	}
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("invalid maxConns %d", c.MaxConns)
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("rateBurst must be positive when rateLimit is set")
	}
	if c.KeyDir == "" || c.ArchiveDir == "" {
		return errors.New("key and archive directories must not be empty")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
