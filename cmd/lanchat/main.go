package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeropr/lanchat/internal/api"
	"github.com/zeropr/lanchat/internal/config"
	"github.com/zeropr/lanchat/internal/discovery"
	"github.com/zeropr/lanchat/internal/gateway"
	"github.com/zeropr/lanchat/internal/keys"
	"github.com/zeropr/lanchat/internal/metrics"
	"github.com/zeropr/lanchat/internal/peers"
	"github.com/zeropr/lanchat/internal/ratelimit"
	"github.com/zeropr/lanchat/internal/secrets"
	"github.com/zeropr/lanchat/internal/transport"
)

const (
	version     = "0.1.0"
	defaultName = "lanchat"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML config file")
	port        = flag.Int("port", 0, "Message port (default 55555)")
	apiAddr     = flag.String("api-addr", "", "Control API listen address")
	deviceName  = flag.String("name", defaultName, "Device name for mDNS")
	user        = flag.String("user", "", "Sign in as this user at startup")
	autoStart   = flag.Bool("start", false, "Start the message server at startup")
	noDiscovery = flag.Bool("no-discovery", false, "Disable mDNS announcement")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	generate    = flag.String("generate", "", "Generate a key pair for this user and exit")
	bits        = flag.Int("bits", keys.DefaultBits, "Modulus size for -generate")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lanchat: %v\n", err)
		os.Exit(2)
	}
	applyFlags(&cfg)

	logger := newLogger(cfg)

	if *generate != "" {
		if err := generateKeys(cfg, *generate, *bits, logger); err != nil {
			logger.Fatal().Err(err).Str("user", *generate).Msg("Failed to generate key pair")
		}
		return
	}

	deviceLabel := resolveDeviceName(cfg.DeviceName)

	logger.Info().Str("version", version).Str("device", deviceLabel).Msg("LAN chat starting")
	logger.Info().Int("port", cfg.Port).Str("api", cfg.APIAddr).Str("keys", cfg.KeyDir).Msg("Configuration loaded")

	store, err := secrets.Open(secrets.Config{
		Backend:      cfg.KeyringBackend,
		FileDir:      cfg.KeyringDir,
		FilePassword: os.Getenv("LANCHAT_KEYRING_PASSWORD"),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Keyring unavailable, passphrases will not be remembered")
		store = nil
	}

	m := metrics.New()
	peerRegistry := peers.NewRegistry()

	gw := gateway.New(gateway.Options{
		KeyDir:            cfg.KeyDir,
		ArchiveDir:        cfg.ArchiveDir,
		ArchivePassphrase: cfg.ArchivePassphrase,
		Port:              cfg.Port,
		InboxSize:         cfg.InboxSize,
		ConnectTimeout:    cfg.ConnectTimeout,
		Server: transport.ServerOptions{
			Host:             cfg.ListenHost,
			PollInterval:     cfg.PollInterval,
			ReadTimeout:      cfg.ReadTimeout,
			MaxEnvelopeBytes: cfg.MaxEnvelopeBytes,
			MaxConns:         cfg.MaxConns,
			Limiter:          ratelimit.New(cfg.RateLimit, cfg.RateBurst, ratelimit.DefaultIdleTTL),
		},
		Secrets: store,
		Peers:   peerRegistry,
		Metrics: m,
	}, logger)

	var (
		discoveryService *discovery.Service
		broadcaster      api.Broadcaster
	)
	if cfg.Discovery {
		discoveryService = discovery.NewService(deviceLabel, cfg.Port, peerRegistry, logger)
		broadcaster = discoveryService
	}

	if cfg.User != "" {
		id, err := gw.SignIn(cfg.User, os.Getenv("LANCHAT_PASSPHRASE"), false)
		if err != nil {
			logger.Error().Err(err).Str("user", cfg.User).Msg("Automatic sign in failed")
		} else if discoveryService != nil {
			discoveryService.SetIdentity(id.Name, id.Public.Fingerprint())
		}
	}

	if cfg.AutoStart {
		if err := gw.StartServer(cfg.Port); err != nil {
			logger.Error().Err(err).Int("port", cfg.Port).Msg("Failed to start message server")
		} else if discoveryService != nil {
			if err := discoveryService.StartBroadcast(); err != nil {
				logger.Warn().Err(err).Msg("Failed to start broadcast")
			}
		}
	}

	srv := api.NewServer(api.Options{
		Addr:      cfg.APIAddr,
		Gateway:   gw,
		Peers:     peerRegistry,
		Discovery: broadcaster,
		Metrics:   m,
		Logger:    logger,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Control API failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")

	if discoveryService != nil {
		discoveryService.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Control API forced to shutdown")
	}
	_ = gw.Close()

	logger.Info().Msg("LAN chat stopped")
}

// applyFlags overrides the loaded configuration with flags set on the
// command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "api-addr":
			cfg.APIAddr = *apiAddr
		case "name":
			cfg.DeviceName = *deviceName
		case "user":
			cfg.User = *user
		case "start":
			cfg.AutoStart = *autoStart
		case "no-discovery":
			cfg.Discovery = !*noDiscovery
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// generateKeys creates a key pair for headless use and prints the public
// half so it can be handed to contacts.
func generateKeys(cfg config.Config, name string, bits int, logger zerolog.Logger) error {
	store := keys.NewStore(cfg.KeyDir)
	passphrase := os.Getenv("LANCHAT_PASSPHRASE")

	kp, err := store.Create(name, bits, passphrase)
	if err != nil {
		return err
	}

	logger.Info().
		Str("user", name).
		Int("bits", kp.Public.Bits()).
		Bool("encrypted", passphrase != "").
		Str("fingerprint", kp.Public.Fingerprint()).
		Str("path", store.PrivatePath(name)).
		Msg("Key pair created")

	_, err = os.Stdout.Write(kp.Public.PEM())
	return err
}

func resolveDeviceName(name string) string {
	base := strings.TrimSpace(name)
	if base == "" {
		base = defaultName
	}

	// If user provided a non-default custom name, honor it as-is.
	if name != "" && name != defaultName {
		return base
	}

	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
	}

	sanitized := sanitizeHostname(host)
	if sanitized == "" {
		return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
	}

	return fmt.Sprintf("%s-%s", base, sanitized)
}

func sanitizeHostname(host string) string {
	host = strings.ToLower(host)

	var builder strings.Builder
	lastDash := false

	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastDash = false
		case r == '-' || r == '_' || r == ' ' || r == '.':
			if !lastDash {
				builder.WriteRune('-')
				lastDash = true
			}
		}
	}

	return strings.Trim(builder.String(), "-")
}
