package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"bluez-go-home/internal/bluez"
	"bluez-go-home/internal/console"
	"bluez-go-home/internal/coordinator"
	"bluez-go-home/internal/device"
	"bluez-go-home/internal/store"
	"bluez-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	BlueZ struct {
		Adapter     string `yaml:"adapter"`
		CallTimeout string `yaml:"call_timeout"`
		PowerOn     bool   `yaml:"power_on"`
		Pairable    bool   `yaml:"pairable"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"bluez"`
	Registry struct {
		MaxPathLen  int `yaml:"max_path_len"`
		MaxAliasLen int `yaml:"max_alias_len"`
		MaxUUIDs    int `yaml:"max_uuids"`
	} `yaml:"registry"`
	Automation struct {
		AutoTrust  bool   `yaml:"auto_trust"`
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Web struct {
		Enabled        *bool    `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path        string `yaml:"path"`
		JournalKeep int    `yaml:"journal_keep"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Console struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"console"`
	DevicesDir string `yaml:"devices_dir"`

	callTimeout time.Duration
}

func (c *Config) validate() error {
	if c.BlueZ.Adapter == "" || strings.ContainsAny(c.BlueZ.Adapter, "/ ") {
		return fmt.Errorf("bluez.adapter must be an adapter name like hci0, got %q", c.BlueZ.Adapter)
	}
	if c.Registry.MaxPathLen < 0 || c.Registry.MaxAliasLen < 0 || c.Registry.MaxUUIDs < 0 {
		return fmt.Errorf("registry limits must not be negative")
	}
	if c.Store.JournalKeep < 0 {
		return fmt.Errorf("store.journal_keep must not be negative, got %d", c.Store.JournalKeep)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// webEnabled reports whether the HTTP API should run. It defaults to on.
func (c *Config) webEnabled() bool {
	return c.Web.Enabled == nil || *c.Web.Enabled
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath, bootLogger)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// The console owns stdout when enabled, so logs go to stderr.
	var logOut io.Writer = os.Stdout
	if cfg.Console.Enabled {
		logOut = os.Stderr
	}
	logger := newLogger(cfg, logOut)
	slog.SetDefault(logger)
	logger.Info("bluez-go-home starting", "version", version, "adapter", cfg.BlueZ.Adapter)

	// Load per-device policies and service names from the devices directory.
	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, logger)
	if err != nil {
		logger.Error("load device policies", "err", err)
		os.Exit(1)
	}
	logger.Info("device policies loaded", "devices", deviceDB.Len())

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus, err := bluez.Connect(bluez.Config{
		Adapter:     cfg.BlueZ.Adapter,
		CallTimeout: cfg.callTimeout,
	}, logger)
	if err != nil {
		logger.Error("connect to bluez", "err", err)
		os.Exit(1)
	}
	defer bus.Close()

	registry := device.NewRegistry(device.Limits{
		MaxPathLen:  cfg.Registry.MaxPathLen,
		MaxAliasLen: cfg.Registry.MaxAliasLen,
		MaxUUIDs:    cfg.Registry.MaxUUIDs,
	})

	// Create coordinator
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(bus, db, registry, deviceDB, events, coordinator.Config{
		Adapter:     cfg.BlueZ.Adapter,
		AutoTrust:   cfg.Automation.AutoTrust,
		PowerOn:     cfg.BlueZ.PowerOn,
		Pairable:    cfg.BlueZ.Pairable,
		Discovery:   cfg.BlueZ.Discovery,
		JournalKeep: cfg.Store.JournalKeep,
	}, logger)

	// Start coordinator
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		bus.Close()
		db.Close()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	// Start web server
	var (
		webServer  *web.Server
		httpServer *http.Server
	)
	if cfg.webEnabled() {
		var webOpts []web.ServerOption
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		if len(cfg.Web.AllowedOrigins) > 0 {
			webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
		}
		webOpts = append(webOpts, web.WithVersion(version))
		webOpts = append(webOpts, autoWebOpts...)

		webServer = web.NewServer(coord, logger, webOpts...)
		httpServer = &http.Server{
			Addr:         cfg.Web.Listen,
			Handler:      webServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 90 * time.Second, // pairing can take most of a minute
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			logger.Info("web server starting", "addr", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server", "err", err)
			}
		}()
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if cfg.Console.Enabled {
		go func() {
			c := console.New(coord, os.Stdin, os.Stdout, logger)
			if err := c.Run(sigCtx); err != nil {
				logger.Error("console", "err", err)
			}
			// quit at the console shuts the program down.
			stopSignals()
		}()
	}
	<-sigCtx.Done()
	stopSignals()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
	}
	coord.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BlueZ.Adapter == "" {
		cfg.BlueZ.Adapter = "hci0"
	}
	cfg.callTimeout = bluez.DefaultCallTimeout
	if cfg.BlueZ.CallTimeout != "" {
		if d, err := time.ParseDuration(cfg.BlueZ.CallTimeout); err == nil && d > 0 {
			cfg.callTimeout = d
		} else {
			logger.Warn("invalid bluez.call_timeout, using default", "value", cfg.BlueZ.CallTimeout, "default", cfg.callTimeout)
		}
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "bluez-home.db"
	}
	if cfg.Store.JournalKeep == 0 {
		cfg.Store.JournalKeep = 1000
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "bluez"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config, out io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
