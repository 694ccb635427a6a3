package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "SKETCHPAD"
	defaultHTTPAddress       = "0.0.0.0:3000"
	defaultLogLevel          = "info"
	defaultReconcileInterval = 5 * time.Second
	defaultCursorRate        = 30.0
	defaultCursorBurst       = 10
	defaultDatabasePath      = "file:sketchpad?mode=memory&cache=shared"
	defaultTicketTTL         = 24 * time.Hour
	defaultHubBufferSize     = 256
	defaultAllowedOrigins    = "*"
)

// AppConfig captures runtime configuration for the sketch server.
type AppConfig struct {
	HTTPAddress       string
	LogLevel          string
	ReconcileInterval time.Duration
	RoomIdleTTL       time.Duration
	CursorRate        float64
	CursorBurst       int
	HubBufferSize     int
	DatabasePath      string
	ActivityEnabled   bool
	TicketSecret      string
	TicketTTL         time.Duration
	MDNSEnabled       bool
	MDNSInstance      string
	AllowedOrigins    []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	// The bare PORT variable is honoured for platform deployments.
	_ = configViper.BindEnv("http.port", "PORT", envPrefix+"_HTTP_PORT")

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("reconcile.interval", defaultReconcileInterval)
	configViper.SetDefault("rooms.idle_ttl", time.Duration(0))
	configViper.SetDefault("cursor.rate_per_second", defaultCursorRate)
	configViper.SetDefault("cursor.burst", defaultCursorBurst)
	configViper.SetDefault("hub.buffer_size", defaultHubBufferSize)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("activity.enabled", true)
	configViper.SetDefault("ticket.ttl", defaultTicketTTL)
	configViper.SetDefault("mdns.enabled", false)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	address, err := resolveAddress(configViper.GetString("http.address"), configViper.GetString("http.port"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:       address,
		LogLevel:          configViper.GetString("log.level"),
		ReconcileInterval: configViper.GetDuration("reconcile.interval"),
		RoomIdleTTL:       configViper.GetDuration("rooms.idle_ttl"),
		CursorRate:        configViper.GetFloat64("cursor.rate_per_second"),
		CursorBurst:       configViper.GetInt("cursor.burst"),
		HubBufferSize:     configViper.GetInt("hub.buffer_size"),
		DatabasePath:      configViper.GetString("database.path"),
		ActivityEnabled:   configViper.GetBool("activity.enabled"),
		TicketSecret:      configViper.GetString("ticket.signing_secret"),
		TicketTTL:         configViper.GetDuration("ticket.ttl"),
		MDNSEnabled:       configViper.GetBool("mdns.enabled"),
		MDNSInstance:      configViper.GetString("mdns.instance"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	if c.RoomIdleTTL < 0 {
		return fmt.Errorf("rooms.idle_ttl must not be negative")
	}
	if c.CursorRate <= 0 {
		return fmt.Errorf("cursor.rate_per_second must be positive")
	}
	if c.CursorBurst <= 0 {
		return fmt.Errorf("cursor.burst must be positive")
	}
	if c.HubBufferSize <= 0 {
		return fmt.Errorf("hub.buffer_size must be positive")
	}
	if c.ActivityEnabled && strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required when activity is enabled")
	}
	if c.TicketTTL <= 0 {
		return fmt.Errorf("ticket.ttl must be positive")
	}
	return nil
}

func resolveAddress(address, port string) (string, error) {
	address = strings.TrimSpace(address)
	port = strings.TrimSpace(port)
	if address == "" {
		address = defaultHTTPAddress
	}
	if port == "" {
		return address, nil
	}
	number, err := strconv.Atoi(port)
	if err != nil || number <= 0 || number > 65535 {
		return "", fmt.Errorf("http.port %q is not a valid port", port)
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("http.address %q is invalid: %w", address, err)
	}
	return net.JoinHostPort(host, port), nil
}

func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
