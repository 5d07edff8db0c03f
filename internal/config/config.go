package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: field %q: %s", e.Field, e.Message)
}

// TimescaleConfig holds the relational time-series store connection settings
type TimescaleConfig struct {
	Name     string `env:"TIMESCALE_DB_NAME"`
	User     string `env:"TIMESCALE_USER"`
	Password string `env:"TIMESCALE_PASS"`
	Host     string `env:"TIMESCALE_HOST"`
	Port     int    `env:"TIMESCALE_PORT" validate:"gte=1,lte=65535"`
}

// DSN builds a postgres connection URL from the individual settings.
func (t TimescaleConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   "/" + t.Name,
	}
	if t.User != "" {
		if t.Password != "" {
			u.User = url.UserPassword(t.User, t.Password)
		} else {
			u.User = url.User(t.User)
		}
	}
	return u.String()
}

// Tile38Config holds the geospatial index connection settings
type Tile38Config struct {
	Host     string `env:"TILE38_HOST"`
	Port     int    `env:"TILE38_PORT" validate:"gte=1,lte=65535"`
	Password string `env:"TILE38_PASS"`
	DB       int    `env:"TILE38_DB_NAME" validate:"gte=0"`
}

// Addr returns host:port for the index.
func (t Tile38Config) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Config holds all configuration for the setup, poller and api binaries
type Config struct {
	// Relational store
	StoreBackend string `env:"STORE_BACKEND" validate:"oneof=timescale sqlite"`
	Timescale    TimescaleConfig
	SQLitePath   string `env:"SQLITE_DATABASE"`

	// Geospatial index
	GeoIndexBackend     string `env:"GEO_INDEX_BACKEND" validate:"oneof=tile38 memory"`
	Tile38              Tile38Config
	FencingRadius       float64 `env:"GEO_FENCING_RADIUS" validate:"gt=0"`
	FencePerStopChannel bool    `env:"FENCE_PER_STOP_CHANNEL"`

	// Open-data feeds
	RowCount       int    `env:"OPEN_DATA_ROW_COUNT" validate:"gt=0"`
	StaticFeedURL  string `env:"OPEN_DATA_DESSERTES" validate:"omitempty,url"`
	LiveFeedURL    string `env:"OPEN_DATA_REAL_TIME_BUSES" validate:"omitempty,url"`
	LiveFeedFormat string `env:"LIVE_FEED_FORMAT" validate:"oneof=opendata gtfsrt"`
	HTTPTimeout    time.Duration

	// Realtime polling
	PollIterations int `env:"POLL_ITERATIONS" validate:"gte=0"`
	PollInterval   time.Duration

	// Notification relay
	WSHost       string `env:"WS_HOST" validate:"omitempty,url"`
	WSUser       string `env:"WS_USER"`
	WSClientName string `env:"WS_CLIENT_NAME"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC"`

	// Read API
	Port        int      `env:"PORT" validate:"gte=1,lte=65535"`
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS"`

	raw map[string]string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present, and
// CONFIG_FILE may point at a YAML document of KEY: value defaults. Real
// environment variables always win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	fileValues, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	l := &loader{file: fileValues, raw: make(map[string]string)}

	cfg := &Config{
		StoreBackend: l.str("STORE_BACKEND", "timescale"),
		Timescale: TimescaleConfig{
			Name:     l.str("TIMESCALE_DB_NAME", "postgres"),
			User:     l.str("TIMESCALE_USER", ""),
			Password: l.str("TIMESCALE_PASS", ""),
			Host:     l.str("TIMESCALE_HOST", "localhost"),
			Port:     l.int("TIMESCALE_PORT", 5432),
		},
		SQLitePath: l.str("SQLITE_DATABASE", "/data/transit.db"),

		GeoIndexBackend: l.str("GEO_INDEX_BACKEND", "tile38"),
		Tile38: Tile38Config{
			Host:     l.str("TILE38_HOST", "localhost"),
			Port:     l.int("TILE38_PORT", 9851),
			Password: l.str("TILE38_PASS", ""),
			DB:       l.int("TILE38_DB_NAME", 0),
		},
		FencingRadius:       l.float("GEO_FENCING_RADIUS", 100),
		FencePerStopChannel: l.bool("FENCE_PER_STOP_CHANNEL", false),

		RowCount:       l.int("OPEN_DATA_ROW_COUNT", 100),
		StaticFeedURL:  l.str("OPEN_DATA_DESSERTES", ""),
		LiveFeedURL:    l.str("OPEN_DATA_REAL_TIME_BUSES", ""),
		LiveFeedFormat: l.str("LIVE_FEED_FORMAT", "opendata"),
		HTTPTimeout:    time.Duration(l.int("HTTP_TIMEOUT", 15)) * time.Second,

		PollIterations: l.int("POLL_ITERATIONS", 10),
		PollInterval:   time.Duration(l.int("POLL_INTERVAL", 10)) * time.Second,

		WSHost:       l.str("WS_HOST", ""),
		WSUser:       l.str("WS_USER", ""),
		WSClientName: l.str("WS_CLIENT_NAME", "Donna Noble"),
		KafkaBrokers: l.str("KAFKA_BROKERS", ""),
		KafkaTopic:   l.str("KAFKA_TOPIC", "transit.positions"),

		Port:        l.int("PORT", 8081),
		CORSOrigins: l.list("CORS_ALLOWED_ORIGINS", "*"),
	}
	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	cfg.raw = l.raw

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations on an already-constructed Config.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" {
			return name
		}
		return fld.Name
	})

	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		errs = append(errs, &ConfigError{Field: fe.Field(), Message: msg})
	}
	return errors.Join(errs...)
}

// Require reports a ConfigError for every named variable that resolved to
// an empty value. Each binary calls it with the settings it cannot run without.
func (c *Config) Require(keys ...string) error {
	var errs []error
	for _, key := range keys {
		if strings.TrimSpace(c.raw[key]) == "" {
			errs = append(errs, &ConfigError{Field: key, Message: "required but not set"})
		}
	}
	return errors.Join(errs...)
}

func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return values, nil
}

type loader struct {
	file map[string]string
	raw  map[string]string
	errs []error
}

func (l *loader) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return l.file[key]
}

func (l *loader) str(key, defaultValue string) string {
	value := l.lookup(key)
	if value == "" {
		value = defaultValue
	}
	l.raw[key] = value
	return value
}

func (l *loader) int(key string, defaultValue int) int {
	value := l.lookup(key)
	if value == "" {
		l.raw[key] = strconv.Itoa(defaultValue)
		return defaultValue
	}
	l.raw[key] = value
	intValue, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, &ConfigError{Field: key, Message: "must be a valid integer"})
		return defaultValue
	}
	return intValue
}

func (l *loader) float(key string, defaultValue float64) float64 {
	value := l.lookup(key)
	if value == "" {
		l.raw[key] = strconv.FormatFloat(defaultValue, 'f', -1, 64)
		return defaultValue
	}
	l.raw[key] = value
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.errs = append(l.errs, &ConfigError{Field: key, Message: "must be a valid number"})
		return defaultValue
	}
	return floatValue
}

func (l *loader) bool(key string, defaultValue bool) bool {
	value := l.lookup(key)
	if value == "" {
		l.raw[key] = strconv.FormatBool(defaultValue)
		return defaultValue
	}
	l.raw[key] = value
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		l.errs = append(l.errs, &ConfigError{Field: key, Message: "must be true or false"})
		return defaultValue
	}
	return boolValue
}

// list splits a comma-separated value, dropping empty entries
func (l *loader) list(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(l.str(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
