package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/forecast"
	"github.com/couchcryptid/arbo-forecast/internal/harmonizer"
	"github.com/joho/godotenv"
)

// Model kinds accepted by MODEL_KIND.
const (
	ModelMovingAverage = "moving_average"
	ModelHTTP          = "http"
)

const maxBatchSize = 1000

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaEnabled     bool
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL      string
	DatabaseMaxConns int32

	Locations        []domain.Location
	Calendar         domain.Calendar
	SourcePriorities harmonizer.Priorities

	HarmonizeInterval    time.Duration
	HarmonizeConcurrency int

	ModelKind       string
	ModelURL        string
	ModelTimeout    time.Duration
	ModelWindow     int
	ModelMaxHorizon int
	HorizonPolicy   forecast.HorizonPolicy

	OpenWeatherAPIKey    string
	OpenWeatherURL       string
	WeatherFetchInterval time.Duration

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// LogSettings implements observability.LogConfig.
func (c *Config) LogSettings() (level, format string) {
	return c.LogLevel, c.LogFormat
}

// OpenWeatherEnabled reports whether the weather fetch job should run.
func (c *Config) OpenWeatherEnabled() bool {
	return c.OpenWeatherAPIKey != ""
}

// Load reads configuration from the environment, applying defaults where
// unset. A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		KafkaBrokers:      parseList(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:  envOrDefault("KAFKA_SOURCE_TOPIC", "raw-epi-reports"),
		KafkaGroupID:      envOrDefault("KAFKA_GROUP_ID", "arbo-forecast"),
		HTTPAddr:          envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("LOG_FORMAT", "json"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ModelKind:         strings.ToLower(envOrDefault("MODEL_KIND", ModelMovingAverage)),
		ModelURL:          strings.TrimRight(os.Getenv("MODEL_URL"), "/"),
		OpenWeatherAPIKey: os.Getenv("OPENWEATHER_API_KEY"),
		OpenWeatherURL:    envOrDefault("OPENWEATHER_URL", "https://api.openweathermap.org/data/2.5/weather"),
		MapboxToken:       os.Getenv("MAPBOX_TOKEN"),
	}

	var err error
	if cfg.KafkaEnabled, err = parseBool("KAFKA_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = parseDuration("SHUTDOWN_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = parseInt("BATCH_SIZE", 50, 1, maxBatchSize); err != nil {
		return nil, err
	}
	if cfg.BatchFlushInterval, err = parseDuration("BATCH_FLUSH_INTERVAL", "500ms"); err != nil {
		return nil, err
	}
	maxConns, err := parseInt("DATABASE_MAX_CONNS", 10, 1, 1000)
	if err != nil {
		return nil, err
	}
	cfg.DatabaseMaxConns = int32(maxConns)

	if cfg.Locations, err = ParseLocations(os.Getenv("LOCATIONS")); err != nil {
		return nil, fmt.Errorf("invalid LOCATIONS: %w", err)
	}
	if cfg.Calendar, err = parseCalendar(); err != nil {
		return nil, err
	}
	if cfg.SourcePriorities, err = harmonizer.ParsePriorities(envOrDefault("SOURCE_PRIORITIES", "sinan:0,inmet:1,openweather:2")); err != nil {
		return nil, fmt.Errorf("invalid SOURCE_PRIORITIES: %w", err)
	}

	if cfg.HarmonizeInterval, err = parseDuration("HARMONIZE_INTERVAL", "1h"); err != nil {
		return nil, err
	}
	if cfg.HarmonizeConcurrency, err = parseInt("HARMONIZE_CONCURRENCY", 4, 1, 64); err != nil {
		return nil, err
	}

	if cfg.ModelTimeout, err = parseDuration("MODEL_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if cfg.ModelWindow, err = parseInt("MODEL_WINDOW", 4, 1, 520); err != nil {
		return nil, err
	}
	if cfg.ModelMaxHorizon, err = parseInt("MODEL_MAX_HORIZON", 4, 1, 52); err != nil {
		return nil, err
	}
	if cfg.HorizonPolicy, err = forecast.ParseHorizonPolicy(envOrDefault("HORIZON_POLICY", string(forecast.HorizonCap))); err != nil {
		return nil, fmt.Errorf("invalid HORIZON_POLICY: %w", err)
	}

	if cfg.WeatherFetchInterval, err = parseDuration("WEATHER_FETCH_INTERVAL", "3h"); err != nil {
		return nil, err
	}

	cfg.MapboxEnabled = cfg.MapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		cfg.MapboxEnabled = v == "true"
	}
	if cfg.MapboxTimeout, err = parseDuration("MAPBOX_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	cfg.MapboxCacheSize = parseMapboxCacheSize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if c.KafkaEnabled && c.KafkaSourceTopic == "" {
		return errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	switch c.ModelKind {
	case ModelMovingAverage:
	case ModelHTTP:
		if c.ModelURL == "" {
			return errors.New("MODEL_KIND is http but MODEL_URL is not set")
		}
	default:
		return fmt.Errorf("invalid MODEL_KIND %q: want %s or %s", c.ModelKind, ModelMovingAverage, ModelHTTP)
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	return nil
}

// ParseLocations parses a comma separated list of id:Name:State[:lat:lon]
// entries. Name defaults to the id; the id is normalized.
func ParseLocations(s string) ([]domain.Location, error) {
	var locs []domain.Location
	seen := map[string]bool{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 1 && len(parts) != 3 && len(parts) != 5 {
			return nil, fmt.Errorf("location %q: want id:Name:State[:lat:lon]", entry)
		}
		loc := domain.Location{ID: domain.NormalizeLocationID(parts[0])}
		if loc.ID == "" {
			return nil, fmt.Errorf("location %q: empty id", entry)
		}
		loc.Name = strings.TrimSpace(parts[0])
		if len(parts) >= 3 {
			loc.Name = strings.TrimSpace(parts[1])
			loc.State = strings.TrimSpace(parts[2])
		}
		if len(parts) == 5 {
			lat, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
			if err != nil || lat < -90 || lat > 90 {
				return nil, fmt.Errorf("location %q: invalid latitude", entry)
			}
			lon, err := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
			if err != nil || lon < -180 || lon > 180 {
				return nil, fmt.Errorf("location %q: invalid longitude", entry)
			}
			loc.Lat, loc.Lon = &lat, &lon
		}
		if seen[loc.ID] {
			return nil, fmt.Errorf("location %q: duplicate id %s", entry, loc.ID)
		}
		seen[loc.ID] = true
		locs = append(locs, loc)
	}
	return locs, nil
}

func parseCalendar() (domain.Calendar, error) {
	cal := domain.DefaultCalendar()
	if v := os.Getenv("WEEK_START"); v != "" {
		d, err := domain.ParseWeekday(v)
		if err != nil {
			return cal, fmt.Errorf("invalid WEEK_START: %w", err)
		}
		cal.WeekStart = d
	}
	if v := os.Getenv("WEEK_TIMEZONE"); v != "" {
		zone, err := time.LoadLocation(v)
		if err != nil {
			return cal, fmt.Errorf("invalid WEEK_TIMEZONE: %w", err)
		}
		cal.Zone = zone
	}
	return cal, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseInt(key string, def, lo, hi int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be an integer between %d and %d", key, lo, hi)
	}
	return n, nil
}

func parseBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("invalid %s: must be true or false", key)
	}
	return b, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
