package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	DBPath           string
	PersistBatchSize int
	CacheTTL         time.Duration

	// Fetch client behaviour shared by every source adapter.
	FetchTimeout    time.Duration
	FetchAttempts   int
	FetchBackoffMin time.Duration
	FetchBackoffMax time.Duration

	ScrapeEnabled       bool
	ScrapeInterval      time.Duration
	FlunetCountries     []string
	UKHSARequestDelay   time.Duration
	UKHSAIncludeRegions bool
	SRAGURLTemplate     string

	// Daily rebuild and backfill start years.
	RebuildEnabled     bool
	RebuildCron        string
	BackfillFlunetFrom int
	BackfillCDCFrom    int
	BackfillUKHSAFrom  int
	BackfillSRAGFrom   int
	GenomicsYears      int

	// Optional sinks; empty broker list or URL disables them.
	KafkaBrokers      []string
	KafkaAnomalyTopic string
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
}

// DefaultSRAGURLTemplate points at the OpenDataSUS SRAG bucket. {year} and {yy}
// are substituted per backfill year.
const DefaultSRAGURLTemplate = "https://s3.sa-east-1.amazonaws.com/ckan.saude.gov.br/SRAG/{year}/INFLUD{yy}.csv"

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:          sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:          sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:   shutdownTimeout,
		DBPath:            sharedcfg.EnvOrDefault("DB_PATH", "data/flutracker.db"),
		RebuildCron:       sharedcfg.EnvOrDefault("REBUILD_CRON", "0 3 * * *"),
		SRAGURLTemplate:   sharedcfg.EnvOrDefault("SRAG_URL_TEMPLATE", DefaultSRAGURLTemplate),
		FlunetCountries:   parseList(os.Getenv("FLUNET_COUNTRIES")),
		KafkaBrokers:      parseList(os.Getenv("KAFKA_BROKERS")),
		KafkaAnomalyTopic: sharedcfg.EnvOrDefault("KAFKA_ANOMALY_TOPIC", "flu-anomalies"),
		InfluxURL:         os.Getenv("INFLUX_URL"),
		InfluxToken:       os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:         sharedcfg.EnvOrDefault("INFLUX_ORG", "flutracker"),
		InfluxBucket:      sharedcfg.EnvOrDefault("INFLUX_BUCKET", "flu_cases"),
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"CACHE_TTL", "15m", &cfg.CacheTTL},
		{"FETCH_TIMEOUT", "30s", &cfg.FetchTimeout},
		{"FETCH_BACKOFF_MIN", "2s", &cfg.FetchBackoffMin},
		{"FETCH_BACKOFF_MAX", "30s", &cfg.FetchBackoffMax},
		{"UKHSA_REQUEST_DELAY", "10s", &cfg.UKHSARequestDelay},
	}
	for _, d := range durations {
		v, err := parsePositiveDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dest = v
	}
	if cfg.FetchBackoffMin > cfg.FetchBackoffMax {
		return nil, errors.New("FETCH_BACKOFF_MIN must not exceed FETCH_BACKOFF_MAX")
	}

	ints := []struct {
		key      string
		def      int
		min, max int
		dest     *int
	}{
		{"FETCH_ATTEMPTS", 3, 1, 10, &cfg.FetchAttempts},
		{"PERSIST_BATCH_SIZE", 1000, 1, 10000, &cfg.PersistBatchSize},
		{"BACKFILL_FLUNET_FROM", 2016, 1990, 2100, &cfg.BackfillFlunetFrom},
		{"BACKFILL_CDC_FROM", 2010, 1990, 2100, &cfg.BackfillCDCFrom},
		{"BACKFILL_UKHSA_FROM", 2015, 1990, 2100, &cfg.BackfillUKHSAFrom},
		{"BACKFILL_SRAG_FROM", 2019, 1990, 2100, &cfg.BackfillSRAGFrom},
		{"GENOMICS_YEARS", 10, 1, 50, &cfg.GenomicsYears},
	}
	for _, n := range ints {
		v, err := parseBoundedInt(n.key, n.def, n.min, n.max)
		if err != nil {
			return nil, err
		}
		*n.dest = v
	}

	hours, err := parseBoundedInt("SCRAPE_INTERVAL_HOURS", 6, 1, 168)
	if err != nil {
		return nil, err
	}
	cfg.ScrapeInterval = time.Duration(hours) * time.Hour

	if cfg.ScrapeEnabled, err = parseBool("SCRAPE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RebuildEnabled, err = parseBool("REBUILD_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.UKHSAIncludeRegions, err = parseBool("UKHSA_INCLUDE_REGIONS", false); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		return nil, errors.New("DB_PATH is required")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaAnomalyTopic == "" {
		return nil, errors.New("KAFKA_ANOMALY_TOPIC is required when KAFKA_BROKERS is set")
	}
	if cfg.InfluxURL != "" && cfg.InfluxToken == "" {
		return nil, errors.New("INFLUX_URL is set but INFLUX_TOKEN is not set")
	}

	return cfg, nil
}

// KafkaEnabled reports whether anomalies are published to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// InfluxEnabled reports whether stored cases are mirrored to InfluxDB.
func (c *Config) InfluxEnabled() bool {
	return c.InfluxURL != ""
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseBoundedInt(key string, def, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be an integer between %d and %d", key, lo, hi)
	}
	return n, nil
}

func parseBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return b, nil
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
