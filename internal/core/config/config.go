package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
}

type Config struct {
	Addr     string
	LogLevel string

	ImageryURL  string
	RedisAddr   string
	DatabaseURL string
	PolygonDir  string
	OutputDir   string

	RequestTimeout time.Duration
	CacheOpTimeout time.Duration
	CacheLRUSize   int

	DefaultCloudHeatmap float64
	DefaultCloudSeries  float64
	CloudCeilingHeatmap float64
	CloudCeilingSeries  float64

	SeriesMaxImages int
	SeriesScale     int
	StatsScale      int
	ExportScale     int
	DefaultBufferM  float64

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		ImageryURL:  getenv("IMAGERY_URL", "http://localhost:8081"),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		PolygonDir:  getenv("POLYGON_DIR", "./data/polygons"),
		OutputDir:   getenv("OUTPUT_DIR", "./outputs"),

		RequestTimeout: getduration("REQUEST_TIMEOUT", 90*time.Second),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		CacheLRUSize:   getint("CACHE_LRU_SIZE", 1024),

		DefaultCloudHeatmap: getfloat("CLOUD_PCT_HEATMAP", 30),
		DefaultCloudSeries:  getfloat("CLOUD_PCT_SERIES", 70),
		CloudCeilingHeatmap: getfloat("CLOUD_CEILING_HEATMAP", 80),
		CloudCeilingSeries:  getfloat("CLOUD_CEILING_SERIES", 90),

		SeriesMaxImages: getint("SERIES_MAX_IMAGES", 30),
		SeriesScale:     getint("SERIES_SCALE_M", 60),
		StatsScale:      getint("STATS_SCALE_M", 10),
		ExportScale:     getint("EXPORT_SCALE_M", 10),
		DefaultBufferM:  getfloat("DEFAULT_BUFFER_M", 250),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "tile-invalidation"),
			GroupID: getenv("KAFKA_GROUP_ID", "tile-invalidator"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
