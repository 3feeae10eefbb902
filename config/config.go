package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config carries the process configuration sourced from env vars.
type Config struct {
	// Live venue feed
	FeedWSURL string
	FeedVenue string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Subscription (comma-separated symbols, e.g. "BTC-USD,ETH-USD")
	SubscribeSymbols string

	// Dynamic Timeframes (comma-separated seconds, e.g. "60,300,900")
	EnabledTFs string
}

// Load builds a Config from the environment with defaults. A .env file
// in the working directory is merged first when present; real env vars
// win over .env entries.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		FeedWSURL: mustEnv("FEED_WS_URL"),
		FeedVenue: getEnv("FEED_VENUE", "LIVE"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		SubscribeSymbols: getEnv("SUBSCRIBE_SYMBOLS", "BTC-USD,ETH-USD"),

		// Default TFs: 1m, 2m, 3m, 5m
		EnabledTFs: getEnv("ENABLED_TFS", "60,120,180,300"),
	}
}

// ParseTFs splits EnabledTFs into timeframe durations in seconds,
// dropping anything non-numeric.
func (c *Config) ParseTFs() []int {
	parts := strings.Split(c.EnabledTFs, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] ignoring bad TF value: %q", p)
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

// ParseSymbols splits SubscribeSymbols into a symbol list.
func (c *Config) ParseSymbols() []string {
	var symbols []string
	for _, p := range strings.Split(c.SubscribeSymbols, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		symbols = append(symbols, p)
	}
	return symbols
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] %s must be set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
