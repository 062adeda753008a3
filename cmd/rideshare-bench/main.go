// README: Bench runner against a live deployment; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL     string
	DSN         string
	RedisURL    string
	Strict      bool
	Timeout     time.Duration
	Concurrency int
	Seats       int
	Duration    time.Duration
}

func loadConfig() Config {
	var cfg Config
	pflag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("RIDESHARE_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	pflag.StringVar(&cfg.DSN, "dsn", envOrDefault("RIDESHARE_DB_DSN", ""), "Postgres DSN for seat cross-checks (empty to skip)")
	pflag.StringVar(&cfg.RedisURL, "redis", envOrDefault("RIDESHARE_REDIS_URL", ""), "Redis URL (empty to skip)")
	pflag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("RIDESHARE_BENCH_STRICT", false), "Fail on skipped checks")
	pflag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("RIDESHARE_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	pflag.IntVarP(&cfg.Concurrency, "concurrency", "c", envOrDefaultInt("RIDESHARE_BENCH_CONCURRENCY", 20), "Concurrent riders")
	pflag.IntVar(&cfg.Seats, "seats", envOrDefaultInt("RIDESHARE_BENCH_SEATS", 3), "Seats offered on the contended ride")
	pflag.DurationVarP(&cfg.Duration, "duration", "d", envOrDefaultDuration("RIDESHARE_BENCH_DURATION", 10*time.Second), "Duration for load tests")
	pflag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
