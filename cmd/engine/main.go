package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jibzus/hypesilico/internal/api"
	"github.com/jibzus/hypesilico/internal/attribution"
	"github.com/jibzus/hypesilico/internal/compiler"
	"github.com/jibzus/hypesilico/internal/db"
	"github.com/jibzus/hypesilico/internal/hyperliquid"
	"github.com/jibzus/hypesilico/internal/query"
	"github.com/jibzus/hypesilico/internal/refresher"
)

const defaultLookbackMs = 86_400_000 // 24h

func main() {
	log.Println("Starting hypesilico trade-ledger engine...")

	// ─── Configuration ─────────────────────────────────────────────────
	// Everything comes from the environment; a local .env is honored for
	// development. Required values have no fallbacks.
	// ───────────────────────────────────────────────────────────────────
	_ = godotenv.Load()

	dbPath := requireEnv("DATABASE_PATH")
	apiURL := requireEnv("HYPERLIQUID_API_URL")
	targetBuilder := strings.ToLower(requireEnv("TARGET_BUILDER"))

	attribMode, err := attribution.ParseMode(getEnvOrDefault("BUILDER_ATTRIBUTION_MODE", "auto"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	pnlMode, err := query.ParsePnLMode(getEnvOrDefault("PNL_MODE", "gross"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	lookbackMs := envInt64("LOOKBACK_MS", defaultLookbackMs)
	refreshInterval := time.Duration(envInt64("REFRESH_INTERVAL_MS", 60_000)) * time.Millisecond

	universe := loadUniverse()

	// ─── Storage ───────────────────────────────────────────────────────
	store, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// ─── Upstream client ───────────────────────────────────────────────
	// GUARD: a down upstream leaves the engine in API-only mode serving
	// compiled history instead of refusing to start.
	var comp *compiler.Compiler
	client, err := hyperliquid.NewClient(hyperliquid.Config{
		BaseURL:  apiURL,
		StatsURL: os.Getenv("HYPERLIQUID_STATS_URL"),
	})
	if err != nil {
		log.Printf("WARNING: Hyperliquid unreachable — engine running in API-only mode (no ingest). Error: %v", err)
	} else {
		shards := compiler.NewShardProvider(client, store)
		attrib := attribution.New(attribMode, targetBuilder, shards)
		comp = compiler.New(client, store, attrib, lookbackMs)
	}

	queries := query.New(store, pnlMode)

	// ─── Background refresher ──────────────────────────────────────────
	if comp != nil && len(universe) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go refresher.New(comp, universe, refreshInterval).Run(ctx)
	}

	// ─── HTTP surface ──────────────────────────────────────────────────
	r := api.SetupRouter(queries, comp, universe)
	port := getEnvOrDefault("PORT", "8080")

	log.Printf("Engine running on :%s (builder=%s, attribution=%s, pnl=%s, universe=%d users)",
		port, targetBuilder, attribMode, pnlMode, len(universe))
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// loadUniverse reads the leaderboard wallet set from LEADERBOARD_USERS
// (comma-separated) or LEADERBOARD_USERS_FILE (one address per line).
func loadUniverse() []string {
	var raw []string
	if list := os.Getenv("LEADERBOARD_USERS"); list != "" {
		raw = strings.Split(list, ",")
	} else if path := os.Getenv("LEADERBOARD_USERS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: failed to read LEADERBOARD_USERS_FILE %s: %v", path, err)
			return nil
		}
		raw = strings.Split(string(data), "\n")
	}

	seen := make(map[string]bool)
	var users []string
	for _, u := range raw {
		u = strings.ToLower(strings.TrimSpace(u))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		users = append(users, u)
	}
	return users
}

// requireEnv reads a required environment variable and exits if it is not
// set — the binary must not start with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		log.Printf("Warning: invalid %s=%q, using default %d", key, raw, fallback)
		return fallback
	}
	return v
}
