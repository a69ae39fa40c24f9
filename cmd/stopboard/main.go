package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stopboard/stopboard"
	"github.com/stopboard/stopboard/cache"
	"github.com/stopboard/stopboard/config"
	"github.com/stopboard/stopboard/metrics"
	"github.com/stopboard/stopboard/storage"
)

var rootCmd = &cobra.Command{
	Use:          "stopboard",
	Short:        "Stop departure boards from GTFS data",
	Long:         "Merges GTFS Static timetables with GTFS Realtime updates into departure boards",
	SilenceUsage: true,
}

var (
	configPath string
	feedCode   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "stopboard.yml", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&feedCode, "feed", "f", "", "Feed code (defaults to the first configured feed)")
}

func main() {
	// A .env file is optional; missing is fine.
	godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if env := os.Getenv("STOPBOARD_CONFIG"); env != "" && !rootCmd.PersistentFlags().Changed("config") {
		path = env
	}
	return config.Load(path)
}

func buildLogger(cfg config.Logging) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
	}

	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func buildStorage(cfg config.Storage) (storage.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		return storage.NewSQLiteStorage(storage.SQLiteConfig{
			OnDisk:    cfg.Directory != "",
			Directory: cfg.Directory,
		})
	case "postgres":
		return storage.NewPSQLStorage(cfg.PostgresURL, false)
	}
	return nil, fmt.Errorf("unknown storage backend '%s'", cfg.Backend)
}

// buildFeed assembles and syncs the selected feed. Everything serving
// schedules goes through this. A non-nil collector gets wired into
// the feed's cache and realtime path.
func buildFeed(ctx context.Context, collector *metrics.Collector) (*stopboard.Feed, *config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}

	s, err := buildStorage(cfg.Storage)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("building storage: %w", err)
	}

	feedCfg, err := cfg.Feed(feedCode)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}

	endpoints := make([]stopboard.RealtimeEndpoint, 0, len(feedCfg.Realtime))
	for _, rt := range feedCfg.Realtime {
		endpoints = append(endpoints, stopboard.RealtimeEndpoint{
			URL:     rt.URL,
			Headers: rt.Headers,
		})
	}

	c := cache.New()
	feed := stopboard.NewFeed(stopboard.FeedConfig{
		Code:          feedCfg.Code,
		StaticURL:     feedCfg.StaticURL,
		StaticHeaders: feedCfg.StaticHeaders,
		Realtime:      endpoints,
	}, s, c, logger)

	if collector != nil {
		c.OnHit = collector.CacheHits.Inc
		c.OnMiss = collector.CacheMisses.Inc
		feed.OnRealtimeError = collector.RealtimeErrs.Inc
	}

	if err := feed.Sync(ctx); err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("syncing feed '%s': %w", feedCfg.Code, err)
	}

	return feed, cfg, logger, nil
}
