// Package config loads repomap settings from a TOML file, a .env file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/phobologic/repomap/internal/graph"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "repomap.toml"

// Config is the full configuration.
type Config struct {
	Map       MapConfig       `toml:"map"`
	Rank      RankConfig      `toml:"rank"`
	Cache     CacheConfig     `toml:"cache"`
	Discover  DiscoverConfig  `toml:"discover"`
	Tokens    TokensConfig    `toml:"tokens"`
	Log       LogConfig       `toml:"log"`
	Watch     WatchConfig     `toml:"watch"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// MapConfig holds the token budget settings of the map renderer.
type MapConfig struct {
	TokenLimit            int     `toml:"token_limit"`
	MaxContextWindow      int     `toml:"max_context_window"`
	ContextWindowFraction float64 `toml:"context_window_fraction"`
	NoChatMultiplier      float64 `toml:"no_chat_multiplier"`
	ExcludeUnranked       bool    `toml:"exclude_unranked"`
	MaxProbes             int     `toml:"max_probes"`
	MaxLineLength         int     `toml:"max_line_length"`
}

// RankConfig holds edge multipliers and PageRank parameters. Zero values
// fall back to the defaults.
type RankConfig struct {
	Weights       graph.Weights        `toml:"weights"`
	PageRank      graph.PageRankConfig `toml:"pagerank"`
	HideChatFiles bool                 `toml:"hide_chat_files"`
}

// CacheConfig bounds the parse cache. MaxEntries 0 means unbounded.
type CacheConfig struct {
	MaxEntries int `toml:"max_entries"`
}

// DiscoverConfig narrows file discovery.
type DiscoverConfig struct {
	Languages   []string `toml:"languages"`
	Exclude     []string `toml:"exclude"`
	MaxFileSize int64    `toml:"max_file_size"`
	SkipTests   bool     `toml:"skip_tests"`
}

// TokensConfig selects the token counter.
type TokensConfig struct {
	Model string `toml:"model"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// WatchConfig configures watch mode. MinInterval is the shortest time
// between two re-renders.
type WatchConfig struct {
	Debounce    time.Duration `toml:"debounce"`
	MinInterval time.Duration `toml:"min_interval"`
	MetricsAddr string        `toml:"metrics_addr"`
}

// TelemetryConfig enables OTLP trace export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
	ServiceName  string `toml:"service_name"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	normalize(cfg)
	return cfg
}

// Load reads path, then .env and REPOMAP_* environment overrides, and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"REPOMAP_TOKEN_LIMIT", &cfg.Map.TokenLimit},
		{"REPOMAP_MAX_CONTEXT_WINDOW", &cfg.Map.MaxContextWindow},
		{"REPOMAP_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}
	if v, ok := lookup("REPOMAP_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup("REPOMAP_MODEL"); ok && v != "" {
		cfg.Tokens.Model = v
	}
	if v, ok := lookup("REPOMAP_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Map.TokenLimit == 0 {
		cfg.Map.TokenLimit = 1024
	}
	if cfg.Map.ContextWindowFraction == 0 {
		cfg.Map.ContextWindowFraction = 0.125
	}
	if cfg.Map.NoChatMultiplier == 0 {
		cfg.Map.NoChatMultiplier = 1
	}
	if cfg.Map.MaxProbes == 0 {
		cfg.Map.MaxProbes = 32
	}
	if cfg.Map.MaxLineLength == 0 {
		cfg.Map.MaxLineLength = 100
	}

	w, dw := &cfg.Rank.Weights, graph.DefaultWeights()
	defaultFloat(&w.MentionedIdentBoost, dw.MentionedIdentBoost)
	defaultFloat(&w.MentionedFileBoost, dw.MentionedFileBoost)
	defaultFloat(&w.GenericNamePenalty, dw.GenericNamePenalty)
	defaultFloat(&w.PrivateNamePenalty, dw.PrivateNamePenalty)
	defaultFloat(&w.CommonDefPenalty, dw.CommonDefPenalty)
	defaultFloat(&w.ChatPersonalization, dw.ChatPersonalization)
	if w.CommonDefThreshold == 0 {
		w.CommonDefThreshold = dw.CommonDefThreshold
	}
	if w.ShortNameLength == 0 {
		w.ShortNameLength = dw.ShortNameLength
	}

	pr, dpr := &cfg.Rank.PageRank, graph.DefaultPageRankConfig()
	defaultFloat(&pr.Damping, dpr.Damping)
	defaultFloat(&pr.Tolerance, dpr.Tolerance)
	if pr.MaxIterations == 0 {
		pr.MaxIterations = dpr.MaxIterations
	}

	if cfg.Discover.MaxFileSize == 0 {
		cfg.Discover.MaxFileSize = 1 << 20
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "warn"
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Watch.Debounce <= 0 {
		cfg.Watch.Debounce = 300 * time.Millisecond
	}
	if cfg.Watch.MinInterval == 0 {
		cfg.Watch.MinInterval = time.Second
	}
	if strings.TrimSpace(cfg.Telemetry.ServiceName) == "" {
		cfg.Telemetry.ServiceName = "repomap"
	}
}

func defaultFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func normalize(cfg *Config) {
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Tokens.Model = strings.TrimSpace(cfg.Tokens.Model)
	cfg.Telemetry.OTLPEndpoint = strings.TrimSpace(cfg.Telemetry.OTLPEndpoint)
	var langs []string
	for _, l := range cfg.Discover.Languages {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			langs = append(langs, l)
		}
	}
	cfg.Discover.Languages = langs
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Map.TokenLimit < 0 {
		errs = append(errs, fmt.Errorf("map.token_limit must be >= 0, got %d", cfg.Map.TokenLimit))
	}
	if cfg.Map.MaxContextWindow < 0 {
		errs = append(errs, fmt.Errorf("map.max_context_window must be >= 0, got %d", cfg.Map.MaxContextWindow))
	}
	if f := cfg.Map.ContextWindowFraction; f <= 0 || f > 1 {
		errs = append(errs, fmt.Errorf("map.context_window_fraction must be in (0, 1], got %g", f))
	}
	if cfg.Map.NoChatMultiplier < 0 {
		errs = append(errs, fmt.Errorf("map.no_chat_multiplier must be > 0, got %g", cfg.Map.NoChatMultiplier))
	}
	if cfg.Map.MaxProbes < 0 {
		errs = append(errs, fmt.Errorf("map.max_probes must be > 0, got %d", cfg.Map.MaxProbes))
	}
	if d := cfg.Rank.PageRank.Damping; d <= 0 || d >= 1 {
		errs = append(errs, fmt.Errorf("rank.pagerank.damping must be in (0, 1), got %g", d))
	}
	if cfg.Rank.PageRank.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("rank.pagerank.max_iterations must be > 0, got %d", cfg.Rank.PageRank.MaxIterations))
	}
	if cfg.Watch.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("watch.min_interval must be >= 0, got %s", cfg.Watch.MinInterval))
	}
	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must be >= 0, got %d", cfg.Cache.MaxEntries))
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", cfg.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// SlogLevel converts the configured level name to a slog.Level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NewLogger builds a logger writing to w. verbose forces debug level.
func (c LogConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := c.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
