// Package config defines all configuration for the measurement harness.
// Config is loaded from a YAML file with env-var overrides: any value can be
// set by config.yaml, and a narrow set of env vars (see Load) takes priority
// over it for deployment-time tuning without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"pairharness/internal/domain"
)

// ParameterSetConfig is one configured combination of measurement parameters,
// as read from YAML or generated by the DELTA_POINTS/S0_POINTS/
// STOP_LOSS_THRESHOLD cartesian-product env vars.
type ParameterSetConfig struct {
	Name                    string `mapstructure:"name"`
	S0Points                int    `mapstructure:"s0_points"`
	DeltaPoints             int    `mapstructure:"delta_points"`
	TriggerRule             string `mapstructure:"trigger_rule"`
	ReferencePriceSource    string `mapstructure:"reference_price_source"`
	StopLossThresholdPoints int    `mapstructure:"stop_loss_threshold_points"` // 0 = disabled
}

// ToDomain converts one configured parameter set into its domain form.
func (p ParameterSetConfig) ToDomain() domain.ParameterSet {
	return domain.ParameterSet{
		Name:                 p.Name,
		S0Points:             p.S0Points,
		DeltaPoints:          p.DeltaPoints,
		StopLossPoints:       p.StopLossThresholdPoints,
		TriggerRule:          domain.TriggerRule(p.TriggerRule),
		ReferencePriceSource: domain.ReferencePriceSource(p.ReferencePriceSource),
	}
}

// SamplingConfig determines the per-market cycle schedule.
type SamplingConfig struct {
	Mode                 string  `mapstructure:"mode"` // FIXED_INTERVAL or FIXED_COUNT
	CycleIntervalSeconds float64 `mapstructure:"cycle_interval_seconds"`
	CyclesPerMarket      int     `mapstructure:"cycles_per_market"`
}

// MarketsConfig controls which assets are monitored and which market type
// is discovered. DiscoveryPollIntervalSeconds and PreDiscoveryLeadSeconds
// are loaded but not read by the asset manager, whose retry timing is fixed.
type MarketsConfig struct {
	CryptoAssets                 []string `mapstructure:"crypto_assets"`
	MarketType                   string   `mapstructure:"market_type"`
	DiscoveryPollIntervalSeconds int      `mapstructure:"discovery_poll_interval_seconds"`
	PreDiscoveryLeadSeconds      int      `mapstructure:"pre_discovery_lead_seconds"`
}

// DataConfig toggles optional high-volume telemetry.
type DataConfig struct {
	EnableSnapshots           bool `mapstructure:"enable_snapshots"`
	EnableLifecycleTracking   bool `mapstructure:"enable_lifecycle_tracking"`
}

// QualityConfig tunes feed-health detection. Only FeedGapThresholdSeconds
// is read by the monitor. MaxReferenceSumDeviation is loaded but not passed
// to the evaluator, which uses its own evaluator.MaxRefSumDeviation
// constant; MaxAnomaliesPerMarket is loaded but not enforced.
type QualityConfig struct {
	FeedGapThresholdSeconds  float64 `mapstructure:"feed_gap_threshold_seconds"`
	MaxReferenceSumDeviation int     `mapstructure:"max_reference_sum_deviation"`
	MaxAnomaliesPerMarket    int     `mapstructure:"max_anomalies_per_market"`
}

// StoreConfig holds the connection string for the relational store.
// DSN is overridable via the DATABASE_URL env var and never logged.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// FeedConfig controls the market-data WebSocket client. Only URL is read;
// ReconnectMaxDelaySeconds is loaded but not passed to the feed, whose
// reconnect backoff cap is the fixed 30s maxReconnectWait in internal/feed.
type FeedConfig struct {
	URL                      string `mapstructure:"url"`
	ReconnectMaxDelaySeconds int    `mapstructure:"reconnect_max_delay_seconds"`
}

// DiscoveryConfig controls the HTTP market-discovery client.
type DiscoveryConfig struct {
	GammaBaseURL string `mapstructure:"gamma_base_url"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	ParameterSets []ParameterSetConfig `mapstructure:"parameter_sets"`
	Sampling      SamplingConfig       `mapstructure:"sampling"`
	Markets       MarketsConfig        `mapstructure:"markets"`
	Data          DataConfig           `mapstructure:"data"`
	Quality       QualityConfig        `mapstructure:"quality"`
	Store         StoreConfig          `mapstructure:"store"`
	Feed          FeedConfig           `mapstructure:"feed"`
	Discovery     DiscoveryConfig      `mapstructure:"discovery"`
	Logging       LoggingConfig        `mapstructure:"logging"`
}

// Load reads config from a YAML file (optional — if it does not exist,
// defaults and env vars alone are sufficient) with env var overrides.
// Sensitive fields use env vars: DATABASE_URL, CRYPTO_ASSETS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HARNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ParameterSets = loadParameterSets(cfg.ParameterSets)

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if assets := os.Getenv("CRYPTO_ASSETS"); assets != "" {
		cfg.Markets.CryptoAssets = splitLowerTrim(assets)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sampling.mode", "FIXED_INTERVAL")
	v.SetDefault("sampling.cycle_interval_seconds", 10.0)
	v.SetDefault("sampling.cycles_per_market", 90)
	v.SetDefault("markets.crypto_assets", []string{"btc", "eth", "sol", "xrp"})
	v.SetDefault("markets.market_type", "15m")
	v.SetDefault("markets.discovery_poll_interval_seconds", 60)
	v.SetDefault("markets.pre_discovery_lead_seconds", 120)
	v.SetDefault("data.enable_snapshots", false)
	v.SetDefault("data.enable_lifecycle_tracking", false)
	v.SetDefault("quality.feed_gap_threshold_seconds", 10.0)
	v.SetDefault("quality.max_reference_sum_deviation", 2)
	v.SetDefault("quality.max_anomalies_per_market", 50)
	v.SetDefault("feed.url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("feed.reconnect_max_delay_seconds", 30)
	v.SetDefault("discovery.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
}

// loadParameterSets applies the env-var cartesian-product override
// (DELTA_POINTS × S0_POINTS × STOP_LOSS_THRESHOLD) if DELTA_POINTS is set;
// otherwise returns the YAML-sourced sets, falling back to a single
// baseline set if none were configured at all.
func loadParameterSets(fromYAML []ParameterSetConfig) []ParameterSetConfig {
	deltaEnv := os.Getenv("DELTA_POINTS")
	if deltaEnv == "" {
		if len(fromYAML) > 0 {
			return fromYAML
		}
		return []ParameterSetConfig{{
			Name:                 "baseline",
			S0Points:             1,
			DeltaPoints:          5,
			TriggerRule:          "ASK_TOUCH",
			ReferencePriceSource: "MIDPOINT",
		}}
	}

	s0Values := parseIntList(envOr("S0_POINTS", "1"))
	deltas := parseIntList(deltaEnv)
	triggerRule := envOr("TRIGGER_RULE", "ASK_TOUCH")
	refSource := envOr("REFERENCE_PRICE_SOURCE", "MIDPOINT")

	var stopLosses []int // 0 means "no stop loss" for that entry
	if sl := os.Getenv("STOP_LOSS_THRESHOLD"); sl != "" {
		stopLosses = parseIntList(sl)
	} else {
		stopLosses = []int{0}
	}

	multiS0 := len(s0Values) > 1
	var sets []ParameterSetConfig
	for _, s0 := range s0Values {
		for _, d := range deltas {
			for _, sl := range stopLosses {
				sets = append(sets, ParameterSetConfig{
					Name:                    parameterSetName(multiS0, s0, d, sl),
					S0Points:                s0,
					DeltaPoints:             d,
					TriggerRule:             triggerRule,
					ReferencePriceSource:    refSource,
					StopLossThresholdPoints: sl,
				})
			}
		}
	}
	return sets
}

func parameterSetName(multiS0 bool, s0, delta, stopLoss int) string {
	var b strings.Builder
	if multiS0 {
		fmt.Fprintf(&b, "s0-%d-delta-%d", s0, delta)
	} else {
		fmt.Fprintf(&b, "delta-%d", delta)
	}
	if stopLoss != 0 {
		fmt.Fprintf(&b, "-sl-%d", stopLoss)
	}
	return b.String()
}

func parseIntList(csv string) []int {
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func splitLowerTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	var errs []string

	if len(c.ParameterSets) == 0 {
		errs = append(errs, "at least one parameter set is required")
	}
	for _, ps := range c.ParameterSets {
		if ps.S0Points < 0 || ps.S0Points >= 50 {
			errs = append(errs, fmt.Sprintf("parameter set %q: s0_points must be in [0, 50), got %d", ps.Name, ps.S0Points))
		}
		if ps.DeltaPoints <= 0 || ps.DeltaPoints >= 50 {
			errs = append(errs, fmt.Sprintf("parameter set %q: delta_points must be in (0, 50), got %d", ps.Name, ps.DeltaPoints))
		}
		if ps.TriggerRule != string(domain.TriggerAskTouch) {
			errs = append(errs, fmt.Sprintf("parameter set %q: unknown trigger_rule %q", ps.Name, ps.TriggerRule))
		}
		if ps.ReferencePriceSource != string(domain.ReferenceMidpoint) && ps.ReferencePriceSource != string(domain.ReferenceLastTrade) {
			errs = append(errs, fmt.Sprintf("parameter set %q: unknown reference_price_source %q", ps.Name, ps.ReferencePriceSource))
		}
		if ps.StopLossThresholdPoints != 0 && (ps.StopLossThresholdPoints <= 0 || ps.StopLossThresholdPoints >= 50) {
			errs = append(errs, fmt.Sprintf("parameter set %q: stop_loss_threshold_points must be in (0, 50), got %d", ps.Name, ps.StopLossThresholdPoints))
		}
	}

	if c.Sampling.Mode != "FIXED_INTERVAL" && c.Sampling.Mode != "FIXED_COUNT" {
		errs = append(errs, fmt.Sprintf("unknown sampling.mode %q", c.Sampling.Mode))
	}
	if c.Sampling.CycleIntervalSeconds <= 0 {
		errs = append(errs, "sampling.cycle_interval_seconds must be > 0")
	}
	if c.Sampling.CyclesPerMarket <= 0 {
		errs = append(errs, "sampling.cycles_per_market must be > 0")
	}
	if len(c.Markets.CryptoAssets) == 0 {
		errs = append(errs, "at least one crypto asset is required")
	}
	if c.Quality.FeedGapThresholdSeconds <= 0 {
		errs = append(errs, "quality.feed_gap_threshold_seconds must be > 0")
	}
	if c.Store.DSN == "" {
		errs = append(errs, "store.dsn is required (set DATABASE_URL)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
