// Package config loads autopathd configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"time"

	"github.com/cadencelabs/autopath/internal/engine"
	"github.com/cadencelabs/autopath/internal/events"
	"github.com/cadencelabs/autopath/internal/executor"
	"github.com/cadencelabs/autopath/internal/logging"
	"github.com/cadencelabs/autopath/internal/pathextract"
	"github.com/cadencelabs/autopath/internal/promotion"
	"github.com/cadencelabs/autopath/internal/shadow"
	"github.com/cadencelabs/autopath/internal/store"
)

// Config holds the complete autopathd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      events.Config   `koanf:"nats"`
	Store     store.Config    `koanf:"store"`
	Engine    engine.Config   `koanf:"engine"`
	Extractor ExtractorConfig `koanf:"extractor"`
	Shadow    ShadowConfig    `koanf:"shadow"`
	Promotion PromotionConfig `koanf:"promotion"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Logging   logging.Config  `koanf:"logging"`

	// Actions is the catalog of dispatchable action codes. Rules can
	// only be compiled against actions listed here.
	Actions []string `koanf:"actions"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ExtractorConfig holds path mining tunables.
type ExtractorConfig struct {
	MinSampleSize int           `koanf:"min_sample_size"`
	DecayHalfLife time.Duration `koanf:"decay_half_life"`

	// SuccessLabels maps trigger class to its success outcome label.
	SuccessLabels map[string]string `koanf:"success_labels"`
}

// ToExtractor converts to the extractor's config type.
func (c ExtractorConfig) ToExtractor() *pathextract.Config {
	return &pathextract.Config{
		MinSampleSize: c.MinSampleSize,
		DecayHalfLife: c.DecayHalfLife,
		SuccessLabels: c.SuccessLabels,
	}
}

// ShadowConfig holds shadow evaluation tunables.
type ShadowConfig struct {
	MatchWindow   time.Duration `koanf:"match_window"`
	GraceWindow   time.Duration `koanf:"grace_window"`
	RollingWindow int           `koanf:"rolling_window"`
}

// ToShadow converts to the evaluator's config type.
func (c ShadowConfig) ToShadow() *shadow.Config {
	return &shadow.Config{
		MatchWindow:   c.MatchWindow,
		GraceWindow:   c.GraceWindow,
		RollingWindow: c.RollingWindow,
	}
}

// PromotionConfig holds promotion gate tunables.
type PromotionConfig struct {
	Threshold  float64 `koanf:"threshold"`
	MinSamples int     `koanf:"min_samples"`
}

// ToPromotion converts to the gate's config type.
func (c PromotionConfig) ToPromotion() *promotion.Config {
	return &promotion.Config{
		Threshold:  c.Threshold,
		MinSamples: c.MinSamples,
	}
}

// ExecutorConfig holds auto-execution safety tunables.
type ExecutorConfig struct {
	CooldownWindow   time.Duration `koanf:"cooldown_window"`
	DailyRateCap     int           `koanf:"daily_rate_cap"`
	DispatchTimeout  time.Duration `koanf:"dispatch_timeout"`
	MaxRetries       int           `koanf:"max_retries"`
	RetryBackoffBase time.Duration `koanf:"retry_backoff_base"`
}

// ToExecutor converts to the executor's config type.
func (c ExecutorConfig) ToExecutor() *executor.Config {
	return &executor.Config{
		CooldownWindow:   c.CooldownWindow,
		DailyRateCap:     c.DailyRateCap,
		DispatchTimeout:  c.DispatchTimeout,
		MaxRetries:       c.MaxRetries,
		RetryBackoffBase: c.RetryBackoffBase,
	}
}

// Default returns the configuration with every field at its default.
func Default() *Config {
	extractor := pathextract.DefaultConfig()
	shadowCfg := shadow.DefaultConfig()
	promo := promotion.DefaultConfig()
	exec := executor.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		NATS:   events.DefaultConfig(),
		Store:  store.DefaultConfig(),
		Engine: engine.DefaultConfig(),
		Extractor: ExtractorConfig{
			MinSampleSize: extractor.MinSampleSize,
			DecayHalfLife: extractor.DecayHalfLife,
			SuccessLabels: extractor.SuccessLabels,
		},
		Shadow: ShadowConfig{
			MatchWindow:   shadowCfg.MatchWindow,
			GraceWindow:   shadowCfg.GraceWindow,
			RollingWindow: shadowCfg.RollingWindow,
		},
		Promotion: PromotionConfig{
			Threshold:  promo.Threshold,
			MinSamples: promo.MinSamples,
		},
		Executor: ExecutorConfig{
			CooldownWindow:   exec.CooldownWindow,
			DailyRateCap:     exec.DailyRateCap,
			DispatchTimeout:  exec.DispatchTimeout,
			MaxRetries:       exec.MaxRetries,
			RetryBackoffBase: exec.RetryBackoffBase,
		},
		Logging: *logging.DefaultConfig(),
	}
}

// Validate checks the complete configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive")
	}
	if err := c.NATS.Validate(); err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Extractor.MinSampleSize < 1 {
		return fmt.Errorf("extractor min_sample_size must be >= 1")
	}
	if c.Extractor.DecayHalfLife <= 0 {
		return fmt.Errorf("extractor decay_half_life must be positive")
	}
	if c.Shadow.MatchWindow <= 0 {
		return fmt.Errorf("shadow match_window must be positive")
	}
	if c.Shadow.GraceWindow < c.Shadow.MatchWindow {
		return fmt.Errorf("shadow grace_window must not be shorter than match_window")
	}
	if c.Shadow.RollingWindow < 1 {
		return fmt.Errorf("shadow rolling_window must be >= 1")
	}
	if c.Promotion.Threshold <= 0 || c.Promotion.Threshold > 1 {
		return fmt.Errorf("promotion threshold must be in (0, 1]")
	}
	if c.Promotion.MinSamples < 1 {
		return fmt.Errorf("promotion min_samples must be >= 1")
	}
	if c.Executor.CooldownWindow <= 0 {
		return fmt.Errorf("executor cooldown_window must be positive")
	}
	if c.Executor.DailyRateCap < 1 {
		return fmt.Errorf("executor daily_rate_cap must be >= 1")
	}
	if c.Executor.DispatchTimeout <= 0 {
		return fmt.Errorf("executor dispatch_timeout must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
