package config

import (
	"fmt"
	"time"

	"crash-lite/apps/server/internal/queue"
	"crash-lite/apps/server/internal/store"
	"crash-lite/crash"

	"github.com/caarlos0/env/v11"
)

// Config is the whole process configuration, read from the environment.
type Config struct {
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":8080"`
	AdminToken string `env:"ADMIN_TOKEN"`

	StoreMode   string `env:"STORE_MODE" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/crash_local.db"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogDev   bool   `env:"LOG_DEV"`

	TickInterval    time.Duration `env:"TICK_INTERVAL" envDefault:"100ms"`
	WaitingDuration time.Duration `env:"WAITING_DURATION" envDefault:"7s"`
	NextRoundDelay  time.Duration `env:"NEXT_ROUND_DELAY" envDefault:"3s"`
	GrowthRate      float64       `env:"GROWTH_RATE" envDefault:"0.06"`
	MinBet          int64         `env:"MIN_BET" envDefault:"10"`
	MaxBet          int64         `env:"MAX_BET" envDefault:"1000000"`

	HouseEdge        float64       `env:"HOUSE_EDGE" envDefault:"0.03"`
	ClientSeed       string        `env:"CLIENT_SEED" envDefault:"crash-lite"`
	SeedMasterSecret string        `env:"SEED_MASTER_SECRET"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"100"`
	QueueRetryDelay  time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"500ms"`
	QueueMaxAttempts int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`

	PolicyEdgePct     float64 `env:"POLICY_EDGE_PCT" envDefault:"40"`
	PolicyMinFloor    float64 `env:"POLICY_MIN_FLOOR" envDefault:"1.2"`
	PolicyHighFreqPct float64 `env:"POLICY_HIGH_FREQ_PCT" envDefault:"10"`
	PolicySkipPct     float64 `env:"POLICY_SKIP_PCT" envDefault:"30"`

	RiskMaxCrashPoint      float64 `env:"RISK_MAX_CRASH_POINT" envDefault:"1000"`
	RiskProbableWin        int64   `env:"RISK_PROBABLE_WIN" envDefault:"50000"`
	RiskEmergencyThreshold int64   `env:"RISK_EMERGENCY_THRESHOLD" envDefault:"100000"`
	RiskHardCutoff         int64   `env:"RISK_HARD_CUTOFF" envDefault:"200000"`

	BotCount       int   `env:"BOT_COUNT" envDefault:"0"`
	InitialBalance int64 `env:"INITIAL_BALANCE" envDefault:"0"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.BotCount < 0 {
		return Config{}, fmt.Errorf("BOT_COUNT must not be negative, got %d", cfg.BotCount)
	}
	if cfg.InitialBalance < 0 {
		return Config{}, fmt.Errorf("INITIAL_BALANCE must not be negative, got %d", cfg.InitialBalance)
	}
	return cfg, nil
}

func (c Config) Round() crash.Config {
	return crash.Config{
		GrowthRate:      c.GrowthRate,
		WaitingDuration: c.WaitingDuration,
		MinBet:          c.MinBet,
		MaxBet:          c.MaxBet,
	}
}

func (c Config) Policy() crash.PolicyConfig {
	return crash.PolicyConfig{
		EdgePct:          c.PolicyEdgePct,
		MinFloor:         c.PolicyMinFloor,
		HighFrequencyPct: c.PolicyHighFreqPct,
		SkipPct:          c.PolicySkipPct,
	}
}

func (c Config) Risk() crash.RiskConfig {
	return crash.RiskConfig{
		MaxCrashPoint:      c.RiskMaxCrashPoint,
		ProbableWin:        c.RiskProbableWin,
		EmergencyThreshold: c.RiskEmergencyThreshold,
		HardCutoff:         c.RiskHardCutoff,
	}
}

func (c Config) Queue() queue.Config {
	return queue.Config{
		ClientSeed:   c.ClientSeed,
		HouseEdge:    c.HouseEdge,
		BatchSize:    c.BatchSize,
		MasterSecret: c.SeedMasterSecret,
		RetryDelay:   c.QueueRetryDelay,
		MaxAttempts:  c.QueueMaxAttempts,
	}
}

func (c Config) Store() store.Options {
	return store.Options{
		Mode:        c.StoreMode,
		DatabaseURL: c.DatabaseURL,
		SQLitePath:  c.SQLitePath,
	}
}
