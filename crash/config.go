package crash

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds per-session round parameters.
type Config struct {
	// GrowthRate is k in multiplier = e^(k*t), t in seconds.
	GrowthRate      float64       `validate:"gt=0"`
	WaitingDuration time.Duration `validate:"gt=0"`

	MinBet int64 `validate:"gt=0"`
	MaxBet int64 `validate:"gtefield=MinBet"`
}

func (c Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid round config: %w", err)
	}
	return nil
}

// PolicyConfig parameterises the bet-volume crash point policy.
type PolicyConfig struct {
	// EdgePct is the target house edge in percent of total stake.
	EdgePct float64 `validate:"gt=0,lte=100"`
	// MinFloor is added to the raw crash point when it falls below it.
	MinFloor         float64 `validate:"gte=1"`
	HighFrequencyPct float64 `validate:"gte=0,lte=100"`
	SkipPct          float64 `validate:"gte=0,lte=100"`
}

func (c PolicyConfig) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid policy config: %w", err)
	}
	return nil
}

// RiskConfig holds the live-exposure termination thresholds. Amounts are
// in wallet minor units.
type RiskConfig struct {
	MaxCrashPoint      float64 `validate:"gte=1"`
	ProbableWin        int64   `validate:"gt=0"`
	EmergencyThreshold int64   `validate:"gt=0"`
	HardCutoff         int64   `validate:"gt=0"`
}

func (c RiskConfig) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid risk config: %w", err)
	}
	return nil
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		GrowthRate:      0.06,
		WaitingDuration: 7 * time.Second,
		MinBet:          10,
		MaxBet:          1_000_000,
	}
}
