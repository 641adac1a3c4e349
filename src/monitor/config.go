package monitor

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// MarginThreshold is the margin level (percent) below which an account
	// enters emergency mode.
	MarginThreshold float64 `envconfig:"MARGIN_THRESHOLD" default:"100"`

	// EmergencyCloseCount is how many of the account's highest-volume open
	// positions get an emergency close when the threshold is breached.
	EmergencyCloseCount int `envconfig:"EMERGENCY_CLOSE_COUNT" default:"1"`

	// PendingTTL expires positions stuck in PENDING. Zero disables the sweep.
	PendingTTL time.Duration `envconfig:"PENDING_TTL" default:"24h"`

	// SweepPeriod is how often the expiry sweep runs.
	SweepPeriod time.Duration `envconfig:"SWEEP_PERIOD" default:"5m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
