// Package rt tunes the control process for low scheduling latency.
package rt

import (
	"errors"
	"log/slog"
)

// Config selects the tuning applied by Apply. Zero values leave the
// corresponding setting untouched.
type Config struct {
	LockMemory bool `yaml:"lockMemory"` // Lock current and future pages in RAM
	Nice       int  `yaml:"nice"`       // Process niceness, -20..19
	CPU        *int `yaml:"cpu"`        // Pin the process to a single CPU
}

// ErrUnsupported is returned for settings the platform cannot apply
var ErrUnsupported = errors.New("real-time tuning is not supported on this platform")

// Apply applies every configured setting and reports all failures. A failed
// setting does not prevent the others from being applied.
func Apply(cfg Config, logger *slog.Logger) error {
	var errs []error

	if cfg.LockMemory {
		if err := lockMemory(); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("memory locked")
		}
	}

	if cfg.Nice != 0 {
		if err := setNice(cfg.Nice); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("niceness set", slog.Int("nice", cfg.Nice))
		}
	}

	if cfg.CPU != nil {
		if err := setAffinity(*cfg.CPU); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("cpu affinity set", slog.Int("cpu", *cfg.CPU))
		}
	}

	return errors.Join(errs...)
}
