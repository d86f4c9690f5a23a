package myo

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"myoblink/flexray"
	"myoblink/services/myo/internal/connmgr"
	"myoblink/x/timex"
)

// BackoffConfig controls the delay between failed connect attempts.
type BackoffConfig = connmgr.BackoffConfig

// DefaultBackoff is exponential with jitter, 250ms doubling to 5s.
func DefaultBackoff() BackoffConfig { return connmgr.DefaultBackoff() }

// Config is the control loop configuration.
type Config struct {
	// Name is the node name and the first token of every topic.
	Name string

	RateHz       uint32
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// LossAfter is the number of consecutive cycles without a single sample
	// after which the session is treated as lost. Zero disables the check.
	LossAfter int

	// Tracked overrides the polled set. Empty means every enumerated ganglion
	// times its described muscles.
	Tracked []flexray.Address

	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Name:         "myo_blink",
		RateHz:       100,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 20 * time.Millisecond,
		LossAfter:    100,
		Backoff:      DefaultBackoff(),
	}
}

const maxRateHz = 10_000

func (c Config) Validate() error {
	var errs []error
	if c.Name == "" || strings.ContainsAny(c.Name, "/+#") {
		errs = append(errs, fmt.Errorf("name %q: must be a non-empty topic token", c.Name))
	}
	if c.RateHz == 0 || c.RateHz > maxRateHz {
		errs = append(errs, fmt.Errorf("rate_hz %d: must be in [1,%d]", c.RateHz, maxRateHz))
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, errors.New("read_timeout: must not be negative"))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write_timeout: must not be negative"))
	}
	if c.LossAfter < 0 {
		errs = append(errs, errors.New("loss_after: must not be negative"))
	}
	for _, a := range c.Tracked {
		if !a.Valid() {
			errs = append(errs, fmt.Errorf("tracked: invalid address %s", a))
		}
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 {
		errs = append(errs, errors.New("backoff: delays must not be negative"))
	}
	if c.Backoff.InitialDelay > 0 && c.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff: multiplier %g must be >= 1", c.Backoff.Multiplier))
	}
	return errors.Join(errs...)
}

func (c Config) period() time.Duration {
	return time.Duration(timex.PeriodFromHz(c.RateHz))
}
