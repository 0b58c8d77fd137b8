package registry

import (
	"log/slog"

	"github.com/benbjohnson/clock"
)

type registerConfig struct {
	knownDriver func(name string) bool
	logger      *slog.Logger
	clock       clock.Clock
}

type RegisterOption interface {
	applyRegisterOption(registerConfig) registerConfig
}

type registerOptions []RegisterOption

func (opts registerOptions) applyRegisterOptions(cfg registerConfig) registerConfig {
	for _, opt := range opts {
		cfg = opt.applyRegisterOption(cfg)
	}
	return cfg
}

type registerOptionFunc func(registerConfig) registerConfig

func (f registerOptionFunc) applyRegisterOption(cfg registerConfig) registerConfig {
	return f(cfg)
}

// WithKnownDrivers makes loads reject action calls that resolve to a driver for which known
// returns false.
func WithKnownDrivers(known func(name string) bool) RegisterOption {
	return registerOptionFunc(func(cfg registerConfig) registerConfig {
		cfg.knownDriver = known
		return cfg
	})
}

func WithLogger(logger *slog.Logger) RegisterOption {
	return registerOptionFunc(func(cfg registerConfig) registerConfig {
		cfg.logger = logger
		return cfg
	})
}

func WithClock(c clock.Clock) RegisterOption {
	return registerOptionFunc(func(cfg registerConfig) registerConfig {
		cfg.clock = c
		return cfg
	})
}
