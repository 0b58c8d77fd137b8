package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cschleiden/go-automations/config"
	"github.com/cschleiden/go-automations/driver"
	"github.com/cschleiden/go-automations/driver/kafka"
	"github.com/cschleiden/go-automations/driver/webhook"
)

// newDrivers registers the configured drivers. The returned function closes them.
func newDrivers(c config.Config, logger *slog.Logger) (*driver.Registry, func() error, error) {
	drivers := driver.NewRegistry()
	var closers []func() error

	if c.Webhook.Enabled {
		if err := drivers.Register(webhook.New(webhook.Options{
			Name:   c.Webhook.Name,
			Addr:   c.Webhook.Addr,
			Logger: logger,
		})); err != nil {
			return nil, nil, fmt.Errorf("registering webhook driver: %w", err)
		}
	}

	if c.Kafka.Enabled() {
		k := kafka.New(kafka.Options{
			Name:    c.Kafka.Name,
			Brokers: c.Kafka.Brokers,
			Topics:  c.Kafka.Topics,
			GroupID: c.Kafka.GroupID,
			Logger:  logger,
		})

		if err := drivers.Register(k); err != nil {
			return nil, nil, fmt.Errorf("registering kafka driver: %w", err)
		}

		closers = append(closers, k.Close)
	}

	return drivers, func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}

		return errors.Join(errs...)
	}, nil
}

func knownDrivers(drivers *driver.Registry) func(string) bool {
	return func(name string) bool {
		_, err := drivers.Get(name)
		return err == nil
	}
}
