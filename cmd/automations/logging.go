package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cschleiden/go-automations/config"
)

func newLogger(c config.Log) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}

	return nil, fmt.Errorf("unknown log format %q", c.Format)
}
