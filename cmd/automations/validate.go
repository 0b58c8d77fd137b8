package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cschleiden/go-automations/config"
	"github.com/cschleiden/go-automations/registry"
	"github.com/spf13/cobra"
)

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Compile definitions and report every error without starting the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			paths := cfg.Definitions
			if len(args) > 0 {
				paths = args
			}

			return validate(cmd.OutOrStdout(), cfg, paths)
		},
	}
}

func validate(out io.Writer, cfg config.Config, paths []string) error {
	if len(paths) == 0 {
		return errors.New("no definitions given")
	}

	defs, err := config.LoadDefinitions(paths...)
	if err != nil {
		return err
	}

	drivers, closeDrivers, err := newDrivers(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer closeDrivers()

	reg := registry.New(registry.WithKnownDrivers(knownDrivers(drivers)))
	if err := reg.Validate(defs); err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Fprintln(out, e)
			}
		} else {
			fmt.Fprintln(out, err)
		}

		return errors.New("definitions are invalid")
	}

	fmt.Fprintf(out, "%d systems, %d rules, %d workflows ok\n", len(defs.Systems), len(defs.Rules), len(defs.Workflows))

	return nil
}
