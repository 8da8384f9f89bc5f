// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command listcache-soak runs concurrent load against a shared list, a
// position cache over it, and a fault cache served by a fault fetcher,
// then prints a report.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("listcache.soak")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(cfg.Logging); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	report, err := soak(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	enc := yaml.NewEncoder(stdout)
	defer enc.Close()
	return errors.Trace(enc.Encode(report))
}

// parseArgs layers the config file, if any, over the defaults, and the
// command line over both.
func parseArgs(args []string) (Config, error) {
	cfg := DefaultConfig()
	var configPath string

	flags := gnuflag.NewFlagSet("listcache-soak", gnuflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "YAML file to read settings from")
	cfg.SetFlags(flags)
	if err := flags.Parse(true, args); err != nil {
		return Config{}, errors.Trace(err)
	}
	if extra := flags.Args(); len(extra) > 0 {
		return Config{}, errors.Errorf("unrecognized args: %q", extra)
	}
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing %s", configPath)
	}
	// Flags given on the command line win over the file.
	if err := flags.Parse(true, args); err != nil {
		return Config{}, errors.Trace(err)
	}
	logger.Debugf("loaded settings from %s", configPath)
	return cfg, nil
}
