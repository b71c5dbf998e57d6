// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"context"
	"flag"
	"fmt"
	"io"

	"git.arvados.org/drover.git/lib/cmd"
	"git.arvados.org/drover.git/lib/config"
	"git.arvados.org/drover.git/lib/ctxlog"
	"github.com/dustin/go-humanize"
)

// RefreshCommand implements "drover catalog-refresh": it re-fetches
// catalog tables for the configured clouds and reports what each
// refresh did.
var RefreshCommand cmd.Handler = refreshCommand{}

type refreshCommand struct{}

func (refreshCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "/etc/drover/config.yml", "configuration `file` (\"-\" for stdin)")
	cloudName := flags.String("cloud", "", "refresh only the named `cloud`")
	force := flags.Bool("force", false, "replace locally modified tables")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	var cfg *config.Config
	var err error
	if *configFile == "-" {
		cfg, err = config.Load(stdin, logger)
	} else {
		cfg, err = config.LoadFile(*configFile, logger)
	}
	if err != nil {
		logger.WithError(err).Error("error loading configuration")
		return 1
	}

	cache, err := NewCache(cfg.Catalog, cfg.Clouds, logger, nil)
	if err != nil {
		logger.WithError(err).Error("error setting up catalog cache")
		return 1
	}
	names := cache.Clouds()
	if *cloudName != "" {
		names = []string{*cloudName}
	}

	ctx := ctxlog.Context(context.Background(), logger)
	exit := 0
	for _, name := range names {
		res, err := cache.Refresh(ctx, name, *force)
		if err != nil {
			logger.WithField("Cloud", name).WithError(err).Error("refresh failed")
			exit = 1
			continue
		}
		fmt.Fprintf(stdout, "%-16s %-20s %-8s %6d %10s %s\n",
			res.Cloud, res.Result, res.Source, res.Entries,
			humanize.Bytes(uint64(res.Size)), res.Fingerprint)
	}
	return exit
}
