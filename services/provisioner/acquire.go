// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provisioner

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"git.arvados.org/drover.git/lib/catalog"
	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/cmd"
	"git.arvados.org/drover.git/lib/config"
	"git.arvados.org/drover.git/lib/ctxlog"
	"git.arvados.org/drover.git/lib/provision"
	"github.com/ghodss/yaml"
)

// AcquireCommand implements "drover acquire": it runs provisioning
// sessions in the foreground, without the management service, and
// prints the resulting instance handles as JSON. If any session fails
// it prints the handles that did launch and exits nonzero.
var AcquireCommand cmd.Handler = acquireCommand{}

type acquireCommand struct{}

func (acquireCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "/etc/drover/config.yml", "configuration `file`")
	requestFile := flags.String("request", "-", "request `file` (YAML or JSON, \"-\" for stdin)")
	timeout := flags.Duration("timeout", 0, "cancel unfinished sessions after `duration` (0 means wait forever)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	cfg, err := config.LoadFile(*configFile, logger)
	if err != nil {
		logger.WithError(err).Error("error loading configuration")
		return 1
	}
	logger = ctxlog.New(stderr, "text", cfg.SystemLogs.LogLevel)

	var buf []byte
	if *requestFile == "-" {
		buf, err = io.ReadAll(stdin)
	} else {
		buf, err = os.ReadFile(*requestFile)
	}
	if err != nil {
		logger.WithError(err).Error("error reading request")
		return 1
	}
	var req provision.Request
	if err := yaml.Unmarshal(buf, &req); err != nil {
		logger.WithError(err).Error("error parsing request")
		return 1
	}

	cache, err := catalog.NewCache(cfg.Catalog, cfg.Clouds, logger, nil)
	if err != nil {
		logger.WithError(err).Error("error setting up catalog cache")
		return 1
	}
	launchers, err := newLaunchers(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("error initializing cloud drivers")
		return 1
	}
	defer func() {
		for _, launcher := range launchers {
			launcher.Stop()
		}
	}()
	orch := provision.New(cfg.Provision, cache, launchers, logger, nil)

	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	defer cancel()
	if *timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, *timeout)
		defer tcancel()
	}
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		if sig, ok := <-sigch; ok {
			logger.WithField("Signal", sig).Info("caught signal, cancelling sessions")
			cancel()
		}
	}()

	count := req.Count
	if count < 1 {
		count = 1
	}
	var mtx sync.Mutex
	var wg sync.WaitGroup
	var handles []cloud.InstanceHandle
	failed := 0
	for i := 0; i < count; i++ {
		sess, err := orch.NewSession(req)
		if err != nil {
			logger.WithError(err).Error("invalid request")
			return 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := sess.Run(ctx)
			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				logger.WithField("SessionID", sess.ID).WithError(err).Error("session failed")
				failed++
				return
			}
			handles = append(handles, handle)
		}()
	}
	wg.Wait()

	if handles == nil {
		handles = []cloud.InstanceHandle{}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(handles); err != nil {
		logger.WithError(err).Error("error writing output")
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}
