// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a drover
// service: it loads the configuration, sets up logging and metrics,
// and runs an http server around the service's handler.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/drover.git/lib/cmd"
	"git.arvados.org/drover.git/lib/config"
	"git.arvados.org/drover.git/lib/ctxlog"
	"git.arvados.org/drover.git/lib/health"
	"git.arvados.org/drover.git/lib/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/ghodss/yaml"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Handler serves a drover service's HTTP API.
type Handler interface {
	http.Handler
	// CheckHealth returns nil when the service is able to do its
	// job, an error otherwise.
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// NewHandlerFunc builds a service's Handler from the loaded
// configuration. Metrics should be registered on reg.
type NewHandlerFunc func(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the configuration, calls
// newHandler, and brings up an http server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, answering health checks).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "/etc/drover/config.yml", "configuration `file` (\"-\" for stdin)")
	dumpConfig := flags.Bool("dump-config", false, "write the loaded configuration to stdout and exit")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	var cfg *config.Config
	if *configFile == "-" {
		cfg, err = config.Load(stdin, log)
	} else {
		cfg, err = config.LoadFile(*configFile, log)
	}
	if err != nil {
		return 1
	}

	if *dumpConfig {
		var buf []byte
		buf, err = yaml.Marshal(cfg)
		if err != nil {
			return 1
		}
		_, err = stdout.Write(buf)
		if err != nil {
			return 1
		}
		return 0
	}

	// Now that we've read the config, replace the bootstrap logger
	// with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithField("PID", os.Getpid())
	ctx := ctxlog.Context(c.ctx, logger)

	listen := cfg.Service.Listen
	if addr := os.Getenv("DROVER_SERVICE_LISTEN"); addr != "" {
		listen = addr
	}
	if listen == "" {
		err = fmt.Errorf("configuration does not enable the %s service on this host", c.svcName)
		return 1
	}

	reg := prometheus.NewRegistry()
	// drover_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drover",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler: httpserver.AddRequestIDs(
				httpserver.LogRequests(log,
					interceptHealthReqs(cfg.ManagementToken, handler.CheckHealth,
						handler))),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}

// interceptHealthReqs answers "GET /_health/ping" requests itself and
// forwards everything else to next.
func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.NotFound = next
	return mux
}
