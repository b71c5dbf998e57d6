// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package provisioner implements the drover-provisioner service: a
// management HTTP API for starting, inspecting, and cancelling
// provisioning sessions, and for inspecting and refreshing the cached
// catalogs the sessions consult.
package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"git.arvados.org/drover.git/lib/catalog"
	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/config"
	"git.arvados.org/drover.git/lib/ctxlog"
	"git.arvados.org/drover.git/lib/health"
	"git.arvados.org/drover.git/lib/httpserver"
	"git.arvados.org/drover.git/lib/provision"
	"git.arvados.org/drover.git/lib/service"
	"github.com/gogo/protobuf/jsonpb"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// maxSessionsPerRequest caps the count field of a create-sessions
// request.
const maxSessionsPerRequest = 100

// NewHandler builds the catalog cache, the configured clouds' launch
// adapters, and the session orchestrator, and returns the management
// API handler wired to them.
func NewHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	cat, err := catalog.NewCache(cfg.Catalog, cfg.Clouds, logger, reg)
	if err != nil {
		return service.ErrorHandler(ctx, cfg, err)
	}
	launchers, err := newLaunchers(cfg, logger)
	if err != nil {
		return service.ErrorHandler(ctx, cfg, err)
	}
	h := &handler{
		Config:    cfg,
		Context:   ctx,
		logger:    logger,
		catalog:   cat,
		launchers: launchers,
		orch:      provision.New(cfg.Provision, cat, launchers, logger, reg),
	}
	h.setupRoutes(reg)
	return h
}

type handler struct {
	Config  *config.Config
	Context context.Context

	logger      logrus.FieldLogger
	catalog     *catalog.Cache
	launchers   map[string]cloud.Launcher
	orch        *provision.Orchestrator
	httpHandler http.Handler

	stopOnce sync.Once
}

// ServeHTTP implements service.Handler.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler. The service can't do its
// job without a usable catalog directory, so that is what gets
// checked.
func (h *handler) CheckHealth() error {
	return os.MkdirAll(filepath.Join(h.Config.Catalog.CacheDir, h.Config.Catalog.SchemaVersion), 0o755)
}

// Done implements service.Handler.
func (h *handler) Done() <-chan struct{} {
	return nil
}

// Stop shuts down the cloud launchers. Typically used in tests.
func (h *handler) Stop() {
	h.stopOnce.Do(func() {
		for _, launcher := range h.launchers {
			launcher.Stop()
		}
	})
}

func (h *handler) setupRoutes(reg *prometheus.Registry) {
	if h.Config.ManagementToken == "" {
		h.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
		return
	}
	mux := httprouter.New()
	mux.HandlerFunc("POST", "/drover/v1/sessions", h.apiSessionCreate)
	mux.HandlerFunc("GET", "/drover/v1/sessions", h.apiSessionList)
	mux.HandlerFunc("GET", "/drover/v1/sessions/:id", h.apiSessionGet)
	mux.HandlerFunc("POST", "/drover/v1/sessions/:id/cancel", h.apiSessionCancel)
	mux.HandlerFunc("GET", "/drover/v1/catalog", h.apiCatalogStatus)
	mux.HandlerFunc("GET", "/drover/v1/catalog/:cloud", h.apiCatalogGet)
	mux.HandlerFunc("POST", "/drover/v1/catalog/:cloud/refresh", h.apiCatalogRefresh)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: h.logger,
	}))
	mux.HandlerFunc("GET", "/metrics.json", metricsJSON(reg))
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  h.Config.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": h.CheckHealth},
	})
	h.httpHandler = httpserver.RequireLiteralToken(h.Config.ManagementToken, mux)
}

// Management API: start provisioning sessions. The request body is a
// provision.Request; its count field (default 1) makes that many
// identical sessions. Sessions run in the background: the response
// reports their initial views, and GET /drover/v1/sessions/{id} shows
// progress.
func (h *handler) apiSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 1 || count > maxSessionsPerRequest {
		httpserver.Error(w, fmt.Sprintf("count must be between 1 and %d", maxSessionsPerRequest), http.StatusBadRequest)
		return
	}
	var resp struct {
		Items []provision.SessionView `json:"items"`
	}
	for i := 0; i < count; i++ {
		sess, err := h.orch.NewSession(req)
		if err != nil {
			httpserver.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		go sess.Run(h.Context)
		resp.Items = append(resp.Items, sess.View())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// Management API: all sessions, oldest first.
func (h *handler) apiSessionList(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []provision.SessionView `json:"items"`
	}
	resp.Items = h.orch.Views()
	writeJSON(w, resp)
}

// Management API: one session.
func (h *handler) apiSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.findSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, sess.View())
}

// Management API: ask a session to stop at the next safe point. The
// response shows the session's state as of the request; poll the
// session to see it settle.
func (h *handler) apiSessionCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.findSession(w, r)
	if !ok {
		return
	}
	sess.Cancel()
	writeJSON(w, sess.View())
}

func (h *handler) findSession(w http.ResponseWriter, r *http.Request) (*provision.Session, bool) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	sess, ok := h.orch.Session(id)
	if !ok {
		httpserver.Error(w, fmt.Sprintf("no such session %q", id), http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// Management API: per-cloud catalog summaries.
func (h *handler) apiCatalogStatus(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []catalog.CloudStatus `json:"items"`
	}
	resp.Items = h.catalog.Status()
	writeJSON(w, resp)
}

// Management API: one cloud's catalog entries, optionally filtered by
// instance_type, accelerator_name, accelerator_count, region, and
// zone parameters. With format=csv the response is the table itself.
func (h *handler) apiCatalogGet(w http.ResponseWriter, r *http.Request) {
	cloudName := httprouter.ParamsFromContext(r.Context()).ByName("cloud")
	f := catalog.Filter{
		InstanceType:    r.FormValue("instance_type"),
		AcceleratorName: r.FormValue("accelerator_name"),
		Region:          r.FormValue("region"),
		Zone:            r.FormValue("zone"),
	}
	if s := r.FormValue("accelerator_count"); s != "" {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			httpserver.Error(w, "invalid accelerator_count parameter: "+err.Error(), http.StatusBadRequest)
			return
		}
		f.AcceleratorCount = n
	}
	entries, err := h.catalog.Query(r.Context(), cloudName, f)
	if err != nil {
		h.sendCatalogError(w, err)
		return
	}
	if r.FormValue("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		err := catalog.WriteCSV(w, entries)
		if err != nil {
			h.logger.WithError(err).Error("error writing catalog csv")
		}
		return
	}
	resp := struct {
		Items []entryView `json:"items"`
	}{Items: make([]entryView, 0, len(entries))}
	for _, e := range entries {
		resp.Items = append(resp.Items, viewEntry(e))
	}
	writeJSON(w, resp)
}

// Management API: re-fetch one cloud's catalog now, regardless of
// TTL. With force=true a hand-edited local table is replaced instead
// of kept.
func (h *handler) apiCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	cloudName := httprouter.ParamsFromContext(r.Context()).ByName("cloud")
	force, _ := strconv.ParseBool(r.FormValue("force"))
	res, err := h.catalog.Refresh(r.Context(), cloudName, force)
	if err != nil {
		h.sendCatalogError(w, err)
		return
	}
	writeJSON(w, res)
}

func (h *handler) sendCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrUnknownCloud):
		httpserver.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, catalog.ErrUnavailable):
		httpserver.Error(w, err.Error(), http.StatusBadGateway)
	default:
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// metricsJSON serves the same metric families as /metrics, as a JSON
// array.
func metricsJSON(reg *prometheus.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mfs, err := reg.Gather()
		if err != nil {
			httpserver.Error(w, "error gathering metrics: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		jm := jsonpb.Marshaler{Indent: "  "}
		w.Write([]byte{'['})
		for i, mf := range mfs {
			if i > 0 {
				w.Write([]byte{','})
			}
			jm.Marshal(w, mf)
		}
		w.Write([]byte{']'})
	}
}

// entryView is a catalog.Entry shaped for JSON: the table's empty
// numeric cells (NaN in memory) become omitted fields instead of
// values encoding/json refuses to marshal.
type entryView struct {
	InstanceType     string   `json:"instance_type"`
	AcceleratorName  string   `json:"accelerator_name,omitempty"`
	AcceleratorCount *float64 `json:"accelerator_count,omitempty"`
	VCPUs            *float64 `json:"vcpus,omitempty"`
	MemoryGiB        *float64 `json:"memory_gib,omitempty"`
	GpuInfo          string   `json:"gpu_info,omitempty"`
	Region           string   `json:"region"`
	SpotPrice        *float64 `json:"spot_price,omitempty"`
	Price            *float64 `json:"price,omitempty"`
	AvailabilityZone string   `json:"availability_zone,omitempty"`
}

func viewEntry(e catalog.Entry) entryView {
	num := func(f float64) *float64 {
		if math.IsNaN(f) {
			return nil
		}
		return &f
	}
	return entryView{
		InstanceType:     e.InstanceType,
		AcceleratorName:  e.AcceleratorName,
		AcceleratorCount: num(e.AcceleratorCount),
		VCPUs:            num(e.VCPUs),
		MemoryGiB:        num(e.MemoryGiB),
		GpuInfo:          e.GpuInfo,
		Region:           e.Region,
		SpotPrice:        num(e.SpotPrice),
		Price:            num(e.Price),
		AvailabilityZone: e.AvailabilityZone,
	}
}
