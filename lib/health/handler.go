// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health provides authenticated health-check endpoints for
// drover services.
package health

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"git.arvados.org/drover.git/lib/httpserver"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of URI path to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Map of URI paths to health-check Func. The prefix is
	// omitted: Routes["foo"] is the health check invoked by a
	// request to "{Prefix}/foo".
	//
	// If "ping" is not listed here, it will be added
	// automatically and will always return a "healthy" response.
	Routes Routes
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for name, fn := range h.Routes {
		h.mux.Handle(prefix+name, h.healthJSON(fn))
	}
	if _, ok := h.Routes["ping"]; !ok {
		h.mux.Handle(prefix+"ping", h.healthJSON(func() error { return nil }))
	}
}

// report is the response body for a health-check request that got
// past the authentication checks.
type report struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) healthJSON(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code, msg := h.checkAuth(r); code != 0 {
			httpserver.Error(w, msg, code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		result := report{Health: "OK"}
		if err := fn(); err != nil {
			result = report{Health: "ERROR", Error: err.Error()}
		}
		json.NewEncoder(w).Encode(result)
	})
}

// checkAuth returns a zero code if the request is authorized,
// otherwise the HTTP status and message to reject it with. An unset
// Token means health checks are not configured at all, so their
// existence is not revealed.
func (h *Handler) checkAuth(r *http.Request) (int, string) {
	switch token := httpserver.BearerToken(r); {
	case h.Token == "":
		return http.StatusNotFound, "disabled"
	case token == "":
		return http.StatusUnauthorized, "authorization required"
	case token != h.Token:
		return http.StatusForbidden, "authorization error"
	}
	return 0, ""
}
