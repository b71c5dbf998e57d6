// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"net/http"
	"time"

	"git.arvados.org/drover.git/lib/ctxlog"
	"git.arvados.org/drover.git/lib/stats"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request-scoped logger is attached to the
// request context, where ctxlog.FromContext (and Logger) find it.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqHost":         req.Host,
			"reqPath":         req.URL.Path[1:],
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		trk := &responseTracker{ResponseWriter: w}
		tStart := time.Now()
		lgr.Info("request")
		defer func() {
			tDone := time.Now()
			status := trk.status
			if status == 0 {
				status = http.StatusOK
			}
			writeTime := trk.firstWrite
			if writeTime.IsZero() {
				writeTime = tDone
			}
			lgr.WithFields(logrus.Fields{
				"timeTotal":      stats.Duration(tDone.Sub(tStart)),
				"timeToStatus":   stats.Duration(writeTime.Sub(tStart)),
				"timeWriteBody":  stats.Duration(tDone.Sub(writeTime)),
				"respStatusCode": status,
				"respStatus":     http.StatusText(status),
				"respBytes":      trk.bytes,
			}).Info("response")
		}()
		h.ServeHTTP(trk, req)
	})
}

// Logger returns the logger for the request, with request-scoped
// fields already attached.
func Logger(req *http.Request) logrus.FieldLogger {
	return ctxlog.FromContext(req.Context())
}

// responseTracker records the status code and body size the wrapped
// handler sends, and when the first byte of the response went out.
type responseTracker struct {
	http.ResponseWriter
	status     int
	bytes      int
	firstWrite time.Time
}

func (w *responseTracker) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.firstWrite = time.Now()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseTracker) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *responseTracker) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
