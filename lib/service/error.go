// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"git.arvados.org/drover.git/lib/config"
	"git.arvados.org/drover.git/lib/ctxlog"
	"git.arvados.org/drover.git/lib/httpserver"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler that reports itself as unhealthy and
// responds 500 to every request. A NewHandlerFunc returns one when
// the service cannot be brought up with the given configuration.
func ErrorHandler(ctx context.Context, _ *config.Config, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("unhealthy service")
	return errorHandler{err: err, logger: logger}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).Error("unhealthy service")
	httpserver.Error(w, "unhealthy service", http.StatusInternalServerError)
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

// Done returns a closed channel: a handler that could not start is
// already done.
func (eh errorHandler) Done() <-chan struct{} {
	return closedChan
}

var closedChan = newClosedChan()

func newClosedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
