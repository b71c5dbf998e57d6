// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// HeaderRequestID is the header carrying the request ID assigned by
// AddRequestIDs, or by an upstream proxy.
const HeaderRequestID = "X-Request-Id"

// AddRequestIDs wraps an http.Handler, assigning a unique request ID
// to each incoming request that doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(HeaderRequestID) == "" {
			req.Header.Set(HeaderRequestID, nextRequestID())
		}
		h.ServeHTTP(w, req)
	})
}

var lastRequestID atomic.Int64

// nextRequestID returns IDs that are unique within this process and
// sort roughly by arrival time.
func nextRequestID() string {
	id := time.Now().UnixNano()
	for {
		last := lastRequestID.Load()
		if id <= last {
			id = last + 1
		}
		if lastRequestID.CompareAndSwap(last, id) {
			return "req-" + strconv.FormatInt(id, 36)
		}
	}
}
