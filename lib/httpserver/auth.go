// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strings"
)

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token as an "Authorization: Bearer
// ..." header. If the given token is empty, RequireLiteralToken
// returns next (i.e., no auth checks are performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		have := BearerToken(r)
		switch {
		case have == "":
			Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case have != token:
			Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// BearerToken returns the token from the request's Authorization
// header, or "".
func BearerToken(r *http.Request) string {
	if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
