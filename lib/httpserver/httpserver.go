// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides an http server with graceful shutdown
// and the middleware drover services wrap around their handlers.
package httpserver

import (
	"net"
	"net/http"
	"sync/atomic"
)

// Server is an http.Server that can be started on a ":0" address
// (Addr reports the port that was picked) and shut down without
// exiting the process.
type Server struct {
	http.Server
	Addr string // host:port; rewritten by Start to the bound address

	listener net.Listener
	stopping atomic.Bool
	done     chan struct{}
	err      error
}

// Start binds the listen address and serves requests in a new
// goroutine. By the time Start returns, Addr holds the actual
// address:port bound, so callers can listen on ":0" and find out
// where the server ended up.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		err := srv.Serve(ln)
		if !srv.stopping.Load() {
			srv.err = err
		}
		close(srv.done)
	}()
	return nil
}

// Close stops the server and returns when it has stopped serving.
func (srv *Server) Close() error {
	srv.stopping.Store(true)
	srv.listener.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down: nil after a clean
// Close, otherwise the error that stopped the serve loop.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}
