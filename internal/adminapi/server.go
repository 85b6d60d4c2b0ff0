// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package adminapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/gorilla/handlers"
)

// HTTPServer wraps the mux.Router in the request-logging, compression and
// recovery middleware cmd/cc-backend/main.go applies to its own router,
// plus an http.Server configured with the same fixed read/write timeouts.
type HTTPServer struct {
	Addr   string
	server *http.Server
}

// NewHTTPServer builds the listening server for addr.
func NewHTTPServer(addr string, s *Server) *HTTPServer {
	r := s.Router()
	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))

	logged := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		if strings.HasPrefix(params.Request.RequestURI, "/metrics") || strings.HasPrefix(params.Request.RequestURI, "/healthz") {
			return
		}
		cclog.Infof("[ADMINAPI]> %s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	return &HTTPServer{
		Addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      logged,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks until the server stops or fails to start.
func (h *HTTPServer) ListenAndServe() error {
	cclog.Infof("[ADMINAPI]> listening on %s", h.Addr)
	return h.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests within ctx's deadline,
// mirroring the teacher's signal-triggered shutdown in main.go.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}
