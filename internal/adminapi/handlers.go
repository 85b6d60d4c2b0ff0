// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ckpump/pump/internal/catalog"
	"github.com/ckpump/pump/internal/dispatcher"
	"github.com/ckpump/pump/internal/handler"
	"github.com/ckpump/pump/internal/indexer"
)

// Server wires the dispatcher, indexer and catalog to the HTTP surface
// (SPEC_FULL §4.10). It is deliberately narrower than the teacher's
// api.RestApi: four read/write operations instead of a full REST resource
// model, since the pump's only externally-steerable state is its
// configuration.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	Indexer    *indexer.Indexer
	Catalog    *catalog.Catalog
	Archive    handler.ArchiveNotifier
	Auth       *BearerAuthenticator
}

// Router builds the mux.Router the way cmd/cc-backend/server.go composes
// its top-level router: plain routes first, auth middleware applied to the
// whole subrouter except health/metrics (which must stay reachable for
// liveness/scrape probes without a token).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.Auth.Middleware)
	protected.HandleFunc("/configure", s.handleConfigure).Methods(http.MethodPost)
	protected.HandleFunc("/monitors", s.handleListMonitors).Methods(http.MethodGet)
	protected.HandleFunc("/monitors/{id}", s.handleGetMonitor).Methods(http.MethodGet)

	return r
}

// handleHealthz reports the dispatcher's lifecycle state (§4.10: "GET
// /healthz reports the dispatcher's lifecycle state"); Running is the
// only state that responds 200.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.Dispatcher.State()
	w.Header().Set("Content-Type", "application/json")
	if state != dispatcher.StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"state": state.String()})
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateConfigRequest(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "decoding body: "+err.Error(), http.StatusBadRequest)
		return
	}

	cfg, err := req.toDispatcherConfig(s.Archive)
	if err != nil {
		var unknown *handler.ErrUnknownHandlerType
		if errors.As(err, &unknown) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wait := r.URL.Query().Get("wait") != "false"
	if err := s.Dispatcher.ApplyConfiguration(cfg, wait); err != nil {
		if errors.Is(err, dispatcher.ErrSinkStopped) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// monitorSummaryDoc is the JSON shape returned by both the list and
// single-monitor endpoints.
type monitorSummaryDoc struct {
	ID        string            `json:"id"`
	FirstSeen *time.Time        `json:"first_seen,omitempty"`
	LastSeen  *time.Time        `json:"last_seen,omitempty"`
	Identity  map[string]string `json:"identity,omitempty"`
	FileCount int               `json:"file_count,omitempty"`
	Live      bool              `json:"live"`
}

func liveMonitorDoc(m *indexer.LiveIndexedMonitor) monitorSummaryDoc {
	first, _ := m.FirstSeen()
	last, _ := m.LastSeen()
	doc := monitorSummaryDoc{ID: "", Live: true, FileCount: len(m.Files())}
	if first.KnownExists {
		t := first.Time
		doc.FirstSeen = &t
	}
	if last.KnownExists {
		t := last.Time
		doc.LastSeen = &t
	}
	if card := m.IdentityCard(); card != nil {
		doc.Identity = card.Attributes
	}
	return doc
}

func catalogRecordDoc(rec catalog.MonitorRecord) monitorSummaryDoc {
	first := time.UnixMilli(rec.FirstEntryTime).UTC()
	last := time.UnixMilli(rec.LastEntryTime).UTC()
	return monitorSummaryDoc{
		ID:        rec.ID,
		FirstSeen: &first,
		LastSeen:  &last,
		Identity:  rec.Identity,
		Live:      false,
	}
}

// handleListMonitors lists catalog monitors. The optional `tag` query
// parameter is passed to Catalog.ListMonitors and matched literally
// against recorded tag names; matcher expressions are not evaluated.
func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil {
		http.Error(w, "catalog not configured", http.StatusServiceUnavailable)
		return
	}
	tag := r.URL.Query().Get("tag")
	recs, err := s.Catalog.ListMonitors(tag, time.Time{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	docs := make([]monitorSummaryDoc, 0, len(recs))
	for _, rec := range recs {
		docs = append(docs, catalogRecordDoc(rec))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(docs)
}

// handleGetMonitor prefers the live indexer view (richer, includes the
// open file set) and falls back to the durable catalog for monitors no
// longer live (§4.10: "indexer-first, catalog-fallback").
func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.Indexer != nil {
		if lm, ok := s.Indexer.Monitor(id); ok {
			doc := liveMonitorDoc(lm)
			doc.ID = id
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(doc)
			return
		}
	}

	if s.Catalog != nil {
		rec, err := s.Catalog.GetMonitor(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rec != nil {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(catalogRecordDoc(*rec))
			return
		}
	}

	http.Error(w, "monitor not found", http.StatusNotFound)
}
