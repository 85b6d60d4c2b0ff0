// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sender

import (
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/nats-io/nats.go"

	"github.com/ckpump/pump/pkg/ckmon"
	"github.com/ckpump/pump/pkg/entry"
)

// NATSConfig configures a NATSSender.
type NATSConfig struct {
	Address       string `json:"address"`
	Subject       string `json:"subject"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	CredsFilePath string `json:"creds-file-path,omitempty"`
}

// NATSSender publishes encoded entries to a NATS subject, a
// BufferingBase-compatible transport fanning entries out to an external
// collector process. Encoding reuses pkg/ckmon.Writer over an in-memory
// buffer so the wire representation on the NATS subject matches exactly
// what a .ckmon file would contain for the same entry.
type NATSSender struct {
	cfg  NATSConfig
	conn *nats.Conn
}

// NewNATSSenderFactory returns a Factory that dials cfg.Address, mirroring
// pkg/nats/client.go's NewClient option wiring.
func NewNATSSenderFactory(cfg NATSConfig) Factory {
	return func() (Sender, error) {
		if cfg.Address == "" {
			cclog.Warn("[NATSSender]> no address configured, skipping connection")
			return nil, nil
		}

		var opts []nats.Option
		if cfg.Username != "" && cfg.Password != "" {
			opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
		}
		if cfg.CredsFilePath != "" {
			opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
		}
		opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				cclog.Warnf("[NATSSender]> disconnected: %v", err)
			}
		}))
		opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
			cclog.Infof("[NATSSender]> reconnected to %s", nc.ConnectedUrl())
		}))

		nc, err := nats.Connect(cfg.Address, opts...)
		if err != nil {
			cclog.Warnf("[NATSSender]> connect failed: %v", err)
			return nil, nil
		}
		cclog.Infof("[NATSSender]> connected to %s, publishing on '%s'", cfg.Address, cfg.Subject)
		return &NATSSender{cfg: cfg, conn: nc}, nil
	}
}

// IsActuallyConnected reports the current link state.
func (s *NATSSender) IsActuallyConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// TrySend encodes e as a single-entry .ckmon payload and publishes it.
// Never panics; any failure (encode or publish) is logged and reported as
// a transient false, per §4.3.
func (s *NATSSender) TrySend(e *entry.Entry) bool {
	var buf nopCloserBuffer
	w, err := ckmon.NewWriter(&buf, nil)
	if err != nil {
		cclog.Warnf("[NATSSender]> encode failed: %v", err)
		return false
	}
	if err := w.Write(e); err != nil {
		cclog.Warnf("[NATSSender]> encode failed: %v", err)
		return false
	}
	if err := w.Close(); err != nil {
		cclog.Warnf("[NATSSender]> encode failed: %v", err)
		return false
	}
	if err := s.conn.Publish(s.cfg.Subject, buf.b); err != nil {
		cclog.Warnf("[NATSSender]> publish to '%s' failed: %v", s.cfg.Subject, err)
		return false
	}
	return true
}

// Dispose closes the NATS connection.
func (s *NATSSender) Dispose() {
	if s.conn != nil {
		s.conn.Close()
		cclog.Info("[NATSSender]> connection closed")
	}
}

type nopCloserBuffer struct{ b []byte }

func (b *nopCloserBuffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}
