// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/x/mongo/driver"
)

type connectionConfig struct {
	connectTimeout      time.Duration
	readTimeout         time.Duration
	writeTimeout        time.Duration
	dialer              dialer
	tlsConfig           *tls.Config
	handshaker          driver.Handshaker
	monitor             *event.CommandMonitor
	compressors         []string
	errorHandlingCallback func(error, uint64, *generation)
}

// dialer is the subset of net.Dialer this package depends on, so tests can substitute a fake.
type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectionOption configures a single connection.
type ConnectionOption func(*connectionConfig)

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		connectTimeout: 30 * time.Second,
		dialer:         &net.Dialer{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg
}

// WithDialer overrides the network dialer used to establish new connections, for testing.
func WithDialer(d dialer) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.dialer = d }
}

// WithConnectTimeout sets the timeout for connect as a whole: the TCP dial, TLS negotiation and
// the handshake.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.connectTimeout = timeout }
}

// WithReadTimeout sets a per-read deadline applied in addition to the context deadline.
func WithReadTimeout(timeout time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.readTimeout = timeout }
}

// WithWriteTimeout sets a per-write deadline applied in addition to the context deadline.
func WithWriteTimeout(timeout time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.writeTimeout = timeout }
}

// WithTLSConfig enables TLS and sets its configuration.
func WithTLSConfig(tlsConfig *tls.Config) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.tlsConfig = tlsConfig }
}

// WithHandshaker sets the Handshaker run immediately after the connection is dialed.
func WithHandshaker(h driver.Handshaker) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.handshaker = h }
}

// WithMonitor attaches a command-monitoring event subscriber to every operation run on this
// connection, nil for the monitor's own internal heartbeat connections.
func WithMonitor(m *event.CommandMonitor) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.monitor = m }
}

// WithCompressors sets the ordered list of compressor names offered at handshake time.
func WithCompressors(compressors []string) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.compressors = compressors }
}

// withErrorHandlingCallback registers the pool's hook for handshake failures, used to drive SDAM
// error processing (§4.8 step 8) on errors that occur before a connection is usable.
func withErrorHandlingCallback(cb func(error, uint64, *generation)) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.errorHandlingCallback = cb }
}
