// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

type serverConfig struct {
	clock                     *session.ClusterClock
	compressionOpts           []string
	connectionOpts            []ConnectionOption
	appname                   string
	heartbeatInterval         time.Duration
	heartbeatTimeout          time.Duration
	minConns                  uint64
	maxConns                  uint64
	connectTimeout            time.Duration
	connectionPoolMaxIdleTime time.Duration
	poolMonitor               *event.PoolMonitor
	serverMonitor             *event.ServerMonitor
	serverAPI                 *driver.ServerAPIOptions
	loadBalanced              bool
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

func newServerConfig(opts ...ServerOption) (*serverConfig, error) {
	cfg := &serverConfig{
		heartbeatInterval: 10 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		minConns:          0,
		maxConns:          100,
		connectTimeout:    30 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg, nil
}

// WithServerAppName configures the application name sent in hello/handshake metadata.
func WithServerAppName(appname string) ServerOption {
	return func(cfg *serverConfig) { cfg.appname = appname }
}

// WithServerClusterClock attaches the shared cluster-time clock used by heartbeat commands.
func WithServerClusterClock(clock *session.ClusterClock) ServerOption {
	return func(cfg *serverConfig) { cfg.clock = clock }
}

// WithServerCompressionOptions sets the ordered compressor name list negotiated at handshake time.
func WithServerCompressionOptions(compressors ...string) ServerOption {
	return func(cfg *serverConfig) { cfg.compressionOpts = compressors }
}

// WithHeartbeatInterval sets heartbeatFrequencyMS: the polling fallback interval, and the
// interval between streaming-mode hello calls once one completes.
func WithHeartbeatInterval(interval time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		if interval < minHeartbeatInterval {
			interval = minHeartbeatInterval
		}
		cfg.heartbeatInterval = interval
	}
}

// WithHeartbeatTimeout sets the timeout applied to each individual heartbeat.
func WithHeartbeatTimeout(timeout time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.heartbeatTimeout = timeout }
}

// WithMinConnections sets CMAP's minPoolSize.
func WithMinConnections(n uint64) ServerOption {
	return func(cfg *serverConfig) { cfg.minConns = n }
}

// WithMaxConnections sets CMAP's maxPoolSize.
func WithMaxConnections(n uint64) ServerOption {
	return func(cfg *serverConfig) { cfg.maxConns = n }
}

// WithConnectTimeout sets connectTimeoutMS for the monitoring connection, bounding its dial and
// handshake together. Pooled connections take their connect timeout from the connection options.
func WithConnectTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.connectTimeout = d }
}

// WithConnectionPoolMaxIdleTime sets maxIdleTimeMS: idle connections older than this are closed
// instead of reused.
func WithConnectionPoolMaxIdleTime(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.connectionPoolMaxIdleTime = d }
}

// WithServerPoolMonitor attaches a CMAP event subscriber.
func WithServerPoolMonitor(m *event.PoolMonitor) ServerOption {
	return func(cfg *serverConfig) { cfg.poolMonitor = m }
}

// WithServerMonitor attaches an SDAM event subscriber.
func WithServerMonitor(m *event.ServerMonitor) ServerOption {
	return func(cfg *serverConfig) { cfg.serverMonitor = m }
}

// WithServerServerAPI attaches the declared stable API version, sent with the handshake of pooled
// and monitoring connections and with every monitor heartbeat.
func WithServerServerAPI(api *driver.ServerAPIOptions) ServerOption {
	return func(cfg *serverConfig) { cfg.serverAPI = api }
}

// WithServerLoadBalanced marks this server as sitting behind a load balancer, which disables
// monitoring entirely per the load-balanced topology rules.
func WithServerLoadBalanced(lb bool) ServerOption {
	return func(cfg *serverConfig) { cfg.loadBalanced = lb }
}

// WithServerConnectionOptions appends options applied to every connection this server dials.
func WithServerConnectionOptions(opts ...ConnectionOption) ServerOption {
	return func(cfg *serverConfig) { cfg.connectionOpts = append(cfg.connectionOpts, opts...) }
}
