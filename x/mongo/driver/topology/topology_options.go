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
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

type topologyConfig struct {
	mode                    description.TopologyKind
	seedList                []string
	replicaSetName          string
	serverSelectionTimeout  time.Duration
	serverOpts              []ServerOption
	serverMonitor           *event.ServerMonitor
	clock                   *session.ClusterClock
	serverAPI               *driver.ServerAPIOptions
}

// TopologyOption configures a Topology.
type TopologyOption func(*topologyConfig)

func newTopologyConfig(opts ...TopologyOption) (*topologyConfig, error) {
	cfg := &topologyConfig{
		mode:                   description.TopologyUnknown,
		seedList:               []string{"localhost:27017"},
		serverSelectionTimeout: 30 * time.Second,
		clock:                  &session.ClusterClock{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg, nil
}

// WithTopologySeedList sets the initial seed list of host:port addresses used to discover the deployment.
func WithTopologySeedList(addrs ...string) TopologyOption {
	return func(cfg *topologyConfig) { cfg.seedList = addrs }
}

// WithReplicaSetName constrains the topology to a named replica set, per the replicaSet connection
// string option: any server reporting a different setName is dropped per §4.5.
func WithReplicaSetName(name string) TopologyOption {
	return func(cfg *topologyConfig) {
		cfg.replicaSetName = name
		if name != "" {
			cfg.mode = description.ReplicaSetNoPrimary
		}
	}
}

// WithTopologyMode forces the initial topology kind, bypassing the discovery-driven default of
// Unknown. Used for direct connections (Single) and load-balanced deployments.
func WithTopologyMode(kind description.TopologyKind) TopologyOption {
	return func(cfg *topologyConfig) { cfg.mode = kind }
}

// WithServerSelectionTimeout sets serverSelectionTimeoutMS: how long SelectServer blocks waiting
// for a topology update to produce an eligible server before giving up.
func WithServerSelectionTimeout(d time.Duration) TopologyOption {
	return func(cfg *topologyConfig) { cfg.serverSelectionTimeout = d }
}

// WithTopologyServerOptions appends options applied to every Server this topology creates.
func WithTopologyServerOptions(opts ...ServerOption) TopologyOption {
	return func(cfg *topologyConfig) { cfg.serverOpts = append(cfg.serverOpts, opts...) }
}

// WithTopologyServerMonitor attaches an SDAM event subscriber, passed through to every Server.
func WithTopologyServerMonitor(m *event.ServerMonitor) TopologyOption {
	return func(cfg *topologyConfig) { cfg.serverMonitor = m }
}

// WithTopologyClusterClock attaches the shared cluster-time clock gossipped across every server in
// the deployment.
func WithTopologyClusterClock(clock *session.ClusterClock) TopologyOption {
	return func(cfg *topologyConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithTopologyServerAPIOptions attaches the declared stable API version, passed through to every
// Server this topology creates.
func WithTopologyServerAPIOptions(api *driver.ServerAPIOptions) TopologyOption {
	return func(cfg *topologyConfig) { cfg.serverAPI = api }
}
