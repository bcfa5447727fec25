// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// These constants represent the connection states of a topology.
const (
	topologyDisconnected int32 = iota
	topologyDisconnecting
	topologyConnected
	topologyConnecting
)

// ErrTopologyClosed is returned when a Topology is used after Disconnect.
var ErrTopologyClosed = errors.New("topology is closed")

// ErrTopologySubscribeAfterClosed occurs when a subscription is attempted after the topology has been
// closed.
var ErrTopologySubscribeAfterClosed = errors.New("cannot subscribe after close")

// Topology implements driver.Deployment on top of a set of monitored Servers, applying the SDAM
// state machine (description.ApplyServer, §4.5) to every description each Server's monitor
// produces and discovering or dropping servers as replica-set/sharded membership changes.
type Topology struct {
	cfg   *topologyConfig
	state int32

	mu      sync.Mutex
	servers map[address.Address]*Server
	desc    atomic.Value // description.Topology

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Topology
	currentSubscriberID uint64
	subscriptionsClosed bool
}

// New constructs a Topology from the given options. Connect must be called before the topology can
// select servers or hand out connections.
func New(opts ...TopologyOption) (*Topology, error) {
	cfg, err := newTopologyConfig(opts...)
	if err != nil {
		return nil, err
	}

	t := &Topology{
		cfg:         cfg,
		servers:     make(map[address.Address]*Server),
		subscribers: make(map[uint64]chan description.Topology),
	}

	initial := description.Topology{Kind: cfg.mode, SetName: cfg.replicaSetName}
	for _, addr := range cfg.seedList {
		initial.Servers = append(initial.Servers, description.NewDefaultServer(address.Address(addr)))
	}
	t.desc.Store(initial)

	return t, nil
}

// Connect starts monitoring every seed in the topology's seed list. The servers discover the rest
// of the deployment (and update the topology's Kind) as their heartbeats come back.
func (t *Topology) Connect() error {
	if !atomic.CompareAndSwapInt32(&t.state, topologyDisconnected, topologyConnecting) {
		return errors.New("topology is already connected or connecting")
	}

	t.mu.Lock()
	for _, addr := range t.cfg.seedList {
		if err := t.connectServer(address.Address(addr)); err != nil {
			t.mu.Unlock()
			atomic.StoreInt32(&t.state, topologyDisconnected)
			return err
		}
	}
	t.mu.Unlock()

	t.emitTopologyOpening()
	atomic.StoreInt32(&t.state, topologyConnected)
	return nil
}

// connectServer creates and connects a Server for addr if one doesn't already exist. Must be
// called with t.mu held.
func (t *Topology) connectServer(addr address.Address) error {
	if _, ok := t.servers[addr]; ok {
		return nil
	}

	opts := append([]ServerOption{}, t.cfg.serverOpts...)
	opts = append(opts,
		WithServerClusterClock(t.cfg.clock),
		WithServerMonitor(t.cfg.serverMonitor),
		WithServerServerAPI(t.cfg.serverAPI),
		WithServerLoadBalanced(t.cfg.mode == description.LoadBalanced),
	)

	srv, err := ConnectServer(addr, t.newUpdateCallback(addr), opts...)
	if err != nil {
		return err
	}
	t.servers[addr] = srv
	return nil
}

// newUpdateCallback builds the updateTopologyCallback a Server invokes on every new description:
// it folds the description into the topology-level state machine, spawns monitors for any newly
// discovered members, and schedules removal of any member the primary no longer lists.
func (t *Topology) newUpdateCallback(addr address.Address) updateTopologyCallback {
	return func(desc description.Server) description.Server {
		t.mu.Lock()

		previous := t.Description()
		next := description.ApplyServer(previous, desc)
		t.desc.Store(next)

		var toAdd, toRemove []address.Address
		for _, s := range next.Servers {
			if _, ok := t.servers[s.Addr]; !ok {
				toAdd = append(toAdd, s.Addr)
			}
		}
		for existing := range t.servers {
			if _, ok := next.Server(existing); !ok {
				toRemove = append(toRemove, existing)
			}
		}
		for _, a := range toAdd {
			_ = t.connectServer(a)
		}
		for _, a := range toRemove {
			srv := t.servers[a]
			delete(t.servers, a)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Disconnect(ctx)
			}()
		}

		t.mu.Unlock()

		t.emitTopologyChanged(previous, next)
		t.publish(next)

		if stored, ok := next.Server(addr); ok {
			return stored
		}
		return desc
	}
}

// Disconnect closes every server in the topology and stops accepting new subscriptions.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.state, topologyConnected, topologyDisconnecting) {
		return ErrTopologyClosed
	}
	defer atomic.StoreInt32(&t.state, topologyDisconnected)

	t.mu.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, srv := range t.servers {
		servers = append(servers, srv)
	}
	t.servers = make(map[address.Address]*Server)
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			_ = s.Disconnect(ctx)
		}(srv)
	}
	wg.Wait()

	t.subLock.Lock()
	for id, c := range t.subscribers {
		close(c)
		delete(t.subscribers, id)
	}
	t.subscriptionsClosed = true
	t.subLock.Unlock()

	t.emitTopologyClosed()

	return nil
}

// Description implements driver.Deployment.
func (t *Topology) Description() description.Topology {
	d, _ := t.desc.Load().(description.Topology)
	return d
}

// Kind implements driver.Deployment.
func (t *Topology) Kind() description.TopologyKind {
	return t.Description().Kind
}

// SelectServer implements driver.Deployment: it blocks, re-requesting immediate heartbeats from
// every known server, until the selector yields at least one eligible server or ctx/the configured
// serverSelectionTimeout expires.
func (t *Topology) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	if atomic.LoadInt32(&t.state) != topologyConnected {
		return nil, ErrTopologyClosed
	}

	timeout := t.cfg.serverSelectionTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	for {
		current := t.Description()
		if srv, ok := t.pickServer(current, selector); ok {
			return srv, nil
		}

		t.requestImmediateCheckAll()

		select {
		case <-ctx.Done():
			return nil, description.ServerSelectionError{Wrapped: ctx.Err(), Topology: current}
		case <-sub.C:
		case <-time.After(minHeartbeatInterval):
		}
	}
}

// pickServer filters current's servers through selector and returns a random eligible one, mapped
// back to its live *Server actor.
func (t *Topology) pickServer(current description.Topology, selector description.ServerSelector) (driver.Server, bool) {
	suitable, err := description.CompositeSelector{Selectors: []description.ServerSelector{
		dataBearingSelector{},
		selector,
	}}.SelectServer(current, current.Servers)
	if err != nil || len(suitable) == 0 {
		return nil, false
	}

	chosen := suitable[rand.Intn(len(suitable))]

	t.mu.Lock()
	srv, ok := t.servers[chosen.Addr]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}

	return &SelectedServer{Server: srv, Kind: current.Kind}, true
}

// dataBearingSelector drops servers that can't answer reads/writes (Unknown, RSArbiter, RSGhost,
// ...), the first step of selection before a caller's own selector narrows further.
type dataBearingSelector struct{}

func (dataBearingSelector) SelectServer(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
	result := make([]description.Server, 0, len(candidates))
	for _, s := range candidates {
		if s.Kind.DataBearing() {
			result = append(result, s)
		}
	}
	return result, nil
}

func (t *Topology) requestImmediateCheckAll() {
	t.mu.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, srv := range t.servers {
		servers = append(servers, srv)
	}
	t.mu.Unlock()

	for _, srv := range servers {
		srv.RequestImmediateCheck()
	}
}

// TopologySubscription represents a subscription to the description.Topology updates for this
// Topology.
type TopologySubscription struct {
	C  <-chan description.Topology
	t  *Topology
	id uint64
}

// Subscribe returns a TopologySubscription whose channel receives every updated Topology
// description, pre-populated with the current one.
func (t *Topology) Subscribe() (*TopologySubscription, error) {
	if atomic.LoadInt32(&t.state) != topologyConnected {
		return nil, ErrTopologySubscribeAfterClosed
	}
	ch := make(chan description.Topology, 1)
	ch <- t.Description()

	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil, ErrTopologySubscribeAfterClosed
	}
	id := t.currentSubscriberID
	t.subscribers[id] = ch
	t.currentSubscriberID++

	return &TopologySubscription{C: ch, t: t, id: id}, nil
}

// Unsubscribe unsubscribes this TopologySubscription from updates and closes its channel.
func (ts *TopologySubscription) Unsubscribe() error {
	ts.t.subLock.Lock()
	defer ts.t.subLock.Unlock()
	if ts.t.subscriptionsClosed {
		return nil
	}
	ch, ok := ts.t.subscribers[ts.id]
	if !ok {
		return nil
	}
	close(ch)
	delete(ts.t.subscribers, ts.id)
	return nil
}

func (t *Topology) publish(desc description.Topology) {
	t.subLock.Lock()
	defer t.subLock.Unlock()
	for _, c := range t.subscribers {
		select {
		case <-c:
		default:
		}
		c <- desc
	}
}

func (t *Topology) emitTopologyOpening() {
	sm := t.cfg.serverMonitor
	if sm == nil || sm.TopologyOpening == nil {
		return
	}
	sm.TopologyOpening(&event.TopologyOpeningEvent{})
}

func (t *Topology) emitTopologyClosed() {
	sm := t.cfg.serverMonitor
	if sm == nil || sm.TopologyClosed == nil {
		return
	}
	sm.TopologyClosed(&event.TopologyClosedEvent{})
}

func (t *Topology) emitTopologyChanged(previous, current description.Topology) {
	sm := t.cfg.serverMonitor
	if sm == nil || sm.TopologyDescriptionChanged == nil {
		return
	}
	sm.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
		PreviousDescription: previous,
		NewDescription:      current,
	})
}

// String implements the fmt.Stringer interface.
func (t *Topology) String() string {
	return t.Description().String()
}
