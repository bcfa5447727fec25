// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

const minHeartbeatInterval = 500 * time.Millisecond

// ErrServerClosed occurs when an attempt to Get a connection is made after
// the server has been closed.
var ErrServerClosed = errors.New("server is closed")

// ErrServerConnected occurs when at attempt to Connect is made after a server
// has already been connected.
var ErrServerConnected = errors.New("server is connected")

// ErrSubscribeAfterClosed occurs when a subscription is attempted after the server has been
// closed.
var ErrSubscribeAfterClosed = errors.New("cannot subscribe after close")

// SelectedServer represents a specific server that was selected during server selection.
// It contains the kind of the topology it was selected from.
type SelectedServer struct {
	*Server

	Kind description.TopologyKind
}

// Description returns a description of the server as of the last heartbeat.
func (ss *SelectedServer) Description() description.SelectedServer {
	sdesc := ss.Server.Description()
	return description.SelectedServer{
		Server: sdesc,
		Kind:   ss.Kind,
	}
}

// These constants represent the connection states of a server.
const (
	disconnected int32 = iota
	disconnecting
	connected
	connecting
)

func connectionStateString(state int32) string {
	switch state {
	case disconnected:
		return "Disconnected"
	case disconnecting:
		return "Disconnecting"
	case connected:
		return "Connected"
	case connecting:
		return "Connecting"
	}
	return ""
}

// Server is a single server within a topology: it owns a CMAP pool, a streaming SDAM monitor, and
// an independent RTT monitor, and publishes description.Server updates to its subscribers (a
// Topology and anyone else who called Subscribe).
type Server struct {
	cfg             *serverConfig
	address         address.Address
	connectionstate int32

	pool       *pool
	monitor    *monitor
	rttMonitor *rttMonitor

	updateTopologyCallback atomic.Value // updateTopologyCallback

	desc atomic.Value // description.Server

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Server
	currentSubscriberID uint64
	subscriptionsClosed bool

	processErrorLock sync.Mutex
}

// updateTopologyCallback is a callback used to create a server that should be called when the parent Topology instance
// should be updated based on a new server description. The callback must return the server description that should be
// stored by the server.
type updateTopologyCallback func(description.Server) description.Server

// ConnectServer creates a new Server and then initializes it using the
// Connect method.
func ConnectServer(addr address.Address, updateCallback updateTopologyCallback, opts ...ServerOption) (*Server, error) {
	srvr, err := NewServer(addr, opts...)
	if err != nil {
		return nil, err
	}
	if err := srvr.Connect(updateCallback); err != nil {
		return nil, err
	}
	return srvr, nil
}

// NewServer creates a new server. The mongodb server at the address will be monitored
// on an internal monitoring goroutine once Connect is called.
func NewServer(addr address.Address, opts ...ServerOption) (*Server, error) {
	cfg, err := newServerConfig(opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		address:     addr,
		subscribers: make(map[uint64]chan description.Server),
	}
	s.desc.Store(description.NewDefaultServer(addr))

	pc := poolConfig{
		Address:     addr,
		MinPoolSize: cfg.minConns,
		MaxPoolSize: cfg.maxConns,
		MaxIdleTime: cfg.connectionPoolMaxIdleTime,
		PoolMonitor: cfg.poolMonitor,
	}

	connectionOpts := append([]ConnectionOption{}, cfg.connectionOpts...)
	connectionOpts = append(connectionOpts,
		WithHandshaker(handshakerFor(cfg)),
		withErrorHandlingCallback(s.processConnectionError),
	)
	s.pool, err = newPool(pc, connectionOpts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// handshakerFor builds the hello-based Handshaker every connection this server dials runs at
// connect time, carrying the server's configured app name, compressors, and declared API version.
func handshakerFor(cfg *serverConfig) driver.Handshaker {
	return helloHandshaker{cfg: cfg}
}

// Connect initializes the Server by starting background monitoring goroutines.
// This method must be called before a Server can be used.
func (s *Server) Connect(updateCallback updateTopologyCallback) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, disconnected, connected) {
		return ErrServerConnected
	}
	s.desc.Store(description.NewDefaultServer(s.address))
	s.updateTopologyCallback.Store(updateCallback)

	if err := s.pool.connect(); err != nil {
		return err
	}

	if !s.cfg.loadBalanced {
		s.monitor = newMonitor(s.address, s.cfg, s.pool, s.updateDescription)
		s.monitor.start()
		s.rttMonitor = newRTTMonitor(s.address, s.cfg, s.cfg.heartbeatInterval)
		s.rttMonitor.start()
	}

	s.emitOpening()
	return nil
}

// Disconnect closes sockets to the server referenced by this Server.
// Subscriptions to this Server will be closed. Disconnect will shutdown
// any monitoring goroutines, close the idle connection pool, and will
// wait until all the in use connections have been returned to the connection
// pool and are closed before returning. If the context expires via
// cancellation, deadline, or timeout before the in use connections have been
// returned, the in use connections will be closed, resulting in the failure of
// any in flight read or write operations. If this method returns with no
// errors, all connections associated with this Server have been closed.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, connected, disconnecting) {
		return ErrServerClosed
	}
	defer atomic.StoreInt32(&s.connectionstate, disconnected)

	s.updateTopologyCallback.Store((updateTopologyCallback)(nil))

	if s.monitor != nil {
		s.monitor.stop()
	}
	if s.rttMonitor != nil {
		s.rttMonitor.stop()
	}

	s.subLock.Lock()
	for id, c := range s.subscribers {
		close(c)
		delete(s.subscribers, id)
	}
	s.subscriptionsClosed = true
	s.subLock.Unlock()

	s.emitClosed()

	return s.pool.disconnect(ctx)
}

// Connection gets a connection to the server.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	if atomic.LoadInt32(&s.connectionstate) != connected {
		return nil, ErrServerClosed
	}

	conn, err := s.pool.get(ctx)
	if err != nil {
		// A dial/handshake error has already been handled by pool.get, which reports it to
		// s.processConnectionError through pool.reportConnectError.
		return nil, err
	}
	return conn, nil
}

// processConnectionError implements SDAM error handling for errors that occur before a
// connection finishes handshaking (§4.8 step 8, applied to pool.get's dial/handshake path).
func (s *Server) processConnectionError(err error, _ uint64, _ *generation) {
	if err == nil {
		return
	}
	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return
	}
	s.updateDescription(description.NewServerFromError(s.address, wrapped, s.Description().TopologyVersion))
	s.pool.clear()
}

// Description returns a description of the server as of the last heartbeat.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// SelectedDescription returns a description.SelectedServer with a Kind of
// Single. This can be used when performing tasks like monitoring a batch
// of servers and you want to run one off commands against those servers.
func (s *Server) SelectedDescription() description.SelectedServer {
	return description.SelectedServer{Server: s.Description(), Kind: description.Single}
}

// Subscribe returns a ServerSubscription which has a channel on which all
// updated server descriptions will be sent. The channel will have a buffer
// size of one, and will be pre-populated with the current description.
func (s *Server) Subscribe() (*ServerSubscription, error) {
	if atomic.LoadInt32(&s.connectionstate) != connected {
		return nil, ErrSubscribeAfterClosed
	}
	ch := make(chan description.Server, 1)
	ch <- s.Description()

	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := s.currentSubscriberID
	s.subscribers[id] = ch
	s.currentSubscriberID++

	return &ServerSubscription{C: ch, s: s, id: id}, nil
}

// RequestImmediateCheck will cause the server to send a heartbeat immediately
// instead of waiting for the heartbeat timeout.
func (s *Server) RequestImmediateCheck() {
	if s.monitor != nil {
		s.monitor.requestImmediateCheck()
	}
}

// ProcessError handles SDAM error handling and implements driver.ErrorProcessor: a command/write
// concern error carrying "not master"/"node is recovering" marks the server Unknown and triggers
// an immediate re-check; any other network-shaped error marks it Unknown and clears the pool.
func (s *Server) ProcessError(err error, conn driver.Connection) description.Server {
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	if err == nil || conn.Stale() {
		return s.Description()
	}

	desc := conn.Description()
	if cerr, ok := err.(driver.Error); ok && (cerr.NodeIsRecovering() || cerr.NotMaster()) {
		if description.CompareTopologyVersion(desc.TopologyVersion, cerr.TopologyVersion) >= 0 {
			return s.Description()
		}
		s.updateDescription(description.NewServerFromError(s.address, err, cerr.TopologyVersion))
		s.RequestImmediateCheck()
		if cerr.NodeIsShuttingDown() || desc.WireVersion == nil || desc.WireVersion.Max < 8 {
			s.pool.clear()
		}
		return s.Description()
	}
	if wcerr, ok := err.(driver.WriteConcernError); ok && (wcerr.NodeIsRecovering() || wcerr.NotMaster()) {
		if description.CompareTopologyVersion(desc.TopologyVersion, wcerr.TopologyVersion) >= 0 {
			return s.Description()
		}
		s.updateDescription(description.NewServerFromError(s.address, err, wcerr.TopologyVersion))
		s.RequestImmediateCheck()
		if wcerr.NodeIsShuttingDown() || desc.WireVersion == nil || desc.WireVersion.Max < 8 {
			s.pool.clear()
		}
		return s.Description()
	}

	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return s.Description()
	}
	if netErr, ok := wrapped.(net.Error); ok && netErr.Timeout() {
		return s.Description()
	}
	if errors.Is(wrapped, context.Canceled) || errors.Is(wrapped, context.DeadlineExceeded) {
		return s.Description()
	}

	s.updateDescription(description.NewServerFromError(s.address, err, desc.TopologyVersion))
	s.pool.clear()
	return s.Description()
}

// updateDescription handles updating the description on the Server, notifying subscribers, and
// overlaying the independently-measured average RTT. Called by the monitor goroutine on every
// heartbeat result.
func (s *Server) updateDescription(desc description.Server) {
	defer func() {
		//  ¯\_(ツ)_/¯
		_ = recover()
	}()

	if s.rttMonitor != nil {
		desc = desc.SetAverageRTT(s.rttMonitor.getRTT())
	}

	if desc.Kind != description.Unknown {
		s.pool.mu.Lock()
		paused := s.pool.state == poolPaused
		s.pool.mu.Unlock()
		if paused {
			s.pool.ready()
		}
	}

	previous := s.Description()

	callback, ok := s.updateTopologyCallback.Load().(updateTopologyCallback)
	if ok && callback != nil {
		desc = callback(desc)
	}
	s.desc.Store(desc)
	s.emitDescriptionChanged(previous, desc)

	s.subLock.Lock()
	for _, c := range s.subscribers {
		select {
		case <-c:
		default:
		}
		c <- desc
	}
	s.subLock.Unlock()
}

func (s *Server) emitOpening() {
	sm := s.cfg.serverMonitor
	if sm == nil || sm.ServerOpening == nil {
		return
	}
	sm.ServerOpening(&event.ServerOpeningEvent{Address: s.address.String()})
}

func (s *Server) emitClosed() {
	sm := s.cfg.serverMonitor
	if sm == nil || sm.ServerClosed == nil {
		return
	}
	sm.ServerClosed(&event.ServerClosedEvent{Address: s.address.String()})
}

func (s *Server) emitDescriptionChanged(previous, current description.Server) {
	sm := s.cfg.serverMonitor
	if sm == nil || sm.ServerDescriptionChanged == nil {
		return
	}
	sm.ServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
		Address:             s.address.String(),
		PreviousDescription: previous,
		NewDescription:      current,
	})
}

// String implements the Stringer interface.
func (s *Server) String() string {
	desc := s.Description()
	connState := atomic.LoadInt32(&s.connectionstate)
	str := fmt.Sprintf("Addr: %s, Type: %s, State: %s",
		s.address, desc.Kind, connectionStateString(connState))
	if len(desc.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %s", desc.Tags)
	}
	if connState == connected {
		str += fmt.Sprintf(", Average RTT: %d", desc.AverageRTT)
	}
	if desc.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", desc.LastError)
	}
	return str
}

// ServerSubscription represents a subscription to the description.Server updates for
// a specific server.
type ServerSubscription struct {
	C  <-chan description.Server
	s  *Server
	id uint64
}

// Unsubscribe unsubscribes this ServerSubscription from updates and closes the
// subscription channel.
func (ss *ServerSubscription) Unsubscribe() error {
	ss.s.subLock.Lock()
	defer ss.s.subLock.Unlock()
	if ss.s.subscriptionsClosed {
		return nil
	}

	ch, ok := ss.s.subscribers[ss.id]
	if !ok {
		return nil
	}

	close(ch)
	delete(ss.s.subscribers, ss.id)

	return nil
}

// unwrapConnectionError returns the connection error wrapped by err, or nil if err does not wrap a connection error.
func unwrapConnectionError(err error) error {
	var connErr ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Wrapped
	}

	var driverErr driver.Error
	if errors.As(err, &driverErr) && driverErr.NetworkError() {
		if errors.As(driverErr.Wrapped, &connErr) {
			return connErr.Wrapped
		}
	}

	return nil
}
