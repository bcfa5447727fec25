// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
)

// poolState mirrors the three CMAP pool states.
type poolState uint8

const (
	poolPaused poolState = iota
	poolReady
	poolClosed
)

// generation tracks the pool's current connection generation, bumped on every clear. A
// connection captures the generation active when it was checked out; it is Stale once that
// number no longer matches, which is how SDAM error handling avoids double-processing errors
// from connections a previous clear already invalidated.
type generation struct {
	mu    sync.Mutex
	count uint64
}

func (g *generation) get() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

func (g *generation) bump() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count++
	return g.count
}

type poolConfig struct {
	Address     address.Address
	MinPoolSize uint64
	MaxPoolSize uint64
	MaxIdleTime time.Duration
	PoolMonitor *event.PoolMonitor
}

// pool is a CMAP connection pool for a single server address.
type pool struct {
	address address.Address
	monitor *event.PoolMonitor

	minSize     uint64
	maxSize     uint64
	maxIdleTime time.Duration
	connOpts    []ConnectionOption

	generation *generation

	mu      sync.Mutex
	cond    *sync.Cond
	state   poolState
	idle    []*connection
	active  map[*connection]struct{}
	total   uint64

	populateDone chan struct{}
}

func newPool(cfg poolConfig, connOpts ...ConnectionOption) (*pool, error) {
	p := &pool{
		address:      cfg.Address,
		monitor:      cfg.PoolMonitor,
		minSize:      cfg.MinPoolSize,
		maxSize:      cfg.MaxPoolSize,
		maxIdleTime:  cfg.MaxIdleTime,
		connOpts:     connOpts,
		generation:   &generation{},
		state:        poolPaused,
		active:       make(map[*connection]struct{}),
		populateDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

func (p *pool) getGeneration() uint64 { return p.generation.get() }

// connect transitions the pool to Ready and starts background minPoolSize population, per
// §4.3's "PoolCreatedEvent, then Ready on Server.Connect" lifecycle.
func (p *pool) connect() error {
	p.mu.Lock()
	p.state = poolReady
	p.mu.Unlock()

	p.emit(event.PoolEvent{Type: event.ConnectionPoolCreated, Address: p.address.String()})
	p.emit(event.PoolEvent{Type: event.ConnectionPoolReady, Address: p.address.String()})

	if p.minSize > 0 {
		go p.populate()
	}
	return nil
}

func (p *pool) populate() {
	for {
		p.mu.Lock()
		if p.state != poolReady || p.total >= p.minSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := newConnection(p.address, p.connOpts...)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		if err := conn.connect(context.Background()); err != nil {
			p.reportConnectError(conn, err)
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		conn.poolGeneration = p.generation.get()
		conn.owningGeneration = p.generation

		p.mu.Lock()
		if p.state != poolReady {
			p.mu.Unlock()
			conn.close()
			return
		}
		p.idle = append(p.idle, conn)
		p.cond.Signal()
		p.mu.Unlock()
	}
}

// reportConnectError runs the connection's configured SDAM error-handling callback (set via
// withErrorHandlingCallback) after a dial/handshake failure, so Server.processConnectionError can
// mark the server Unknown per §4.8 step 8 even though the connection never reached the idle pool.
func (p *pool) reportConnectError(conn *connection, err error) {
	if conn.cfg.errorHandlingCallback == nil {
		return
	}
	conn.cfg.errorHandlingCallback(err, conn.driverConnectionID, p.generation)
}

// get checks out a connection, creating one if the pool is under maxSize, or waiting for one to
// be checked in otherwise. Returns driver.PoolClearedError immediately if the pool is Paused.
func (p *pool) get(ctx context.Context) (*connection, error) {
	p.emit(event.PoolEvent{Type: event.ConnectionCheckOutStarted, Address: p.address.String()})

	p.mu.Lock()
	for {
		if p.state == poolClosed {
			p.mu.Unlock()
			return nil, driver.PoolClearedError{Address: p.address.String(), Wrapped: fmt.Errorf("pool is closed")}
		}
		if p.state == poolPaused {
			p.mu.Unlock()
			err := driver.PoolClearedError{Address: p.address.String(), Wrapped: fmt.Errorf("pool was cleared by a prior SDAM error")}
			p.emit(event.PoolEvent{Type: event.ConnectionCheckOutFailed, Address: p.address.String(), Reason: "poolCleared"})
			return nil, err
		}

		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if p.maxIdleTime > 0 && conn.idleSince.Add(p.maxIdleTime).Before(time.Now()) {
				conn.close()
				p.total--
				continue
			}
			if conn.generationAtCheckout() != p.generation.get() {
				conn.close()
				p.total--
				continue
			}

			p.active[conn] = struct{}{}
			p.mu.Unlock()
			p.emit(event.PoolEvent{Type: event.ConnectionCheckedOut, Address: p.address.String(), ConnectionID: conn.driverConnectionID})
			return conn, nil
		}

		if p.total < p.maxSize || p.maxSize == 0 {
			p.total++
			p.mu.Unlock()

			conn, err := newConnection(p.address, p.connOpts...)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			if err := conn.connect(ctx); err != nil {
				p.reportConnectError(conn, err)
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			conn.poolGeneration = p.generation.get()
			conn.owningGeneration = p.generation

			p.mu.Lock()
			p.active[conn] = struct{}{}
			p.mu.Unlock()
			p.emit(event.PoolEvent{Type: event.ConnectionCheckedOut, Address: p.address.String(), ConnectionID: conn.driverConnectionID})
			return conn, nil
		}

		waitCh := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-waitCh:
			}
			p.cond.Broadcast()
		}()
		p.cond.Wait()
		close(waitCh)

		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// checkin returns a connection to the idle list, or closes it if the pool is no longer Ready or
// the connection's generation predates the most recent clear.
func (p *pool) checkin(conn *connection) {
	p.mu.Lock()
	delete(p.active, conn)

	if p.state != poolReady || conn.generationAtCheckout() != p.generation.get() || conn.closed() {
		p.total--
		p.mu.Unlock()
		conn.close()
		p.emit(event.PoolEvent{Type: event.ConnectionCheckedIn, Address: p.address.String(), ConnectionID: conn.driverConnectionID})
		p.emit(event.PoolEvent{Type: event.ConnectionClosed, Address: p.address.String(), ConnectionID: conn.driverConnectionID})
		return
	}

	conn.idleSince = time.Now()
	p.idle = append(p.idle, conn)
	p.cond.Signal()
	p.mu.Unlock()

	p.emit(event.PoolEvent{Type: event.ConnectionCheckedIn, Address: p.address.String(), ConnectionID: conn.driverConnectionID})
}

// clear bumps the generation and transitions the pool to Paused, per §4.3: existing checked-out
// connections become stale (ignored by SDAM error handling) and idle connections are discarded.
// This is what the Server calls whenever SDAM invalidates its description.
func (p *pool) clear() {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return
	}
	p.generation.bump()
	p.state = poolPaused
	idle := p.idle
	p.idle = nil
	p.total -= uint64(len(idle))
	p.mu.Unlock()

	for _, conn := range idle {
		conn.close()
	}
	p.emit(event.PoolEvent{Type: event.ConnectionPoolCleared, Address: p.address.String()})
	p.cond.Broadcast()
}

// ready transitions a Paused pool back to Ready, called once a fresh heartbeat confirms the
// server is reachable again.
func (p *pool) ready() {
	p.mu.Lock()
	if p.state == poolPaused {
		p.state = poolReady
		if p.minSize > 0 {
			go p.populate()
		}
	}
	p.mu.Unlock()
	p.emit(event.PoolEvent{Type: event.ConnectionPoolReady, Address: p.address.String()})
}

// disconnect closes the pool: marks it Closed and closes every idle and active connection.
func (p *pool) disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.state = poolClosed
	idle := p.idle
	p.idle = nil
	active := make([]*connection, 0, len(p.active))
	for conn := range p.active {
		active = append(active, conn)
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, conn := range idle {
		conn.close()
	}

	if len(active) == 0 {
		p.emit(event.PoolEvent{Type: event.ConnectionPoolClosed, Address: p.address.String()})
		return nil
	}

	deadline := time.After(30 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = time.After(time.Until(dl))
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			remaining := len(p.active)
			p.mu.Unlock()
			if remaining == 0 {
				p.emit(event.PoolEvent{Type: event.ConnectionPoolClosed, Address: p.address.String()})
				return nil
			}
		case <-deadline:
			for _, conn := range active {
				conn.close()
			}
			p.emit(event.PoolEvent{Type: event.ConnectionPoolClosed, Address: p.address.String()})
			return nil
		case <-ctx.Done():
			for _, conn := range active {
				conn.close()
			}
			p.emit(event.PoolEvent{Type: event.ConnectionPoolClosed, Address: p.address.String()})
			return ctx.Err()
		}
	}
}

func (p *pool) emit(evt event.PoolEvent) {
	if p.monitor == nil || p.monitor.Event == nil {
		return
	}
	p.monitor.Event(&evt)
}
