// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/operation"
)

// monitor runs the SDAM heartbeat loop for a single server address: a persistent connection
// running hello in exhaust (streaming) mode when the server supports it, falling back to a plain
// hello polled every heartbeatFrequencyMS otherwise. It is a separate goroutine from Server so
// that a blocked streaming read never holds up RTT sampling (rttMonitor) or pool use.
type monitor struct {
	address address.Address
	cfg     *serverConfig
	pool    *pool
	publish func(description.Server)

	checkNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	conn *connection
}

func newMonitor(addr address.Address, cfg *serverConfig, pool *pool, publish func(description.Server)) *monitor {
	return &monitor{
		address:  addr,
		cfg:      cfg,
		pool:     pool,
		publish:  publish,
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (m *monitor) start() {
	m.wg.Add(1)
	go m.run()
}

// stop shuts the monitor goroutine down and closes its persistent connection, if any.
func (m *monitor) stop() {
	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// requestImmediateCheck asks the monitor to run a heartbeat now instead of waiting for the next
// tick, used after an operation observes a "not master"/"node is recovering" error.
func (m *monitor) requestImmediateCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

func (m *monitor) run() {
	defer m.wg.Done()

	m.heartbeat()

	ticker := time.NewTicker(m.cfg.heartbeatInterval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		streaming := m.conn != nil && m.conn.CurrentlyStreaming()
		m.mu.Unlock()

		if streaming {
			// The server paces streaming replies itself via maxAwaitTimeMS; block on the next
			// exhaust frame instead of waiting on the heartbeatInterval ticker.
			select {
			case <-m.done:
				return
			default:
			}
			m.streamNext()
			continue
		}

		select {
		case <-m.done:
			return
		case <-ticker.C:
		case <-m.checkNow:
		}
		m.heartbeat()
	}
}

// heartbeat runs a single non-streaming hello, dialing a fresh connection if the monitor doesn't
// have a live one. On success, if the reply carries a topologyVersion, the connection transitions
// to exhaust/streaming mode for the next run loop iteration; otherwise it stays in polling mode
// and is reused on the next tick.
func (m *monitor) heartbeat() {
	const maxRetry = 2
	var desc description.Server
	var lastErr error

	for attempt := 1; attempt <= maxRetry; attempt++ {
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()

		if conn == nil || conn.closed() {
			var err error
			conn, err = m.dial()
			if err != nil {
				lastErr = err
				m.mu.Lock()
				m.conn = nil
				m.mu.Unlock()
				m.pool.clear()
				continue
			}
			// The handshake hello already produced a description; no separate round trip needed.
			desc = conn.Description()
			m.mu.Lock()
			m.conn = conn
			m.mu.Unlock()
			m.emitSucceeded(conn, desc, false)
			break
		}

		h := operation.NewHello().
			ClusterClock(m.cfg.clock).
			AppName(m.cfg.appname).
			Compressors(m.cfg.compressionOpts).
			ServerAPI(m.cfg.serverAPI).
			Deployment(driver.SingleConnectionDeployment{Connection: conn})
		if tv := m.descriptionOrDefault().TopologyVersion; tv != nil {
			h = h.TopologyVersion(tv).MaxAwaitTimeMS(int64(m.cfg.heartbeatInterval / time.Millisecond))
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.heartbeatTimeout)
		m.emitStarted(conn, false)
		start := time.Now()
		err := h.Execute(ctx)
		cancel()
		if err != nil {
			lastErr = err
			m.emitFailed(conn, time.Since(start), err, false)
			conn.close()
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			m.pool.clear()
			continue
		}

		desc = h.Result(m.address)
		desc.HeartbeatInterval = m.cfg.heartbeatInterval
		m.emitSucceeded(conn, desc, false)
		break
	}

	if lastErr != nil && desc.Kind == description.Unknown && desc.LastError == nil {
		desc = description.NewServerFromError(m.address, lastErr, m.descriptionOrDefault().TopologyVersion)
	}

	if desc.TopologyVersion != nil {
		m.mu.Lock()
		if m.conn != nil {
			m.conn.SetStreaming(true)
		}
		m.mu.Unlock()
	}

	m.publish(desc)
}

// streamNext reads the next exhaust-mode reply off the monitor's persistent connection without
// sending a new request, per the streaming protocol's moreToCome semantics.
func (m *monitor) streamNext() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	awaitTimeMS := int64(m.cfg.heartbeatInterval / time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.heartbeatTimeout+m.cfg.heartbeatInterval)
	defer cancel()

	h := operation.NewHello().ClusterClock(m.cfg.clock).MaxAwaitTimeMS(awaitTimeMS)

	m.emitStarted(conn, true)
	start := time.Now()
	err := h.StreamResponse(ctx, conn)
	if err != nil {
		m.emitFailed(conn, time.Since(start), err, true)
		conn.SetStreaming(false)
		conn.close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		m.pool.clear()
		m.publish(description.NewServerFromError(m.address, err, m.descriptionOrDefault().TopologyVersion))
		return
	}

	desc := h.Result(m.address)
	desc.HeartbeatInterval = m.cfg.heartbeatInterval
	m.emitSucceeded(conn, desc, true)
	m.publish(desc)
}

// dial establishes a fresh monitoring connection and runs its handshake hello, producing the
// connection's initial description in the same step (the Handshaker result, not a follow-up
// round trip).
func (m *monitor) dial() (*connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.connectTimeout)
	defer cancel()

	opts := append([]ConnectionOption{}, m.cfg.connectionOpts...)
	opts = append(opts,
		WithConnectTimeout(m.cfg.heartbeatTimeout),
		WithReadTimeout(m.cfg.heartbeatTimeout),
		WithWriteTimeout(m.cfg.heartbeatTimeout),
		WithMonitor(nil),
		WithHandshaker(operation.NewHello().
			AppName(m.cfg.appname).
			ClusterClock(m.cfg.clock).
			Compressors(m.cfg.compressionOpts).
			ServerAPI(m.cfg.serverAPI)),
	)

	conn, err := newConnection(m.address, opts...)
	if err != nil {
		return nil, err
	}
	if err := conn.connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *monitor) descriptionOrDefault() description.Server {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return description.NewDefaultServer(m.address)
	}
	return conn.desc
}

func (m *monitor) emitStarted(conn *connection, awaited bool) {
	sm := m.cfg.serverMonitor
	if sm == nil || sm.ServerHeartbeatStarted == nil {
		return
	}
	sm.ServerHeartbeatStarted(&event.ServerHeartbeatStartedEvent{ConnectionID: conn.ID(), Awaited: awaited})
}

func (m *monitor) emitSucceeded(conn *connection, desc description.Server, awaited bool) {
	sm := m.cfg.serverMonitor
	if sm == nil || sm.ServerHeartbeatSucceeded == nil {
		return
	}
	sm.ServerHeartbeatSucceeded(&event.ServerHeartbeatSucceededEvent{
		ConnectionID: conn.ID(),
		Awaited:      awaited,
	})
}

func (m *monitor) emitFailed(conn *connection, d time.Duration, err error, awaited bool) {
	sm := m.cfg.serverMonitor
	if sm == nil || sm.ServerHeartbeatFailed == nil {
		return
	}
	sm.ServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{
		DurationNanos: int64(d),
		Failure:       err,
		ConnectionID:  conn.ID(),
		Awaited:       awaited,
	})
}
