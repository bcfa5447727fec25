// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// ConnectionError is returned when dialing or handshaking a new connection fails, wrapping the
// underlying network/TLS/handshake error so SDAM error handling (Server.processConnectionError,
// via unwrapConnectionError) can unwrap it.
type ConnectionError struct {
	Address address.Address
	Wrapped error
	init    bool
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %s", e.Address, e.Wrapped)
}

func (e ConnectionError) Unwrap() error { return e.Wrapped }

var globalConnectionID uint64

// connection wraps a single net.Conn speaking the MongoDB wire protocol to one address.
type connection struct {
	cfg     *connectionConfig
	address address.Address

	nc   net.Conn
	desc description.Server

	driverConnectionID uint64
	poolGeneration      uint64
	owningGeneration    *generation
	idleSince           time.Time

	connectErr error
	connected  int32 // atomic: 0 = not yet connected, 1 = connected, 2 = closed

	streaming int32 // atomic: 1 once a streaming hello's initial exhaust request has been sent

	readMu  sync.Mutex
	writeMu sync.Mutex
}

func newConnection(addr address.Address, opts ...ConnectionOption) (*connection, error) {
	cfg := newConnectionConfig(opts...)
	return &connection{
		cfg:                 cfg,
		address:             addr,
		driverConnectionID:  atomic.AddUint64(&globalConnectionID, 1),
		idleSince:           time.Now(),
	}, nil
}

// connect dials the address, optionally negotiates TLS, and runs the configured Handshaker. On
// any failure the connection is closed and a ConnectionError is returned so the caller (pool.get,
// monitor.dial) can route it through SDAM error handling.
func (c *connection) connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return nil
	}

	var cancel context.CancelFunc
	if c.cfg.connectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancel()
	}

	network := c.address.Network()
	nc, err := c.cfg.dialer.DialContext(ctx, network, c.address.String())
	if err != nil {
		atomic.StoreInt32(&c.connected, 2)
		return ConnectionError{Address: c.address, Wrapped: err, init: true}
	}

	if c.cfg.tlsConfig != nil {
		tlsConn := tls.Client(nc, c.cfg.tlsConfig)
		if deadline, ok := ctx.Deadline(); ok {
			_ = tlsConn.SetDeadline(deadline)
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			atomic.StoreInt32(&c.connected, 2)
			return ConnectionError{Address: c.address, Wrapped: err, init: true}
		}
		_ = tlsConn.SetDeadline(time.Time{})
		nc = tlsConn
	}

	c.nc = nc

	if c.cfg.handshaker != nil {
		info, err := c.cfg.handshaker.GetHandshakeInformation(ctx, c.address, c)
		if err != nil {
			nc.Close()
			atomic.StoreInt32(&c.connected, 2)
			return ConnectionError{Address: c.address, Wrapped: err, init: true}
		}
		c.desc = info.Description
		if err := c.cfg.handshaker.FinishHandshake(ctx, c); err != nil {
			nc.Close()
			atomic.StoreInt32(&c.connected, 2)
			return ConnectionError{Address: c.address, Wrapped: err, init: true}
		}
	}

	return nil
}

func (c *connection) generationAtCheckout() uint64 { return c.poolGeneration }

func (c *connection) closed() bool { return atomic.LoadInt32(&c.connected) == 2 }

func (c *connection) close() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 2) {
		atomic.StoreInt32(&c.connected, 2)
	}
	if c.nc == nil {
		return nil
	}
	return c.nc.Close()
}

// WriteWireMessage writes a complete, length-prefixed wire message to the connection.
func (c *connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed() {
		return driver.NetworkError{Kind: driver.NetworkErrorWrite, Wrapped: fmt.Errorf("connection is closed")}
	}

	deadline := time.Time{}
	if c.cfg.writeTimeout > 0 {
		deadline = time.Now().Add(c.cfg.writeTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	if !deadline.IsZero() {
		_ = c.nc.SetWriteDeadline(deadline)
	}

	_, err := c.nc.Write(wm)
	if err != nil {
		c.close()
		return driver.NetworkError{Kind: driver.NetworkErrorWrite, Wrapped: err}
	}
	return nil
}

// ReadWireMessage reads one complete wire message (header + body) from the connection.
func (c *connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed() {
		return nil, driver.NetworkError{Kind: driver.NetworkErrorRead, Wrapped: fmt.Errorf("connection is closed")}
	}

	deadline := time.Time{}
	if c.cfg.readTimeout > 0 {
		deadline = time.Now().Add(c.cfg.readTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	if !deadline.IsZero() {
		_ = c.nc.SetReadDeadline(deadline)
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		c.close()
		return nil, driver.NetworkError{Kind: driver.NetworkErrorRead, Wrapped: err}
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 16 {
		c.close()
		return nil, driver.ProtocolError{Message: "message length is too small"}
	}

	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, buf[4:]); err != nil {
		c.close()
		return nil, driver.NetworkError{Kind: driver.NetworkErrorRead, Wrapped: err}
	}
	return buf, nil
}

// Description implements driver.Connection.
func (c *connection) Description() description.Server { return c.desc }

// Close implements driver.Connection by closing the underlying socket; it does not check the
// connection back in to its pool.
func (c *connection) Close() error { return c.close() }

// ID implements driver.Connection.
func (c *connection) ID() string {
	return fmt.Sprintf("%s[%d]", c.address, c.driverConnectionID)
}

// Stale implements driver.Connection: true if this connection was checked out under a generation
// the owning pool has since bumped via clear(), meaning a previous clear already invalidated it
// and SDAM error handling should ignore any error it now reports.
func (c *connection) Stale() bool {
	if c.owningGeneration == nil {
		return false
	}
	return c.poolGeneration != c.owningGeneration.get()
}

// DriverConnectionID implements driver.Connection.
func (c *connection) DriverConnectionID() uint64 { return c.driverConnectionID }

// Address implements driver.Connection.
func (c *connection) Address() address.Address { return c.address }

// CurrentlyStreaming implements driver.StreamerConnection: true once the initial exhaust-mode
// hello request has been sent and the server may still be pushing moreToCome replies.
func (c *connection) CurrentlyStreaming() bool {
	return atomic.LoadInt32(&c.streaming) == 1
}

// SetStreaming implements driver.StreamerConnection.
func (c *connection) SetStreaming(streaming bool) {
	v := int32(0)
	if streaming {
		v = 1
	}
	atomic.StoreInt32(&c.streaming, v)
}

// SupportsStreaming implements driver.StreamerConnection: the server's hello reply carries a
// topologyVersion only when it understands the streaming protocol (wire version >= 9 / 4.4+).
func (c *connection) SupportsStreaming() bool {
	return c.desc.TopologyVersion != nil
}

var _ driver.StreamerConnection = (*connection)(nil)
