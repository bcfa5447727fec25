// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// Connection is the contract the executor and monitors need from a single stream to a server:
// write one wire message, read one back, and report what was handshaken.
type Connection interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
	Description() description.Server
	Close() error
	ID() string
	Address() address.Address
	// Stale reports whether this connection's generation no longer matches its owning pool's
	// current generation; SDAM error handling ignores errors from stale connections.
	Stale() bool
	// DriverConnectionID is the connection's pool-assigned identity, distinct from the server's
	// own connection id, used to correlate CMAP and command-monitoring events.
	DriverConnectionID() uint64
}

// Server represents a single MongoDB server capable of handing out connections.
type Server interface {
	Connection(context.Context) (Connection, error)
	Description() description.Server
}

// Deployment is implemented by a Topology: it can select a server given a selector and report
// its current description.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Description() description.Topology
	Kind() description.TopologyKind
}

// SingleServerDeployment adapts a single pre-selected Server into a Deployment, used by the
// monitor's own heartbeat operations which bypass selection entirely.
type SingleServerDeployment struct {
	Server Server
}

// SelectServer implements the Deployment interface by returning the wrapped server unconditionally.
func (ssd SingleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return ssd.Server, nil
}

// Description implements the Deployment interface.
func (ssd SingleServerDeployment) Description() description.Topology {
	return description.Topology{Kind: description.Single, Servers: []description.Server{ssd.Server.Description()}}
}

// Kind implements the Deployment interface.
func (ssd SingleServerDeployment) Kind() description.TopologyKind { return description.Single }

// SingleConnectionDeployment adapts a single already-established Connection, bypassing both
// selection and checkout, used by the monitor when re-using its streaming connection to run a
// follow-up hello.
type SingleConnectionDeployment struct {
	Connection Connection
}

// SelectServer implements the Deployment interface.
func (scd SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return SingleConnectionServer{Connection: scd.Connection}, nil
}

// Description implements the Deployment interface.
func (scd SingleConnectionDeployment) Description() description.Topology {
	return description.Topology{Kind: description.Single, Servers: []description.Server{scd.Connection.Description()}}
}

// Kind implements the Deployment interface.
func (scd SingleConnectionDeployment) Kind() description.TopologyKind { return description.Single }

// SingleConnectionServer adapts a Connection into a Server that always returns that connection.
type SingleConnectionServer struct {
	Connection Connection
}

// Connection implements the Server interface.
func (scs SingleConnectionServer) Connection(context.Context) (Connection, error) {
	return scs.Connection, nil
}

// Description implements the Server interface.
func (scs SingleConnectionServer) Description() description.Server { return scs.Connection.Description() }

// Handshaker performs a MongoDB handshake (hello + optional auth) over a Connection during
// connection establishment and reports the resulting server description.
type Handshaker interface {
	GetHandshakeInformation(ctx context.Context, addr address.Address, conn Connection) (HandshakeInformation, error)
	FinishHandshake(ctx context.Context, conn Connection) error
}

// HandshakeInformation is the result of the initial hello sent during connection establishment.
type HandshakeInformation struct {
	Description             description.Server
	SpeculativeAuthenticate bsoncore.Document
	ServerConnectionID      *int32
	SaslSupportedMechs      []string
}

// ServerAPIOptions configures the stable API version sent with every command, when requested.
type ServerAPIOptions struct {
	ServerAPIVersion  string
	Strict            *bool
	DeprecationErrors *bool
}

// ErrorProcessor is implemented by a Server: it receives errors observed by the executor so SDAM
// state can be updated per §4.5/§4.8 step 8.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection) description.Server
}
