// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// fakeConn is a driver.Connection that decodes every outgoing command and replays a scripted
// sequence of replies (or network errors) on each subsequent ReadWireMessage call, letting a test
// drive Operation.Execute's retry loop without a real server.
type fakeConn struct {
	addr    address.Address
	desc    description.Server
	sent    []bsoncore.Document
	replies []bsoncore.Document
	errs    []error
	call    int
}

func (c *fakeConn) WriteWireMessage(_ context.Context, wm []byte) error {
	cmd, err := driver.DecodeReply(wm)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) ReadWireMessage(_ context.Context) ([]byte, error) {
	i := c.call
	c.call++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	var reply bsoncore.Document
	if i < len(c.replies) {
		reply = c.replies[i]
	}
	return driver.EncodeCommand(int32(i+1), "reply", reply, nil, nil)
}

func (c *fakeConn) Description() description.Server { return c.desc }
func (c *fakeConn) Close() error                    { return nil }
func (c *fakeConn) ID() string                      { return "fake" }
func (c *fakeConn) Address() address.Address        { return c.addr }
func (c *fakeConn) Stale() bool                      { return false }
func (c *fakeConn) DriverConnectionID() uint64       { return 1 }

// fakeServer hands out the same fakeConn on every call, so a retried operation's second attempt
// observes the next scripted reply rather than restarting the script.
type fakeServer struct {
	conn *fakeConn
}

func (s *fakeServer) Connection(context.Context) (driver.Connection, error) { return s.conn, nil }
func (s *fakeServer) Description() description.Server                      { return s.conn.desc }

// fakeDeployment ignores the selector it's given and always hands back the same server, which is
// enough to exercise command assembly/retry without a real topology.
type fakeDeployment struct {
	server *fakeServer
	kind   description.TopologyKind
}

func (d *fakeDeployment) SelectServer(context.Context, description.ServerSelector) (driver.Server, error) {
	return d.server, nil
}

func (d *fakeDeployment) Description() description.Topology {
	return description.Topology{Kind: d.kind, Servers: []description.Server{d.server.conn.desc}}
}

func (d *fakeDeployment) Kind() description.TopologyKind { return d.kind }

func okReply(extra func(dst []byte) []byte) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 1)
	if extra != nil {
		dst = extra(dst)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return bsoncore.Document(dst)
}

func errorReply(code int32, codeName, errmsg string) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 0)
	dst = bsoncore.AppendInt32Element(dst, "code", code)
	dst = bsoncore.AppendStringElement(dst, "codeName", codeName)
	dst = bsoncore.AppendStringElement(dst, "errmsg", errmsg)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return bsoncore.Document(dst)
}
