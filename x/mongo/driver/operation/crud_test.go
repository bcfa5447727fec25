// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"testing"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// newTestSession builds a bare ClientSession backed by a fresh in-memory pool, good enough for
// exercising transaction state transitions without a real deployment.
func newTestSession(t *testing.T) *session.Client {
	t.Helper()
	sess, err := session.NewClientSession(session.NewPool(), &session.ClusterClock{}, false)
	if err != nil {
		t.Fatalf("NewClientSession() error = %v", err)
	}
	return sess
}

// TestFinishTransactionHandshakePins covers the pinning half of spec scenario 4: the first
// command of a transaction against a mongos must pin the session to that mongos and advance the
// transaction to InProgress.
func TestFinishTransactionHandshakePins(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	if err := sess.StartTransaction(session.TransactionOptions{}); err != nil {
		t.Fatalf("StartTransaction() error = %v", err)
	}
	if !sess.IsStartingTransaction() {
		t.Fatal("expected a freshly started transaction to be in the Starting state")
	}

	info := driver.ResponseInfo{
		ServerResponse:        okReply(nil),
		Connection:            &fakeConn{addr: address.Address("mongos1.example.com:27017")},
		ConnectionDescription: description.Server{Kind: description.Mongos},
	}

	finishTransactionHandshake(sess, info)

	if got := sess.PinnedServer(); got != "mongos1.example.com:27017" {
		t.Fatalf("PinnedServer() = %q, want the mongos that answered the first command", got)
	}
	if sess.IsStartingTransaction() {
		t.Fatal("expected the transaction to have advanced out of Starting")
	}
	if !sess.InActiveTransaction() {
		t.Fatal("expected the transaction to remain active (InProgress) after the handshake")
	}
}

// TestFinishTransactionHandshakeNoPinOutsideMongos confirms a non-mongos topology never pins,
// since pinning only matters for routing every subsequent command of the transaction through the
// same mongos.
func TestFinishTransactionHandshakeNoPinOutsideMongos(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	if err := sess.StartTransaction(session.TransactionOptions{}); err != nil {
		t.Fatalf("StartTransaction() error = %v", err)
	}

	info := driver.ResponseInfo{
		ServerResponse:        okReply(nil),
		Connection:            &fakeConn{addr: address.Address("rs0-1.example.com:27017")},
		ConnectionDescription: description.Server{Kind: description.RSPrimary},
	}

	finishTransactionHandshake(sess, info)

	if got := sess.PinnedServer(); got != "" {
		t.Fatalf("PinnedServer() = %q, want no pin against a replica set primary", got)
	}
}

// TestCommitTransactionUnpins covers the unpin half of spec scenario 4: once commitTransaction
// clears the transaction state, the session must no longer report a pinned mongos, so later
// operations fall back to ordinary server selection.
func TestCommitTransactionUnpins(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	if err := sess.StartTransaction(session.TransactionOptions{}); err != nil {
		t.Fatalf("StartTransaction() error = %v", err)
	}
	sess.PinToServer("mongos1.example.com:27017")
	sess.AdvanceToInProgress()

	conn := &fakeConn{replies: []bsoncore.Document{okReply(nil)}}
	dep := &fakeDeployment{server: &fakeServer{conn: conn}, kind: description.Sharded}

	commit := NewCommitTransaction().Session(sess).Deployment(dep)
	if err := commit.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := sess.PinnedServer(); got != "" {
		t.Fatalf("PinnedServer() = %q, want unpinned after commit clears transaction state", got)
	}
	if sess.InActiveTransaction() {
		t.Fatal("expected the transaction to no longer be active after commit")
	}
}
