// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"testing"

	"github.com/driftlane/mgdriver/mongo/writeconcern"
	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// TestCommitTransactionRetryUsesMajorityWriteConcern covers spec scenario 5: a commitTransaction
// retry must upgrade to writeConcern:{w:"majority",wtimeout:10000} regardless of the write concern
// the transaction itself started with, and must resend the same recoveryToken.
func TestCommitTransactionRetryUsesMajorityWriteConcern(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	if err := sess.StartTransaction(session.TransactionOptions{}); err != nil {
		t.Fatalf("StartTransaction() error = %v", err)
	}
	recoveryToken := bsoncore.BuildDocument(nil, func(dst []byte) []byte {
		return bsoncore.AppendStringElement(dst, "shardId", "shard0001")
	})
	sess.SetRecoveryToken(recoveryToken)

	conn := &fakeConn{
		desc:    description.Server{WireVersion: &description.VersionRange{Min: 0, Max: 17}},
		errs:    []error{errors.New("connection reset by peer"), nil},
		replies: []bsoncore.Document{nil, okReply(nil)},
	}
	dep := &fakeDeployment{server: &fakeServer{conn: conn}, kind: description.Sharded}

	commit := NewCommitTransaction().
		Session(sess).
		Deployment(dep).
		WriteConcern(writeconcern.New(writeconcern.W(1)))

	if err := commit.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v, want nil after the majority retry succeeds", err)
	}
	if len(conn.sent) != 2 {
		t.Fatalf("expected exactly two commitTransaction attempts, got %d", len(conn.sent))
	}

	first, second := conn.sent[0], conn.sent[1]

	firstWC, ok := first.Lookup("writeConcern").DocumentOK()
	if !ok {
		t.Fatal("first attempt missing writeConcern")
	}
	if w, ok := firstWC.Lookup("w").AsInt64OK(); !ok || w != 1 {
		t.Fatalf("first attempt writeConcern.w = %v, want the original w:1", firstWC.Lookup("w"))
	}

	wcVal, err := second.LookupErr("writeConcern")
	if err != nil {
		t.Fatalf("second attempt missing writeConcern: %v", err)
	}
	wcDoc, ok := wcVal.DocumentOK()
	if !ok {
		t.Fatal("writeConcern is not a document")
	}
	w, ok := wcDoc.Lookup("w").StringValueOK()
	if !ok || w != "majority" {
		t.Fatalf("retry writeConcern.w = %v, want \"majority\"", wcDoc.Lookup("w"))
	}
	wtimeout, ok := wcDoc.Lookup("wtimeout").AsInt64OK()
	if !ok || wtimeout != 10000 {
		t.Fatalf("retry writeConcern.wtimeout = %v, want 10000", wcDoc.Lookup("wtimeout"))
	}

	for i, cmd := range conn.sent {
		rt, ok := cmd.Lookup("recoveryToken").DocumentOK()
		if !ok {
			t.Fatalf("attempt %d missing recoveryToken", i)
		}
		if shardID, _ := rt.Lookup("shardId").StringValueOK(); shardID != "shard0001" {
			t.Fatalf("attempt %d recoveryToken.shardId = %q, want shard0001", i, shardID)
		}
	}
}
