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
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// TestFindRetriesOnReadConcernMajorityNotAvailableYet covers spec scenario 2: a find that fails
// its first attempt with code 134 must retry once and succeed, issuing exactly two commands.
func TestFindRetriesOnReadConcernMajorityNotAvailableYet(t *testing.T) {
	t.Parallel()

	cursorReply := okReply(func(dst []byte) []byte {
		idx, cursor := bsoncore.AppendDocumentStart(nil)
		cursor = bsoncore.AppendInt64Element(cursor, "id", 0)
		cursor = bsoncore.AppendStringElement(cursor, "ns", "db.coll")
		bidx, batch := bsoncore.AppendDocumentStart(nil)
		batch, _ = bsoncore.AppendArrayEnd(batch, bidx)
		cursor = bsoncore.AppendArrayElement(cursor, "firstBatch", batch)
		cursor, _ = bsoncore.AppendDocumentEnd(cursor, idx)
		return bsoncore.AppendDocumentElement(dst, "cursor", cursor)
	})

	conn := &fakeConn{
		replies: []bsoncore.Document{errorReply(134, "ReadConcernMajorityNotAvailableYet", "not yet available"), cursorReply},
	}
	dep := &fakeDeployment{server: &fakeServer{conn: conn}, kind: description.Single}

	find := NewFind("coll", nil).Database("db").Deployment(dep).Retry(driver.RetryOnce)
	if err := find.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() = %v, want nil after one retry", err)
	}

	if len(conn.sent) != 2 {
		t.Fatalf("expected exactly two find commands sent, got %d", len(conn.sent))
	}
	for _, cmd := range conn.sent {
		if _, err := cmd.LookupErr("find"); err != nil {
			t.Fatalf("expected a find command, got %v", cmd)
		}
	}
}

// TestFindNoRetryWithoutRetryMode confirms a caller that never sets Retry gets the first error
// back unretried, matching retryReads:false.
func TestFindNoRetryWithoutRetryMode(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		replies: []bsoncore.Document{errorReply(134, "ReadConcernMajorityNotAvailableYet", "not yet available")},
	}
	dep := &fakeDeployment{server: &fakeServer{conn: conn}, kind: description.Single}

	find := NewFind("coll", nil).Database("db").Deployment(dep)
	if err := find.Execute(context.Background()); err == nil {
		t.Fatal("expected an error with no retry configured")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected exactly one find command sent, got %d", len(conn.sent))
	}
}
