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

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// TestInsertRetryExhaustion covers spec scenario 3: a retryable write that fails across two
// consecutive failovers exhausts RetryOnce's budget and surfaces the last network error.
func TestInsertRetryExhaustion(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		errs: []error{errors.New("connection reset by peer"), errors.New("connection reset by peer")},
	}
	dep := &fakeDeployment{server: &fakeServer{conn: conn}, kind: description.Single}

	doc := bsoncore.BuildDocument(nil, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "_id", 1)
	})
	insert := NewInsert("coll", doc).Database("db").Deployment(dep).Retry(driver.RetryOnce)

	err := insert.Execute(context.Background())
	if err == nil {
		t.Fatal("expected an error after exhausting the retry budget")
	}

	var netErr driver.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected the final error to be a driver.NetworkError, got %#v", err)
	}

	if len(conn.sent) != 2 {
		t.Fatalf("expected exactly two insert attempts, got %d", len(conn.sent))
	}
}

// TestInsertSucceedsAfterRetryableWriteError covers a single-document insert whose first attempt
// replies ok:1 with a writeConcernError carrying the RetryableWriteError label: the executor must
// still retry even though the reply itself said ok:1.
func TestInsertSucceedsAfterRetryableWriteError(t *testing.T) {
	t.Parallel()

	failReply := okReply(func(dst []byte) []byte {
		idx, wce := bsoncore.AppendDocumentStart(nil)
		wce = bsoncore.AppendInt32Element(wce, "code", 91)
		wce = bsoncore.AppendStringElement(wce, "errmsg", "shutdown in progress")
		wce, _ = bsoncore.AppendDocumentEnd(wce, idx)
		dst = bsoncore.AppendDocumentElement(dst, "writeConcernError", wce)

		lidx, labels := bsoncore.AppendArrayElementStart(nil, "errorLabels")
		labels = bsoncore.AppendStringElement(labels, "0", "RetryableWriteError")
		labels, _ = bsoncore.AppendArrayEnd(labels, lidx)
		dst = bsoncore.AppendArrayElement(dst, "errorLabels", labels)
		return dst
	})

	successReply := okReply(func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "n", 1)
	})

	conn := &fakeConn{replies: []bsoncore.Document{failReply, successReply}}
	dep := &fakeDeployment{server: &fakeServer{conn: conn}, kind: description.Single}

	doc := bsoncore.BuildDocument(nil, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "_id", 1)
	})
	insert := NewInsert("coll", doc).Database("db").Deployment(dep).Retry(driver.RetryOnce)

	if err := insert.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() = %v, want nil after retrying the labeled write error", err)
	}
	if n := insert.Result().N; n != 1 {
		t.Fatalf("Result().N = %d, want 1", n)
	}
	if len(conn.sent) != 2 {
		t.Fatalf("expected exactly two insert attempts, got %d", len(conn.sent))
	}
}
