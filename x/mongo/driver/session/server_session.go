// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
)

// ServerSession represents a server session identifier (lsid) and the transaction counter scoped
// to it, per the data model's requirement that every operation attach an lsid and, for retryable
// writes, a monotonically increasing txnNumber.
type ServerSession struct {
	SessionID  bsoncore.Document
	LastUsed   time.Time
	txnNumber  int64
	Dirty      bool
}

// newServerSession generates a fresh 16-byte UUID-backed lsid document: {id: <binary subtype 4>}.
func newServerSession() (*ServerSession, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}

	var idx int32
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = appendUUIDElement(dst, "id", id)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)

	return &ServerSession{SessionID: dst, LastUsed: time.Now()}, nil
}

func appendUUIDElement(dst []byte, key string, id []byte) []byte {
	dst = bsoncore.AppendHeader(dst, 0x05, key) // BSON binary
	dst = append(dst, byte(len(id)), byte(len(id)>>8), byte(len(id)>>16), byte(len(id)>>24))
	dst = append(dst, 0x04) // subtype 4: UUID
	return append(dst, id...)
}

// expired reports whether this session has been idle for longer than timeoutMinutes minus one
// minute. A timeoutMinutes of zero or less means the session never expires.
func (ss *ServerSession) expired(timeoutMinutes int64) bool {
	if timeoutMinutes <= 0 {
		return false
	}
	idleSince := time.Since(ss.LastUsed)
	// The server actively prunes sessions one minute before the declared timeout, per the
	// logicalSessionTimeoutMinutes contract; mirror that margin so we never hand out a session
	// the server is about to reap out from under us.
	return idleSince > time.Duration(timeoutMinutes-1)*time.Minute
}

// markDirty flags this session so the pool discards it rather than reusing its identifier, set after a network error on an operation using this session per the retryable
// writes design.
func (ss *ServerSession) markDirty() { ss.Dirty = true }

// nextTxnNumber atomically increments and returns the transaction number for the next retryable
// write or transaction started on this session.
func (ss *ServerSession) nextTxnNumber() int64 {
	return atomic.AddInt64(&ss.txnNumber, 1)
}

// currentTxnNumber returns the most recently issued transaction number without incrementing it.
func (ss *ServerSession) currentTxnNumber() int64 {
	return atomic.LoadInt64(&ss.txnNumber)
}
