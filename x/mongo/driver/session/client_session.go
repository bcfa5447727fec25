// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"fmt"
	"sync"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
)

// TransactionState is the per-session transaction state machine: None -> Starting -> InProgress
// -> {Committed, Aborted}.
type TransactionState uint8

// Transaction states.
const (
	TransactionNone TransactionState = iota
	TransactionStarting
	TransactionInProgress
	TransactionCommitted
	TransactionAborted
)

// Client is a ClientSession: the lsid/server-session pair plus transaction and causal-consistency
// state threaded through every operation run with it.
type Client struct {
	mu sync.Mutex

	ClientID        bsoncore.Document
	Server          *ServerSession
	pool            *Pool
	Implicit        bool
	terminated      bool
	Dirty           bool

	CausalConsistency bool
	OperationTime     bsoncore.Document // BSON timestamp value wrapped as a 1-field doc {t: <timestamp>}
	clusterClock      *ClusterClock

	TransactionState  TransactionState
	transactionOpts   TransactionOptions
	PinnedServerAddr  string
	RecoveryToken     bsoncore.Document
}

// TransactionOptions configures a transaction's readConcern/writeConcern/maxCommitTime, carried
// as opaque pre-encoded documents since this layer does not parse BSON beyond well-known fields.
type TransactionOptions struct {
	ReadConcern  bsoncore.Document
	WriteConcern bsoncore.Document
	MaxCommitTime *int64
}

// NewClientSession constructs a new ClientSession backed by a fresh or pooled ServerSession.
func NewClientSession(pool *Pool, clock *ClusterClock, implicit bool) (*Client, error) {
	ss, err := pool.GetSession()
	if err != nil {
		return nil, err
	}
	return &Client{
		ClientID:     ss.SessionID,
		Server:       ss,
		pool:         pool,
		Implicit:     implicit,
		clusterClock: clock,
	}, nil
}

// AdvanceClusterTime folds a reply's $clusterTime into both the global clock and (implicitly,
// through the shared clock) every other session using the same client.
func (c *Client) AdvanceClusterTime(clusterTime bsoncore.Document) {
	c.clusterClock.AdvanceClusterTime(clusterTime)
}

// ClusterTime returns the highest clusterTime observed by the shared clock.
func (c *Client) ClusterTime() bsoncore.Document {
	return c.clusterClock.GetClusterTime()
}

// AdvanceOperationTime folds a reply's operationTime into this session's high-water mark, which
// subsequent causally-consistent reads attach as afterClusterTime.
func (c *Client) AdvanceOperationTime(operationTime bsoncore.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if operationTime == nil {
		return
	}
	if c.OperationTime == nil || compareClusterTime(wrapOperationTime(c.OperationTime), wrapOperationTime(operationTime)) < 0 {
		c.OperationTime = operationTime
	}
}

func wrapOperationTime(ts bsoncore.Document) bsoncore.Document {
	// OperationTime is stored as a one-field {t: <timestamp>} document; compareClusterTime expects
	// a document with a "clusterTime" field, so this rewraps the timestamp under that key.
	idx, dst := bsoncore.AppendDocumentStart(nil)
	t, i, _ := ts.Lookup("t").TimestampOK()
	dst = bsoncore.AppendTimestampElement(dst, "clusterTime", t, i)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// TxnNumber returns the current transaction number for retryable-write/transaction purposes.
func (c *Client) TxnNumber() int64 { return c.Server.currentTxnNumber() }

// NextTxnNumber increments and returns the next transaction number, called once per retryable
// write attempt or once per StartTransaction.
func (c *Client) NextTxnNumber() int64 { return c.Server.nextTxnNumber() }

// StartTransaction transitions None -> Starting, per the state machine in §4.7. Returns an
// error if a transaction is already in progress.
func (c *Client) StartTransaction(opts TransactionOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TransactionState == TransactionStarting || c.TransactionState == TransactionInProgress {
		return transactionErrorf("transaction already in progress")
	}
	c.TransactionState = TransactionStarting
	c.transactionOpts = opts
	c.Server.nextTxnNumber()
	c.PinnedServerAddr = ""
	c.RecoveryToken = nil
	return nil
}

// AdvanceToInProgress transitions Starting -> InProgress, called once the first command in the
// transaction has actually been sent.
func (c *Client) AdvanceToInProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TransactionState == TransactionStarting {
		c.TransactionState = TransactionInProgress
	}
}

// IsStartingTransaction reports whether the next command should carry startTransaction:true.
func (c *Client) IsStartingTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TransactionState == TransactionStarting
}

// InActiveTransaction reports whether the session currently has a transaction in Starting or
// InProgress state, so the executor knows to attach autocommit:false and txnNumber.
func (c *Client) InActiveTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TransactionState == TransactionStarting || c.TransactionState == TransactionInProgress
}

// CurrentTransactionOptions returns the options captured at StartTransaction time.
func (c *Client) CurrentTransactionOptions() TransactionOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactionOpts
}

// ClearTransactionState transitions to the given terminal state (Committed or Aborted) and
// releases mongos pinning, per the unpin-on-commit-or-abort rule.
func (c *Client) ClearTransactionState(final TransactionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TransactionState = final
	c.PinnedServerAddr = ""
}

// UnpinAfterTransientError releases mongos pinning on a TransientTransactionError, per the
// pinning-release rule's second clause.
func (c *Client) UnpinAfterTransientError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PinnedServerAddr = ""
}

// UnpinForNonTransactionOperation releases mongos pinning once a non-transaction operation runs
// on this session, per the pinning-release rule's third clause.
func (c *Client) UnpinForNonTransactionOperation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TransactionState != TransactionStarting && c.TransactionState != TransactionInProgress {
		c.PinnedServerAddr = ""
	}
}

// PinToServer records the mongos address a transaction's first command was answered by.
func (c *Client) PinToServer(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PinnedServerAddr = addr
}

// PinnedServer returns the currently pinned mongos address, or "" if unpinned.
func (c *Client) PinnedServer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PinnedServerAddr
}

// SetRecoveryToken records the recoveryToken returned by a sharded primary, consumed by
// commitTransaction/abortTransaction retries against a different mongos.
func (c *Client) SetRecoveryToken(token bsoncore.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecoveryToken = token
}

// MarkDirty flags the session dirty after a network error, per the data model's rule that a
// dirty session must never be returned to the pool for reuse.
func (c *Client) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Dirty = true
	c.Server.markDirty()
}

// EndSession returns the server session to the pool (unless dirty) and marks this ClientSession
// unusable for any further operation.
func (c *Client) EndSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.terminated = true
	c.pool.ReturnSession(c.Server)
}

// Terminated reports whether EndSession has already been called.
func (c *Client) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func transactionErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
