// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/mongo/writeconcern"
	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// commitRetryWriteConcern is the write concern §4.7 mandates on a commitTransaction retry,
// regardless of what (if anything) the transaction itself was started with.
var commitRetryWriteConcern = writeconcern.New(writeconcern.WMajority(), writeconcern.WTimeout(10*time.Second))

// CommitTransaction performs a commitTransaction operation.
type CommitTransaction struct {
	maxTimeMS *int64

	session      *session.Client
	clock        *session.ClusterClock
	monitor      *event.CommandMonitor
	database     string
	deployment   driver.Deployment
	writeConcern *writeconcern.WriteConcern
	serverAPI    *driver.ServerAPIOptions
}

// NewCommitTransaction constructs and returns a new CommitTransaction.
func NewCommitTransaction() *CommitTransaction {
	return &CommitTransaction{database: "admin"}
}

// Execute runs commitTransaction, retrying at most once on a retryable error with
// writeConcern:{w:"majority",wtimeout:10000} per §4.7, then clears the session's transaction
// state to Committed.
func (ct *CommitTransaction) Execute(ctx context.Context) error {
	if ct.deployment == nil {
		return errors.New("the CommitTransaction operation must have a Deployment set before Execute can be called")
	}

	err := ct.run(ctx, ct.writeConcern)
	if err != nil && isRetryableTransactionError(err) {
		err = ct.run(ctx, commitRetryWriteConcern)
	}
	if ct.session != nil {
		ct.session.ClearTransactionState(session.TransactionCommitted)
	}
	return err
}

func (ct *CommitTransaction) run(ctx context.Context, wc *writeconcern.WriteConcern) error {
	var wcDoc bsoncore.Document
	if wc != nil {
		_, wcDoc, _ = wc.MarshalBSONValue()
	}

	sel := selectorForSession(ct.session, description.WriteSelector{})

	return driver.Operation{
		CommandFn:         ct.command,
		ProcessResponseFn: ct.processResponse,
		Client:            ct.session,
		Clock:             ct.clock,
		CommandMonitor:    ct.monitor,
		Database:          ct.database,
		Deployment:        ct.deployment,
		Selector:          sel,
		WriteConcern:      wcDoc,
		ServerAPI:         ct.serverAPI,
		Type:              driver.Write,
	}.Execute(ctx)
}

func (ct *CommitTransaction) processResponse(info driver.ResponseInfo) error {
	if rt, ok := info.ServerResponse.Lookup("recoveryToken").DocumentOK(); ok && ct.session != nil {
		ct.session.SetRecoveryToken(rt)
	}
	if wce := extractWriteCommandError(info.ServerResponse); wce != nil {
		return *wce
	}
	return nil
}

func (ct *CommitTransaction) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "commitTransaction", 1)
	if ct.maxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *ct.maxTimeMS)
	}
	if ct.session != nil && ct.session.RecoveryToken != nil {
		dst = bsoncore.AppendDocumentElement(dst, "recoveryToken", ct.session.RecoveryToken)
	}
	return dst, nil
}

// isRetryableTransactionError reports whether err is eligible for the commitTransaction retry
// §4.7 describes: a driver.Error carrying RetryableWriteError, a network error, or a cleared pool.
func isRetryableTransactionError(err error) bool {
	var cmdErr driver.Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Retryable(nil)
	}
	var netErr driver.NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var pcErr driver.PoolClearedError
	if errors.As(err, &pcErr) {
		return true
	}
	var wceErr driver.WriteCommandError
	return errors.As(err, &wceErr) && wceErr.HasErrorLabel(driver.RetryableWriteError)
}

// MaxTimeMS sets the maximum amount of time to allow commitTransaction to run, in milliseconds.
func (ct *CommitTransaction) MaxTimeMS(maxTimeMS int64) *CommitTransaction {
	ct.maxTimeMS = &maxTimeMS
	return ct
}

// Session sets the session for this operation.
func (ct *CommitTransaction) Session(session *session.Client) *CommitTransaction {
	ct.session = session
	return ct
}

// ClusterClock sets the cluster clock for this operation.
func (ct *CommitTransaction) ClusterClock(clock *session.ClusterClock) *CommitTransaction {
	ct.clock = clock
	return ct
}

// CommandMonitor sets the monitor to use for APM events.
func (ct *CommitTransaction) CommandMonitor(monitor *event.CommandMonitor) *CommitTransaction {
	ct.monitor = monitor
	return ct
}

// Database sets the database to run this operation against.
func (ct *CommitTransaction) Database(database string) *CommitTransaction {
	ct.database = database
	return ct
}

// Deployment sets the deployment to use for this operation.
func (ct *CommitTransaction) Deployment(deployment driver.Deployment) *CommitTransaction {
	ct.deployment = deployment
	return ct
}

// WriteConcern sets the write concern for the initial commit attempt.
func (ct *CommitTransaction) WriteConcern(wc *writeconcern.WriteConcern) *CommitTransaction {
	ct.writeConcern = wc
	return ct
}

// ServerAPI sets the declared API version for this operation.
func (ct *CommitTransaction) ServerAPI(serverAPI *driver.ServerAPIOptions) *CommitTransaction {
	ct.serverAPI = serverAPI
	return ct
}
