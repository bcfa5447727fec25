// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/mongo/writeconcern"
	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// AbortTransaction performs an abortTransaction operation. Per §4.7, aborting is best-effort: the
// caller's own Execute never surfaces a server-reported failure, only a missing Deployment.
type AbortTransaction struct {
	session      *session.Client
	clock        *session.ClusterClock
	monitor      *event.CommandMonitor
	database     string
	deployment   driver.Deployment
	writeConcern *writeconcern.WriteConcern
	serverAPI    *driver.ServerAPIOptions
}

// NewAbortTransaction constructs and returns a new AbortTransaction.
func NewAbortTransaction() *AbortTransaction {
	return &AbortTransaction{database: "admin"}
}

// Execute runs abortTransaction, retrying at most once on a retryable error, and always clears
// the session's transaction state to Aborted. Per §4.7 abortTransaction is best-effort: any
// server-reported or network failure is swallowed rather than returned to the caller.
func (at *AbortTransaction) Execute(ctx context.Context) error {
	if at.deployment == nil {
		return errors.New("the AbortTransaction operation must have a Deployment set before Execute can be called")
	}

	var wc bsoncore.Document
	if at.writeConcern != nil {
		_, wc, _ = at.writeConcern.MarshalBSONValue()
	}

	sel := selectorForSession(at.session, description.WriteSelector{})

	_ = driver.Operation{
		CommandFn:      at.command,
		Client:         at.session,
		Clock:          at.clock,
		CommandMonitor: at.monitor,
		Database:       at.database,
		Deployment:     at.deployment,
		Selector:       sel,
		WriteConcern:   wc,
		RetryMode:      driver.RetryOnce,
		ServerAPI:      at.serverAPI,
		Type:           driver.Write,
	}.Execute(ctx)

	if at.session != nil {
		at.session.ClearTransactionState(session.TransactionAborted)
	}
	return nil
}

func (at *AbortTransaction) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "abortTransaction", 1)
	if at.session != nil && at.session.RecoveryToken != nil {
		dst = bsoncore.AppendDocumentElement(dst, "recoveryToken", at.session.RecoveryToken)
	}
	return dst, nil
}

// Session sets the session for this operation.
func (at *AbortTransaction) Session(session *session.Client) *AbortTransaction {
	at.session = session
	return at
}

// ClusterClock sets the cluster clock for this operation.
func (at *AbortTransaction) ClusterClock(clock *session.ClusterClock) *AbortTransaction {
	at.clock = clock
	return at
}

// CommandMonitor sets the monitor to use for APM events.
func (at *AbortTransaction) CommandMonitor(monitor *event.CommandMonitor) *AbortTransaction {
	at.monitor = monitor
	return at
}

// Database sets the database to run this operation against.
func (at *AbortTransaction) Database(database string) *AbortTransaction {
	at.database = database
	return at
}

// Deployment sets the deployment to use for this operation.
func (at *AbortTransaction) Deployment(deployment driver.Deployment) *AbortTransaction {
	at.deployment = deployment
	return at
}

// WriteConcern sets the write concern for this operation.
func (at *AbortTransaction) WriteConcern(wc *writeconcern.WriteConcern) *AbortTransaction {
	at.writeConcern = wc
	return at
}

// ServerAPI sets the declared API version for this operation.
func (at *AbortTransaction) ServerAPI(serverAPI *driver.ServerAPIOptions) *AbortTransaction {
	at.serverAPI = serverAPI
	return at
}
