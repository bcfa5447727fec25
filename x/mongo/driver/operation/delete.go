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

// DeleteResult is the result of a delete command.
type DeleteResult struct {
	// N is the number of documents deleted.
	N int64

	WriteErrors       []driver.WriteError
	WriteConcernError *driver.WriteConcernError
}

// Delete performs a delete operation.
type Delete struct {
	deletes    []bsoncore.Document
	ordered    *bool
	comment    bsoncore.Value
	let        bsoncore.Document
	collection string

	session      *session.Client
	clock        *session.ClusterClock
	monitor      *event.CommandMonitor
	database     string
	deployment   driver.Deployment
	writeConcern *writeconcern.WriteConcern
	selector     description.ServerSelector
	retry        *driver.RetryMode
	serverAPI    *driver.ServerAPIOptions

	result DeleteResult
}

// NewDelete constructs and returns a new Delete for the given collection. Each delete document
// must have the shape {q: <filter>, limit: 0|1}.
func NewDelete(collection string, deletes ...bsoncore.Document) *Delete {
	return &Delete{collection: collection, deletes: deletes}
}

// Result returns the result of executing this operation.
func (d *Delete) Result() DeleteResult { return d.result }

func (d *Delete) processResponse(info driver.ResponseInfo) error {
	finishTransactionHandshake(d.session, info)

	if n, ok := info.ServerResponse.Lookup("n").AsInt64OK(); ok {
		d.result.N = n
	}
	if wce := extractWriteCommandError(info.ServerResponse); wce != nil {
		d.result.WriteErrors = wce.WriteErrors
		d.result.WriteConcernError = wce.WriteConcernError
		return *wce
	}
	return nil
}

// Execute runs this operation and returns an error if it did not execute successfully.
func (d *Delete) Execute(ctx context.Context) error {
	if d.deployment == nil {
		return errors.New("the Delete operation must have a Deployment set before Execute can be called")
	}

	var wc bsoncore.Document
	if d.writeConcern != nil {
		_, wc, _ = d.writeConcern.MarshalBSONValue()
	}

	retryMode := driver.RetryNone
	if d.retry != nil {
		retryMode = *d.retry
	}

	sel := d.selector
	if sel == nil {
		sel = description.WriteSelector{}
	}

	return driver.Operation{
		CommandFn:         d.command,
		ProcessResponseFn: d.processResponse,
		Client:            d.session,
		Clock:             d.clock,
		CommandMonitor:    d.monitor,
		Database:          d.database,
		Deployment:        d.deployment,
		Selector:          selectorForSession(d.session, sel),
		WriteConcern:      wc,
		RetryMode:         retryMode,
		ServerAPI:         d.serverAPI,
		Type:              driver.Write,
	}.Execute(ctx)
}

func (d *Delete) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "delete", d.collection)
	dst = appendDocumentArray(dst, "deletes", d.deletes)
	if d.ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *d.ordered)
	}
	if d.let != nil {
		dst = bsoncore.AppendDocumentElement(dst, "let", d.let)
	}
	if d.comment.Type != 0 {
		dst = bsoncore.AppendValueElement(dst, "comment", d.comment)
	}
	return dst, nil
}

// Deletes sets the delete documents to send.
func (d *Delete) Deletes(deletes ...bsoncore.Document) *Delete { d.deletes = deletes; return d }

// Ordered sets whether writes stop at the first error (true) or continue past it (false).
func (d *Delete) Ordered(ordered bool) *Delete { d.ordered = &ordered; return d }

// Let sets variables referenceable from each delete's filter.
func (d *Delete) Let(let bsoncore.Document) *Delete { d.let = let; return d }

// Comment sets a user-supplied comment attached to the operation.
func (d *Delete) Comment(comment bsoncore.Value) *Delete { d.comment = comment; return d }

// Session sets the session for this operation.
func (d *Delete) Session(session *session.Client) *Delete { d.session = session; return d }

// ClusterClock sets the cluster clock for this operation.
func (d *Delete) ClusterClock(clock *session.ClusterClock) *Delete { d.clock = clock; return d }

// CommandMonitor sets the monitor to use for APM events.
func (d *Delete) CommandMonitor(monitor *event.CommandMonitor) *Delete { d.monitor = monitor; return d }

// Database sets the database to run this operation against.
func (d *Delete) Database(database string) *Delete { d.database = database; return d }

// Deployment sets the deployment to use for this operation.
func (d *Delete) Deployment(deployment driver.Deployment) *Delete {
	d.deployment = deployment
	return d
}

// WriteConcern sets the write concern for this operation.
func (d *Delete) WriteConcern(wc *writeconcern.WriteConcern) *Delete { d.writeConcern = wc; return d }

// ServerSelector sets the selector used to retrieve a server.
func (d *Delete) ServerSelector(selector description.ServerSelector) *Delete {
	d.selector = selector
	return d
}

// Retry sets the retry mode for this operation, honoring the client's retryWrites setting. A
// limit:0 (multi-delete) in any of the delete documents makes the write non-retryable per the
// server's own retryable-writes rules; callers must not set RetryOnce in that case.
func (d *Delete) Retry(retry driver.RetryMode) *Delete { d.retry = &retry; return d }

// ServerAPI sets the declared API version for this operation.
func (d *Delete) ServerAPI(serverAPI *driver.ServerAPIOptions) *Delete { d.serverAPI = serverAPI; return d }
