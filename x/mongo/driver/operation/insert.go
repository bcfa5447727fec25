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

// InsertResult is the result of an insert command.
type InsertResult struct {
	// N is the number of documents successfully inserted.
	N int64
	// WriteErrors/WriteConcernError report per-document or write-concern failures; a partial
	// success (N > 0 alongside a non-nil error) is possible with ordered:false.
	WriteErrors       []driver.WriteError
	WriteConcernError *driver.WriteConcernError
}

// Insert performs an insert operation.
type Insert struct {
	documents                []bsoncore.Document
	ordered                  *bool
	bypassDocumentValidation *bool
	comment                  bsoncore.Value
	collection               string

	session      *session.Client
	clock        *session.ClusterClock
	monitor      *event.CommandMonitor
	database     string
	deployment   driver.Deployment
	writeConcern *writeconcern.WriteConcern
	selector     description.ServerSelector
	retry        *driver.RetryMode
	serverAPI    *driver.ServerAPIOptions

	result InsertResult
}

// NewInsert constructs and returns a new Insert for the given collection and documents.
func NewInsert(collection string, documents ...bsoncore.Document) *Insert {
	return &Insert{collection: collection, documents: documents}
}

// Result returns the result of executing this operation.
func (i *Insert) Result() InsertResult { return i.result }

func (i *Insert) processResponse(info driver.ResponseInfo) error {
	finishTransactionHandshake(i.session, info)

	if n, ok := info.ServerResponse.Lookup("n").AsInt64OK(); ok {
		i.result.N = n
	}
	if wce := extractWriteCommandError(info.ServerResponse); wce != nil {
		i.result.WriteErrors = wce.WriteErrors
		i.result.WriteConcernError = wce.WriteConcernError
		return *wce
	}
	return nil
}

// Execute runs this operation and returns an error if it did not execute successfully.
func (i *Insert) Execute(ctx context.Context) error {
	if i.deployment == nil {
		return errors.New("the Insert operation must have a Deployment set before Execute can be called")
	}

	var wc bsoncore.Document
	if i.writeConcern != nil {
		_, wc, _ = i.writeConcern.MarshalBSONValue()
	}

	retryMode := driver.RetryNone
	if i.retry != nil {
		retryMode = *i.retry
	}

	sel := i.selector
	if sel == nil {
		sel = description.WriteSelector{}
	}

	return driver.Operation{
		CommandFn:         i.command,
		ProcessResponseFn: i.processResponse,
		Client:            i.session,
		Clock:             i.clock,
		CommandMonitor:    i.monitor,
		Database:          i.database,
		Deployment:        i.deployment,
		Selector:          selectorForSession(i.session, sel),
		WriteConcern:      wc,
		RetryMode:         retryMode,
		ServerAPI:         i.serverAPI,
		Type:              driver.Write,
	}.Execute(ctx)
}

func (i *Insert) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "insert", i.collection)
	dst = appendDocumentArray(dst, "documents", i.documents)
	if i.ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *i.ordered)
	}
	if i.bypassDocumentValidation != nil {
		dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", *i.bypassDocumentValidation)
	}
	if i.comment.Type != 0 {
		dst = bsoncore.AppendValueElement(dst, "comment", i.comment)
	}
	return dst, nil
}

// Documents sets the documents to insert.
func (i *Insert) Documents(documents ...bsoncore.Document) *Insert { i.documents = documents; return i }

// Ordered sets whether writes stop at the first error (true) or continue past it (false).
func (i *Insert) Ordered(ordered bool) *Insert { i.ordered = &ordered; return i }

// BypassDocumentValidation sets whether server-side schema validation is bypassed.
func (i *Insert) BypassDocumentValidation(bypass bool) *Insert {
	i.bypassDocumentValidation = &bypass
	return i
}

// Comment sets a user-supplied comment attached to the operation.
func (i *Insert) Comment(comment bsoncore.Value) *Insert { i.comment = comment; return i }

// Session sets the session for this operation.
func (i *Insert) Session(session *session.Client) *Insert { i.session = session; return i }

// ClusterClock sets the cluster clock for this operation.
func (i *Insert) ClusterClock(clock *session.ClusterClock) *Insert { i.clock = clock; return i }

// CommandMonitor sets the monitor to use for APM events.
func (i *Insert) CommandMonitor(monitor *event.CommandMonitor) *Insert { i.monitor = monitor; return i }

// Database sets the database to run this operation against.
func (i *Insert) Database(database string) *Insert { i.database = database; return i }

// Deployment sets the deployment to use for this operation.
func (i *Insert) Deployment(deployment driver.Deployment) *Insert {
	i.deployment = deployment
	return i
}

// WriteConcern sets the write concern for this operation.
func (i *Insert) WriteConcern(wc *writeconcern.WriteConcern) *Insert { i.writeConcern = wc; return i }

// ServerSelector sets the selector used to retrieve a server.
func (i *Insert) ServerSelector(selector description.ServerSelector) *Insert {
	i.selector = selector
	return i
}

// Retry sets the retry mode for this operation, honoring the client's retryWrites setting.
func (i *Insert) Retry(retry driver.RetryMode) *Insert { i.retry = &retry; return i }

// ServerAPI sets the declared API version for this operation.
func (i *Insert) ServerAPI(serverAPI *driver.ServerAPIOptions) *Insert { i.serverAPI = serverAPI; return i }
