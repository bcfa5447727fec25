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

// UpdateResult is the result of an update command.
type UpdateResult struct {
	// N is the number of documents matched.
	N int64
	// NModified is the number of documents actually modified (0 for a no-op upsert match).
	NModified int64
	// Upserted holds the _id of each document created via upsert, by update index.
	Upserted []bsoncore.Document

	WriteErrors       []driver.WriteError
	WriteConcernError *driver.WriteConcernError
}

// Update performs an update operation.
type Update struct {
	updates                  []bsoncore.Document
	ordered                  *bool
	bypassDocumentValidation *bool
	comment                  bsoncore.Value
	let                      bsoncore.Document
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

	result UpdateResult
}

// NewUpdate constructs and returns a new Update for the given collection. Each update document
// must have the shape {q: <filter>, u: <update-or-pipeline>, multi: bool, upsert: bool}.
func NewUpdate(collection string, updates ...bsoncore.Document) *Update {
	return &Update{collection: collection, updates: updates}
}

// Result returns the result of executing this operation.
func (u *Update) Result() UpdateResult { return u.result }

func (u *Update) processResponse(info driver.ResponseInfo) error {
	finishTransactionHandshake(u.session, info)

	if n, ok := info.ServerResponse.Lookup("n").AsInt64OK(); ok {
		u.result.N = n
	}
	if n, ok := info.ServerResponse.Lookup("nModified").AsInt64OK(); ok {
		u.result.NModified = n
	}
	if arr, ok := info.ServerResponse.Lookup("upserted").ArrayOK(); ok {
		if values, err := arr.Values(); err == nil {
			for _, v := range values {
				if doc, ok := v.DocumentOK(); ok {
					u.result.Upserted = append(u.result.Upserted, doc)
				}
			}
		}
	}

	if wce := extractWriteCommandError(info.ServerResponse); wce != nil {
		u.result.WriteErrors = wce.WriteErrors
		u.result.WriteConcernError = wce.WriteConcernError
		return *wce
	}
	return nil
}

// Execute runs this operation and returns an error if it did not execute successfully.
func (u *Update) Execute(ctx context.Context) error {
	if u.deployment == nil {
		return errors.New("the Update operation must have a Deployment set before Execute can be called")
	}

	var wc bsoncore.Document
	if u.writeConcern != nil {
		_, wc, _ = u.writeConcern.MarshalBSONValue()
	}

	retryMode := driver.RetryNone
	if u.retry != nil {
		retryMode = *u.retry
	}

	sel := u.selector
	if sel == nil {
		sel = description.WriteSelector{}
	}

	return driver.Operation{
		CommandFn:         u.command,
		ProcessResponseFn: u.processResponse,
		Client:            u.session,
		Clock:             u.clock,
		CommandMonitor:    u.monitor,
		Database:          u.database,
		Deployment:        u.deployment,
		Selector:          selectorForSession(u.session, sel),
		WriteConcern:      wc,
		RetryMode:         retryMode,
		ServerAPI:         u.serverAPI,
		Type:              driver.Write,
	}.Execute(ctx)
}

func (u *Update) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "update", u.collection)
	dst = appendDocumentArray(dst, "updates", u.updates)
	if u.ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *u.ordered)
	}
	if u.bypassDocumentValidation != nil {
		dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", *u.bypassDocumentValidation)
	}
	if u.let != nil {
		dst = bsoncore.AppendDocumentElement(dst, "let", u.let)
	}
	if u.comment.Type != 0 {
		dst = bsoncore.AppendValueElement(dst, "comment", u.comment)
	}
	return dst, nil
}

// Updates sets the update documents to send.
func (u *Update) Updates(updates ...bsoncore.Document) *Update { u.updates = updates; return u }

// Ordered sets whether writes stop at the first error (true) or continue past it (false).
func (u *Update) Ordered(ordered bool) *Update { u.ordered = &ordered; return u }

// BypassDocumentValidation sets whether server-side schema validation is bypassed.
func (u *Update) BypassDocumentValidation(bypass bool) *Update {
	u.bypassDocumentValidation = &bypass
	return u
}

// Let sets variables referenceable from each update's filter and update document.
func (u *Update) Let(let bsoncore.Document) *Update { u.let = let; return u }

// Comment sets a user-supplied comment attached to the operation.
func (u *Update) Comment(comment bsoncore.Value) *Update { u.comment = comment; return u }

// Session sets the session for this operation.
func (u *Update) Session(session *session.Client) *Update { u.session = session; return u }

// ClusterClock sets the cluster clock for this operation.
func (u *Update) ClusterClock(clock *session.ClusterClock) *Update { u.clock = clock; return u }

// CommandMonitor sets the monitor to use for APM events.
func (u *Update) CommandMonitor(monitor *event.CommandMonitor) *Update { u.monitor = monitor; return u }

// Database sets the database to run this operation against.
func (u *Update) Database(database string) *Update { u.database = database; return u }

// Deployment sets the deployment to use for this operation.
func (u *Update) Deployment(deployment driver.Deployment) *Update {
	u.deployment = deployment
	return u
}

// WriteConcern sets the write concern for this operation.
func (u *Update) WriteConcern(wc *writeconcern.WriteConcern) *Update { u.writeConcern = wc; return u }

// ServerSelector sets the selector used to retrieve a server.
func (u *Update) ServerSelector(selector description.ServerSelector) *Update {
	u.selector = selector
	return u
}

// Retry sets the retry mode for this operation, honoring the client's retryWrites setting. A
// multi:true update in any of the update documents makes the write non-retryable per the
// server's own retryable-writes rules; callers must not set RetryOnce in that case.
func (u *Update) Retry(retry driver.RetryMode) *Update { u.retry = &retry; return u }

// ServerAPI sets the declared API version for this operation.
func (u *Update) ServerAPI(serverAPI *driver.ServerAPIOptions) *Update { u.serverAPI = serverAPI; return u }
