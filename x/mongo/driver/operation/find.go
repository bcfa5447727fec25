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
	"github.com/driftlane/mgdriver/mongo/readconcern"
	"github.com/driftlane/mgdriver/mongo/readpref"
	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// Find performs a find operation, returning a cursor over the matched documents.
type Find struct {
	filter         bsoncore.Document
	sort           bsoncore.Document
	projection     bsoncore.Document
	hint           bsoncore.Value
	min            bsoncore.Document
	max            bsoncore.Document
	collection     string
	limit          *int64
	skip           *int64
	batchSize      *int32
	maxTimeMS      *int64
	comment        bsoncore.Value
	singleBatch    *bool
	allowDiskUse   *bool
	noCursorTimeout *bool

	session        *session.Client
	clock          *session.ClusterClock
	monitor        *event.CommandMonitor
	database       string
	deployment     driver.Deployment
	readPreference *readpref.ReadPref
	readConcern    *readconcern.ReadConcern
	selector       description.ServerSelector
	retry          *driver.RetryMode
	serverAPI      *driver.ServerAPIOptions

	result driver.CursorResponse
}

// NewFind constructs and returns a new Find for the given collection.
func NewFind(collection string, filter bsoncore.Document) *Find {
	return &Find{collection: collection, filter: filter}
}

// Result returns a cursor over the documents matched by this Find.
func (f *Find) Result(opts driver.CursorOptions) (*driver.BatchCursor, error) {
	return driver.NewBatchCursor(f.result, f.session, f.clock, opts)
}

func (f *Find) processResponse(info driver.ResponseInfo) error {
	finishTransactionHandshake(f.session, info)
	var err error
	f.result, err = driver.NewCursorResponse(info.ServerResponse, info)
	return err
}

func (f *Find) selectorOrDefault() description.ServerSelector {
	sel := f.selector
	if sel == nil {
		sel = ReadPrefToSelector(f.readPreference)
	}
	return selectorForSession(f.session, sel)
}

// Execute runs this operation and returns an error if it did not execute successfully.
func (f *Find) Execute(ctx context.Context) error {
	if f.deployment == nil {
		return errors.New("the Find operation must have a Deployment set before Execute can be called")
	}

	var rc bsoncore.Document
	if f.readConcern != nil {
		_, rc, _ = f.readConcern.MarshalBSONValue()
	}

	retryMode := driver.RetryNone
	if f.retry != nil {
		retryMode = *f.retry
	}

	return driver.Operation{
		CommandFn:         f.command,
		ProcessResponseFn: f.processResponse,
		Client:            f.session,
		Clock:             f.clock,
		CommandMonitor:    f.monitor,
		Database:          f.database,
		Deployment:        f.deployment,
		Selector:          f.selectorOrDefault(),
		ReadConcern:       rc,
		RetryMode:         retryMode,
		ServerAPI:         f.serverAPI,
		Type:              driver.Read,
	}.Execute(ctx)
}

func (f *Find) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "find", f.collection)
	if f.filter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "filter", f.filter)
	}
	if f.sort != nil {
		dst = bsoncore.AppendDocumentElement(dst, "sort", f.sort)
	}
	if f.projection != nil {
		dst = bsoncore.AppendDocumentElement(dst, "projection", f.projection)
	}
	if f.hint.Type != 0 {
		dst = bsoncore.AppendValueElement(dst, "hint", f.hint)
	}
	if f.min != nil {
		dst = bsoncore.AppendDocumentElement(dst, "min", f.min)
	}
	if f.max != nil {
		dst = bsoncore.AppendDocumentElement(dst, "max", f.max)
	}
	if f.limit != nil {
		dst = bsoncore.AppendInt64Element(dst, "limit", *f.limit)
	}
	if f.skip != nil {
		dst = bsoncore.AppendInt64Element(dst, "skip", *f.skip)
	}
	if f.batchSize != nil {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", *f.batchSize)
	}
	if f.maxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *f.maxTimeMS)
	}
	if f.comment.Type != 0 {
		dst = bsoncore.AppendValueElement(dst, "comment", f.comment)
	}
	if f.singleBatch != nil {
		dst = bsoncore.AppendBooleanElement(dst, "singleBatch", *f.singleBatch)
	}
	if f.allowDiskUse != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowDiskUse", *f.allowDiskUse)
	}
	if f.noCursorTimeout != nil {
		dst = bsoncore.AppendBooleanElement(dst, "noCursorTimeout", *f.noCursorTimeout)
	}
	return dst, nil
}

// Filter sets the query filter.
func (f *Find) Filter(filter bsoncore.Document) *Find { f.filter = filter; return f }

// Sort sets the sort order.
func (f *Find) Sort(sort bsoncore.Document) *Find { f.sort = sort; return f }

// Projection sets the projection document.
func (f *Find) Projection(projection bsoncore.Document) *Find { f.projection = projection; return f }

// Hint sets the index hint.
func (f *Find) Hint(hint bsoncore.Value) *Find { f.hint = hint; return f }

// Min sets the min index bound.
func (f *Find) Min(min bsoncore.Document) *Find { f.min = min; return f }

// Max sets the max index bound.
func (f *Find) Max(max bsoncore.Document) *Find { f.max = max; return f }

// Limit sets the maximum number of documents to return.
func (f *Find) Limit(limit int64) *Find { f.limit = &limit; return f }

// Skip sets the number of documents to skip.
func (f *Find) Skip(skip int64) *Find { f.skip = &skip; return f }

// BatchSize sets the number of documents to return per batch.
func (f *Find) BatchSize(batchSize int32) *Find { f.batchSize = &batchSize; return f }

// MaxTimeMS sets the maximum amount of time to allow the query to run, in milliseconds.
func (f *Find) MaxTimeMS(maxTimeMS int64) *Find { f.maxTimeMS = &maxTimeMS; return f }

// Comment sets a user-supplied comment attached to the operation.
func (f *Find) Comment(comment bsoncore.Value) *Find { f.comment = comment; return f }

// SingleBatch specifies whether the server should return only a single batch of results.
func (f *Find) SingleBatch(singleBatch bool) *Find { f.singleBatch = &singleBatch; return f }

// AllowDiskUse specifies whether the server may write temporary files during execution.
func (f *Find) AllowDiskUse(allowDiskUse bool) *Find { f.allowDiskUse = &allowDiskUse; return f }

// NoCursorTimeout disables the server-side cursor idle timeout.
func (f *Find) NoCursorTimeout(noCursorTimeout bool) *Find {
	f.noCursorTimeout = &noCursorTimeout
	return f
}

// Session sets the session for this operation.
func (f *Find) Session(session *session.Client) *Find { f.session = session; return f }

// ClusterClock sets the cluster clock for this operation.
func (f *Find) ClusterClock(clock *session.ClusterClock) *Find { f.clock = clock; return f }

// CommandMonitor sets the monitor to use for APM events.
func (f *Find) CommandMonitor(monitor *event.CommandMonitor) *Find { f.monitor = monitor; return f }

// Database sets the database to run this operation against.
func (f *Find) Database(database string) *Find { f.database = database; return f }

// Deployment sets the deployment to use for this operation.
func (f *Find) Deployment(deployment driver.Deployment) *Find { f.deployment = deployment; return f }

// ReadPreference sets the read preference used with this operation.
func (f *Find) ReadPreference(readPreference *readpref.ReadPref) *Find {
	f.readPreference = readPreference
	return f
}

// ReadConcern sets the read concern for this operation.
func (f *Find) ReadConcern(rc *readconcern.ReadConcern) *Find { f.readConcern = rc; return f }

// ServerSelector sets the selector used to retrieve a server.
func (f *Find) ServerSelector(selector description.ServerSelector) *Find {
	f.selector = selector
	return f
}

// Retry sets the retry mode for this operation, honoring the client's retryReads setting.
func (f *Find) Retry(retry driver.RetryMode) *Find { f.retry = &retry; return f }

// ServerAPI sets the declared API version for this operation.
func (f *Find) ServerAPI(serverAPI *driver.ServerAPIOptions) *Find { f.serverAPI = serverAPI; return f }
