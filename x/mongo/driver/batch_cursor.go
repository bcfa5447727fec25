// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// CursorResponse packages a server's find/aggregate/getMore reply: the cursor id, the namespace
// it lives on, and whichever batch (firstBatch or nextBatch) the reply carried. The connection the
// reply arrived on is kept so later getMore/killCursors calls pin back to the same server, per the
// cursor-affinity rule (a cursor is only ever valid on the mongod/mongos that created it).
type CursorResponse struct {
	Connection Connection
	Desc       description.Server
	Database   string
	Collection string
	ID         int64
	Batch      bsoncore.Document
}

// NewCursorResponse parses a {cursor: {id, ns, firstBatch|nextBatch}} reply into a CursorResponse.
func NewCursorResponse(response bsoncore.Document, info ResponseInfo) (CursorResponse, error) {
	cursorVal, err := response.LookupErr("cursor")
	if err != nil {
		return CursorResponse{}, err
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return CursorResponse{}, fmt.Errorf("cursor field is not a document")
	}

	idVal, err := cursorDoc.LookupErr("id")
	if err != nil {
		return CursorResponse{}, err
	}
	id, ok := idVal.AsInt64OK()
	if !ok {
		return CursorResponse{}, fmt.Errorf("cursor.id is not numeric")
	}

	var database, collection string
	if nsVal, err := cursorDoc.LookupErr("ns"); err == nil {
		if ns, ok := nsVal.StringValueOK(); ok {
			if idx := strings.IndexByte(ns, '.'); idx >= 0 {
				database, collection = ns[:idx], ns[idx+1:]
			} else {
				database = ns
			}
		}
	}

	batchKey := "firstBatch"
	if _, lookErr := cursorDoc.LookupErr("firstBatch"); lookErr != nil {
		batchKey = "nextBatch"
	}
	var batch bsoncore.Document
	if batchVal, lookErr := cursorDoc.LookupErr(batchKey); lookErr == nil {
		if arr, ok := batchVal.ArrayOK(); ok {
			batch = bsoncore.Document(arr)
		}
	}

	return CursorResponse{
		Connection: info.Connection,
		Desc:       info.ConnectionDescription,
		Database:   database,
		Collection: collection,
		ID:         id,
		Batch:      batch,
	}, nil
}

// CursorOptions configures a BatchCursor beyond what the originating command's reply carries.
type CursorOptions struct {
	BatchSize      int32
	MaxTimeMS      int64
	Comment        bsoncore.Value
	Crypt          interface{} // reserved; this build has no field-level encryption
	ServerAPI      *ServerAPIOptions
	CommandMonitor interface{}
}

// BatchCursor iterates the batches of a find/aggregate/listCollections cursor, issuing getMore
// and killCursors against the same pinned connection the originating command used.
type BatchCursor struct {
	id           int64
	connection   Connection
	database     string
	collection   string
	clientSession *session.Client
	clock        *session.ClusterClock
	serverAPI    *ServerAPIOptions

	batchSize   int32
	limit       int32
	numReturned int32
	maxTimeMS   int64
	comment     bsoncore.Value

	batch   bsoncore.Document
	current []bsoncore.Document
	index   int

	closed bool
	err    error
}

// NewBatchCursor constructs a BatchCursor from a command's CursorResponse.
func NewBatchCursor(cr CursorResponse, clientSession *session.Client, clock *session.ClusterClock, opts CursorOptions) (*BatchCursor, error) {
	bc := &BatchCursor{
		id:            cr.ID,
		connection:    cr.Connection,
		database:      cr.Database,
		collection:    cr.Collection,
		clientSession: clientSession,
		clock:         clock,
		batchSize:     opts.BatchSize,
		maxTimeMS:     opts.MaxTimeMS,
		comment:       opts.Comment,
		serverAPI:     opts.ServerAPI,
	}
	if err := bc.setBatch(cr.Batch); err != nil {
		return nil, err
	}
	return bc, nil
}

func (bc *BatchCursor) setBatch(batch bsoncore.Document) error {
	bc.batch = batch
	bc.index = 0
	if len(batch) == 0 {
		bc.current = nil
		return nil
	}
	values, err := bsoncore.Array(batch).Values()
	if err != nil {
		return err
	}
	docs := make([]bsoncore.Document, 0, len(values))
	for _, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			return fmt.Errorf("cursor batch element is not a document")
		}
		docs = append(docs, doc)
	}
	bc.current = docs
	bc.numReturned += int32(len(docs))
	return nil
}

// ID returns the server-side cursor id; 0 once the cursor is exhausted.
func (bc *BatchCursor) ID() int64 { return bc.id }

// Err returns the last error encountered by Next, if any.
func (bc *BatchCursor) Err() error { return bc.err }

// SetBatchSize sets the batch size requested on subsequent getMore commands.
func (bc *BatchCursor) SetBatchSize(size int32) { bc.batchSize = size }

// SetComment sets the comment attached to subsequent getMore commands.
func (bc *BatchCursor) SetComment(comment bsoncore.Value) { bc.comment = comment }

// SetMaxTime sets the maxTimeMS attached to subsequent getMore commands.
func (bc *BatchCursor) SetMaxTime(d time.Duration) {
	bc.maxTimeMS = int64(d / time.Millisecond)
}

// calcGetMoreBatchSize derives the batchSize field for the next getMore: the configured
// batchSize, capped by whatever is left of an overall limit. When nothing is left of the limit
// (a zero or negative remainder), the second result is false, signalling the caller to stop
// instead of issuing a getMore at all.
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	var remaining int32
	if bc.limit != 0 {
		remaining = bc.limit - bc.numReturned
		if remaining <= 0 {
			return remaining, false
		}
	}

	var batchSize int32
	switch {
	case bc.batchSize != 0 && remaining != 0:
		batchSize = bc.batchSize
		if remaining < batchSize {
			batchSize = remaining
		}
	case bc.batchSize != 0:
		batchSize = bc.batchSize
	case remaining < 0:
		batchSize = remaining
	default:
		batchSize = 0
	}

	return batchSize, batchSize >= 0
}

// Batch returns the current in-memory batch of documents as a BSON array document.
func (bc *BatchCursor) Batch() bsoncore.Document { return bc.batch }

// Next advances to the next document batch, issuing a getMore if the current batch is exhausted
// and the server-side cursor is still open. It returns false once the cursor is exhausted or an
// error occurs; callers distinguish the two with Err.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if bc.closed || bc.err != nil {
		return false
	}
	if bc.index < len(bc.current) {
		bc.index = len(bc.current)
		return true
	}
	if bc.id == 0 {
		return false
	}

	size, ok := calcGetMoreBatchSize(*bc)
	if !ok {
		bc.id = 0
		return false
	}

	id := bc.id
	var response bsoncore.Document
	op := Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			dst = bsoncore.AppendInt64Element(dst, "getMore", id)
			dst = bsoncore.AppendStringElement(dst, "collection", bc.collection)
			if size != 0 {
				dst = bsoncore.AppendInt32Element(dst, "batchSize", size)
			}
			if bc.maxTimeMS != 0 {
				dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", bc.maxTimeMS)
			}
			if bc.comment.Type != 0 {
				dst = bsoncore.AppendValueElement(dst, "comment", bc.comment)
			}
			return dst, nil
		},
		ProcessResponseFn: func(info ResponseInfo) error {
			response = info.ServerResponse
			return nil
		},
		Client:     bc.clientSession,
		Clock:      bc.clock,
		Database:   bc.database,
		Deployment: SingleConnectionDeployment{Connection: bc.connection},
		ServerAPI:  bc.serverAPI,
		Type:       Read,
	}
	if err := op.Execute(ctx); err != nil {
		bc.err = err
		return false
	}

	cr, err := NewCursorResponse(response, ResponseInfo{ServerResponse: response, Connection: bc.connection})
	if err != nil {
		bc.err = err
		return false
	}
	bc.id = cr.ID
	if err := bc.setBatch(cr.Batch); err != nil {
		bc.err = err
		return false
	}
	if bc.index >= len(bc.current) {
		return false
	}
	bc.index = len(bc.current)
	return true
}

// Close kills the server-side cursor if it is still open.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if bc.closed {
		return nil
	}
	bc.closed = true
	if bc.id == 0 {
		return nil
	}

	id := bc.id
	op := Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			dst = bsoncore.AppendStringElement(dst, "killCursors", bc.collection)
			idx, dst := bsoncore.AppendArrayElementStart(dst, "cursors")
			dst = bsoncore.AppendInt64Element(dst, "0", id)
			dst, _ = bsoncore.AppendArrayEnd(dst, idx)
			return dst, nil
		},
		Database:   bc.database,
		Deployment: SingleConnectionDeployment{Connection: bc.connection},
		ServerAPI:  bc.serverAPI,
		Type:       Read,
	}
	err := op.Execute(ctx)
	bc.id = 0
	return err
}

// errCursorClosed is returned by operations attempted against an already-closed cursor.
var errCursorClosed = errors.New("cursor is closed")

// ListCollectionsBatchCursor wraps a BatchCursor with listCollections-specific decoding; today
// that's identical to the generic cursor, but it keeps the listCollections call site consistent
// with Find/Aggregate's cursor wrapper.
type ListCollectionsBatchCursor struct {
	*BatchCursor
}

// NewListCollectionsBatchCursor constructs a ListCollectionsBatchCursor wrapping bc.
func NewListCollectionsBatchCursor(bc *BatchCursor) (*ListCollectionsBatchCursor, error) {
	return &ListCollectionsBatchCursor{BatchCursor: bc}, nil
}
