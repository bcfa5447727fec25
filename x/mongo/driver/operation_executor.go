// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/internal/logger"
	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
	"github.com/driftlane/mgdriver/x/mongo/driver/wiremessage"
)

// Type classifies an Operation as a read or a write, driving both default server selection and
// retryable-operation eligibility per §4.8.
type Type uint8

// Operation types.
const (
	Read Type = iota
	Write
)

// RetryMode controls how many times Operation.Execute will retry a retryable error.
type RetryMode uint8

// RetryMode values.
const (
	// RetryNone never retries; the first error is returned to the caller.
	RetryNone RetryMode = iota
	// RetryOnce retries a single time against a freshly selected server, per the retryable
	// reads/writes design's "at most one retry" rule.
	RetryOnce
)

// StreamerConnection is a Connection capable of participating in exhaust/streaming mode: reading
// additional "moreToCome" replies off an already-sent command without writing a new request.
type StreamerConnection interface {
	Connection
	CurrentlyStreaming() bool
	SetStreaming(bool)
	SupportsStreaming() bool
}

// ResponseInfo is passed to Operation.ProcessResponseFn once a reply has been decoded.
type ResponseInfo struct {
	ServerResponse         bsoncore.Document
	Connection             Connection
	ConnectionDescription  description.Server
	CurrentIndex           int
}

// Operation describes a single MongoDB command end to end: how to build it, where to send it,
// how to interpret its reply, and how aggressively to retry it. This is the executor named in
// the operation-execution design: command assembly ($db, lsid, $clusterTime, txnNumber,
// read/write concern), retryable-reads/writes, and SDAM error reporting all happen in Execute.
type Operation struct {
	// CommandFn appends the command's own fields (everything but the cross-cutting fields this
	// executor owns) to dst and returns the result.
	CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

	// Database is the command's target database, e.g. "admin" for hello, or the collection's
	// parent database for CRUD commands.
	Database string

	// Deployment is consulted for server selection; mongos transaction pinning narrows the
	// Selector, not the Deployment. A caller can pass a SingleServerDeployment/
	// SingleConnectionDeployment to bypass selection entirely.
	Deployment Deployment

	// ProcessResponseFn, if set, is invoked once per reply (including each getMore-less batch of
	// an exhaust stream) with the decoded document and the connection it arrived on.
	ProcessResponseFn func(ResponseInfo) error

	// Selector chooses which description.Server candidates are eligible; nil defaults to
	// WriteSelector for Write and a primary ReadPrefSelector for Read.
	Selector description.ServerSelector

	// Type indicates whether this is a logical read or write, governing default selection and
	// retryable-error eligibility.
	Type Type

	// Client is the ClientSession this operation runs within, or nil for an unsessioned op
	// (server.go's internal heartbeat/RTT calls never set this).
	Client *session.Client

	// Clock is the cluster-time clock consulted for $clusterTime and updated from replies. When
	// Client is set this is normally the session's own clock; heartbeats set it directly.
	Clock *session.ClusterClock

	// ReadConcern/WriteConcern are pre-encoded {level: ...}/{w: ...} documents, attached per the
	// rule that readConcern rides only the first command of a transaction and writeConcern rides
	// only commitTransaction/abortTransaction (or every command of a non-transaction write).
	ReadConcern  bsoncore.Document
	WriteConcern bsoncore.Document

	// RetryMode controls retry eligibility. Batches/specific operations set this per their own
	// retryWrites/retryReads configuration; it defaults to RetryNone.
	RetryMode RetryMode

	// MinimumWriteConcernWireVersion gates whether WriteConcern is legal to attach at all.
	MinimumWriteConcernWireVersion int32

	// ServerAPI declares the stable API version attached to every command.
	ServerAPI *ServerAPIOptions

	// CommandMonitor publishes command-monitoring events for this operation.
	CommandMonitor *event.CommandMonitor

	// Logger prints structured command log messages for this operation, independent of whether a
	// CommandMonitor is also configured; either, both, or neither may be set.
	Logger *logger.Logger

	// Streaming marks this command as the initial request of an exhaust-mode streaming hello: the
	// wire message is sent with ExhaustAllowed set, and the server may keep pushing moreToCome
	// replies afterward without further requests. Only the streaming hello monitor sets this.
	Streaming bool

	// Crypt, if non-nil in a full client binary, would hook in field-level encryption; this
	// package only defines the extension point's absence.
}

// Execute runs the operation once, retrying up to once more on a retryable error per RetryMode.
func (op Operation) Execute(ctx context.Context) error {
	if op.Deployment == nil {
		return errors.New("an Operation must have a Deployment set before Execute can be called")
	}

	var lastErr error
	attempts := 1
	if op.RetryMode == RetryOnce {
		attempts = 2
	}

	for i := 0; i < attempts; i++ {
		err := op.executeOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !op.isRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (op Operation) isRetryable(err error) bool {
	if op.RetryMode != RetryOnce {
		return false
	}
	var cmdErr Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Retryable(nil)
	}
	var netErr NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var pcErr PoolClearedError
	if errors.As(err, &pcErr) {
		return true
	}
	// A write command can fail with ok:1 and a writeErrors/writeConcernError array instead of
	// ok != 1 — extractCommandError never sees these, so retryability has to be read off the
	// errorLabels the write command builders (insert/update/delete) copy onto WriteCommandError.
	var wceErr WriteCommandError
	return errors.As(err, &wceErr) && wceErr.HasErrorLabel(RetryableWriteError)
}

func (op Operation) executeOnce(ctx context.Context) error {
	server, err := op.selectServer(ctx)
	if err != nil {
		return err
	}

	conn, err := server.Connection(ctx)
	if err != nil {
		return NetworkError{Kind: NetworkErrorConnect, Wrapped: err}
	}

	desc := description.SelectedServer{Server: conn.Description()}

	cmd, err := op.assembleCommand(desc)
	if err != nil {
		return err
	}

	reply, err := op.roundTrip(ctx, conn, cmd)
	if err != nil {
		op.reportError(err, conn)
		return err
	}

	return op.handleReply(reply, conn, desc.Server)
}

// selectServer chooses a server for this attempt. Mongos pinning (§4.7) is enforced by the
// caller passing a Selector narrowed to the pinned address (operation.selectorForSession); this
// method only fills in the default read/write selector when none is set.
func (op Operation) selectServer(ctx context.Context) (Server, error) {
	selector := op.Selector
	if selector == nil {
		if op.Type == Write {
			selector = description.WriteSelector{}
		} else {
			selector = description.NewReadPrefSelector(description.Primary())
		}
	}
	return op.Deployment.SelectServer(ctx, selector)
}

// assembleCommand builds the full wire-ready command document: the operation's own fields plus
// every cross-cutting field the executor itself owns.
func (op Operation) assembleCommand(desc description.SelectedServer) ([]byte, error) {
	var idx int32
	idx, dst := bsoncore.AppendDocumentStart(nil)

	dst, err := op.CommandFn(dst, desc)
	if err != nil {
		return nil, err
	}

	dst = bsoncore.AppendStringElement(dst, "$db", op.Database)

	if op.Client != nil {
		dst = bsoncore.AppendDocumentElement(dst, "lsid", op.Client.ClientID)

		if op.Client.InActiveTransaction() {
			dst = bsoncore.AppendInt64Element(dst, "txnNumber", op.Client.TxnNumber())
			dst = bsoncore.AppendBooleanElement(dst, "autocommit", false)
			if op.Client.IsStartingTransaction() {
				dst = bsoncore.AppendBooleanElement(dst, "startTransaction", true)
				if op.ReadConcern != nil {
					dst = bsoncore.AppendDocumentElement(dst, "readConcern", op.ReadConcern)
				}
			}
		} else if op.ReadConcern != nil {
			dst = bsoncore.AppendDocumentElement(dst, "readConcern", op.ReadConcern)
		}
	} else if op.ReadConcern != nil {
		dst = bsoncore.AppendDocumentElement(dst, "readConcern", op.ReadConcern)
	}

	writeConcern := op.WriteConcern
	if writeConcern != nil && op.Client != nil && op.Client.InActiveTransaction() {
		// The command name is the first key CommandFn wrote, right after the 4-byte length.
		name := ""
		for i := 5; i < len(dst); i++ {
			if dst[i] == 0x00 {
				name = string(dst[5:i])
				break
			}
		}
		if name != "commitTransaction" && name != "abortTransaction" {
			writeConcern = nil
		}
	}
	if writeConcern != nil && desc.WireVersion != nil && desc.WireVersion.Max >= op.MinimumWriteConcernWireVersion {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", writeConcern)
	}

	var clusterTime bsoncore.Document
	if op.Client != nil {
		clusterTime = op.Client.ClusterTime()
	} else if op.Clock != nil {
		clusterTime = op.Clock.GetClusterTime()
	}
	if clusterTime != nil {
		dst = bsoncore.AppendDocumentElement(dst, "$clusterTime", clusterTime)
	}

	if op.ServerAPI != nil {
		dst = bsoncore.AppendStringElement(dst, "apiVersion", op.ServerAPI.ServerAPIVersion)
		if op.ServerAPI.Strict != nil {
			dst = bsoncore.AppendBooleanElement(dst, "apiStrict", *op.ServerAPI.Strict)
		}
		if op.ServerAPI.DeprecationErrors != nil {
			dst = bsoncore.AppendBooleanElement(dst, "apiDeprecationErrors", *op.ServerAPI.DeprecationErrors)
		}
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

func (op Operation) roundTrip(ctx context.Context, conn Connection, cmd bsoncore.Document) (bsoncore.Document, error) {
	requestID := wiremessage.NextRequestID()
	wm, err := EncodeCommand(requestID, commandName(cmd), cmd, nil, nil)
	if err != nil {
		return nil, err
	}
	if op.Streaming {
		setExhaustAllowed(wm)
	}

	started := time.Now()
	name := commandName(cmd)
	op.publishStarted(cmd, requestID, conn, name)

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		wrapped := NetworkError{Kind: NetworkErrorWrite, Wrapped: err}
		op.publishFailed(requestID, conn, name, started, wrapped)
		return nil, wrapped
	}

	raw, err := conn.ReadWireMessage(ctx)
	if err != nil {
		wrapped := NetworkError{Kind: NetworkErrorRead, Wrapped: err}
		op.publishFailed(requestID, conn, name, started, wrapped)
		return nil, wrapped
	}

	reply, err := DecodeReply(raw)
	if err != nil {
		op.publishFailed(requestID, conn, name, started, err)
		return nil, err
	}

	if cmdErr, ok := extractCommandError(reply); ok {
		op.publishFailed(requestID, conn, name, started, cmdErr)
		return reply, cmdErr
	}

	op.publishSucceeded(requestID, conn, name, started, reply)
	return reply, nil
}

// ExecuteExhaust reads one additional "moreToCome" reply off conn without sending a new request,
// used by the streaming hello monitor to consume an exhaust stream.
func (op Operation) ExecuteExhaust(ctx context.Context, conn StreamerConnection) error {
	raw, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return NetworkError{Kind: NetworkErrorRead, Wrapped: err}
	}
	reply, err := DecodeReply(raw)
	if err != nil {
		return err
	}
	if cmdErr, ok := extractCommandError(reply); ok {
		return cmdErr
	}
	return op.handleReply(reply, conn, conn.Description())
}

func (op Operation) handleReply(reply bsoncore.Document, conn Connection, desc description.Server) error {
	if op.Client != nil {
		if ct, ok := reply.Lookup("$clusterTime").DocumentOK(); ok {
			op.Client.AdvanceClusterTime(ct)
		}
		if ot, ok := reply.Lookup("operationTime").DocumentOK(); ok {
			op.Client.AdvanceOperationTime(ot)
		}
		op.Client.UnpinForNonTransactionOperation()
	} else if op.Clock != nil {
		if ct, ok := reply.Lookup("$clusterTime").DocumentOK(); ok {
			op.Clock.AdvanceClusterTime(ct)
		}
	}

	if op.ProcessResponseFn != nil {
		return op.ProcessResponseFn(ResponseInfo{
			ServerResponse:        reply,
			Connection:            conn,
			ConnectionDescription: desc,
		})
	}
	return nil
}

func (op Operation) reportError(err error, conn Connection) {
	if conn == nil {
		return
	}
	ep, ok := op.serverErrorProcessor()
	if !ok {
		return
	}
	ep.ProcessError(err, conn)
}

func (op Operation) serverErrorProcessor() (ErrorProcessor, bool) {
	ep, ok := op.Deployment.(ErrorProcessor)
	return ep, ok
}

func (op Operation) publishStarted(cmd bsoncore.Document, requestID int32, conn Connection, name string) {
	redacted := redactIfSensitive(name, cmd)
	if op.Logger != nil && op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		op.Logger.Print(logger.LevelDebug, &logger.CommandStartedMessage{
			Name:         name,
			RequestID:    int64(requestID),
			ConnectionID: conn.ID(),
			DatabaseName: op.Database,
			Command:      redacted,
		})
	}
	if op.CommandMonitor == nil || op.CommandMonitor.Started == nil {
		return
	}
	op.CommandMonitor.Started(event.CommandStartedEvent{
		Command:      redacted,
		DatabaseName: op.Database,
		CommandName:  name,
		RequestID:    int64(requestID),
		ConnectionID: conn.ID(),
	})
}

func (op Operation) publishSucceeded(requestID int32, conn Connection, name string, started time.Time, reply bsoncore.Document) {
	redacted := redactIfSensitive(name, reply)
	durationMS := time.Since(started).Milliseconds()
	if op.Logger != nil && op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		op.Logger.Print(logger.LevelDebug, &logger.CommandSucceededMessage{
			Name:         name,
			RequestID:    int64(requestID),
			ConnectionID: conn.ID(),
			DurationMS:   durationMS,
			Reply:        redacted,
		})
	}
	if op.CommandMonitor == nil || op.CommandMonitor.Succeeded == nil {
		return
	}
	op.CommandMonitor.Succeeded(event.CommandSucceededEvent{
		CommandFinishedEvent: event.CommandFinishedEvent{
			DurationNanos: int64(time.Since(started)),
			CommandName:   name,
			RequestID:     int64(requestID),
			ConnectionID:  conn.ID(),
		},
		Reply: redacted,
	})
}

func (op Operation) publishFailed(requestID int32, conn Connection, name string, started time.Time, err error) {
	durationMS := time.Since(started).Milliseconds()
	if op.Logger != nil && op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		op.Logger.Print(logger.LevelDebug, &logger.CommandFailedMessage{
			Name:         name,
			RequestID:    int64(requestID),
			ConnectionID: conn.ID(),
			DurationMS:   durationMS,
			Failure:      err,
		})
	}
	if op.CommandMonitor == nil || op.CommandMonitor.Failed == nil {
		return
	}
	op.CommandMonitor.Failed(event.CommandFailedEvent{
		CommandFinishedEvent: event.CommandFinishedEvent{
			DurationNanos: int64(time.Since(started)),
			CommandName:   name,
			RequestID:     int64(requestID),
			ConnectionID:  conn.ID(),
		},
		Failure: err,
	})
}

// sensitiveCommands never have their command/reply document included in monitoring events.
var sensitiveCommands = map[string]bool{
	"authenticate":      true,
	"saslstart":         true,
	"saslcontinue":      true,
	"getnonce":          true,
	"createuser":        true,
	"updateuser":        true,
	"copydbgetnonce":    true,
	"copydbsaslstart":   true,
	"copydb":            true,
}

func redactIfSensitive(name string, doc bsoncore.Document) []byte {
	if sensitiveCommands[lowerASCII(name)] {
		return []byte{}
	}
	return doc
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// commandName returns the first element's key, which by BSON command convention is the command
// name (e.g. "find", "hello").
func commandName(cmd bsoncore.Document) string {
	elems, err := cmd.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

// extractCommandError inspects a reply for ok != 1 and builds the corresponding Error.
func extractCommandError(reply bsoncore.Document) (Error, bool) {
	ok, isOK := reply.Lookup("ok").AsInt64OK()
	if isOK && ok != 0 {
		return Error{}, false
	}
	if !isOK {
		// Missing "ok" field is itself unusual, but not every command reply includes it
		// (exhaust moreToCome continuations, for instance); treat as success in that case.
		return Error{}, false
	}

	cmdErr := Error{}
	if code, ok := reply.Lookup("code").Int32OK(); ok {
		cmdErr.Code = code
	}
	if msg, ok := reply.Lookup("errmsg").StringValueOK(); ok {
		cmdErr.Message = msg
	}
	if name, ok := reply.Lookup("codeName").StringValueOK(); ok {
		cmdErr.Name = name
	}
	if labels, ok := reply.Lookup("errorLabels").ArrayOK(); ok {
		values, _ := labels.Values()
		for _, v := range values {
			if s, ok := v.StringValueOK(); ok {
				cmdErr.Labels = append(cmdErr.Labels, s)
			}
		}
	}
	cmdErr.Raw = reply
	return cmdErr, true
}
