// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver contains the Connection/Server/Deployment contracts consumed by the executor,
// the Operation executor itself (command assembly, retries, session weaving), and the error
// taxonomy shared across the topology, session, and operation packages.
package driver

import (
	"fmt"
	"strings"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// Error labels, attached to errors either by the server (in "errorLabels") or synthesized
// locally by the executor/SDAM error handling.
const (
	RetryableWriteError          = "RetryableWriteError"
	TransientTransactionError    = "TransientTransactionError"
	UnknownTransactionCommitResult = "UnknownTransactionCommitResult"
	NetworkErrorLabel            = "NetworkError"
	HandshakeErrorLabel          = "HandshakeError"
	NoWritesPerformedLabel       = "NoWritesPerformed"
)

// Retryable server error codes, per §4.8 step 6 of the specification.
var retryableCodes = map[int32]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	89:    true, // NetworkTimeout
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	262:   true, // ExceededTimeLimit
	9001:  true, // SocketException
	10107: true, // NotMaster
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	13435: true, // NotMasterNoSlaveOk
	13436: true, // NotMasterOrSecondary
	134:   true, // ReadConcernMajorityNotAvailableYet
}

// notPrimaryCodes are codes/messages treated as "not primary"/"node is recovering" for SDAM
// error processing on servers below wire version 9 (pre-4.2), per §4.5/§4.8.
var notPrimaryCodes = map[int32]bool{
	10107: true,
	13435: true,
	13436: true,
	189:   true,
	91:    true,
}

var nodeIsRecoveringCodes = map[int32]bool{
	91:    true,
	189:   true,
	11600: true,
	11602: true,
}

// Error represents a command error from the server: ok != 1 with an error code/message.
type Error struct {
	Code            int32
	Message         string
	Name            string
	Labels          []string
	TopologyVersion *description.TopologyVersion
	Raw             bsoncore.Document
	Wrapped         error
}

func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%s) %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap supports errors.Is/As against a wrapped transport error.
func (e Error) Unwrap() error { return e.Wrapped }

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Retryable reports whether this error code is one of the retryable server error codes, or the
// error carries a RetryableWriteError label.
func (e Error) Retryable(wireVersion *description.VersionRange) bool {
	if e.HasErrorLabel(RetryableWriteError) {
		return true
	}
	return retryableCodes[e.Code]
}

// NetworkError reports whether this error represents, or wraps, a transport failure.
func (e Error) NetworkError() bool {
	_, ok := e.Wrapped.(NetworkError)
	return ok || e.HasErrorLabel(NetworkErrorLabel)
}

// NotMaster reports whether this error is a "not primary"/legacy "not master" style error,
// eligible for SDAM invalidation on servers below wire version 9.
func (e Error) NotMaster() bool {
	if notPrimaryCodes[e.Code] {
		return true
	}
	return containsAny(e.Message, "not master", "not primary")
}

// NodeIsRecovering reports whether the server reported it is in a recovering/stepping-down state.
func (e Error) NodeIsRecovering() bool {
	if nodeIsRecoveringCodes[e.Code] {
		return true
	}
	return containsAny(e.Message, "node is recovering", "NotPrimaryOrSecondary")
}

// NodeIsShuttingDown reports whether the server is shutting down, which forces a synchronous
// pool clear regardless of wire version.
func (e Error) NodeIsShuttingDown() bool {
	return e.Code == 91 || e.Code == 11600 || containsAny(e.Message, "shutdown in progress")
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// WriteError represents an individual error in the writeErrors array of a write command reply.
type WriteError struct {
	Index   int64
	Code    int64
	Message string
}

func (we WriteError) Error() string { return we.Message }

// WriteConcernError represents a writeConcernError document in a command reply.
type WriteConcernError struct {
	Code            int64
	Name            string
	Message         string
	Details         bsoncore.Document
	Labels          []string
	TopologyVersion *description.TopologyVersion
}

func (wce WriteConcernError) Error() string { return wce.Message }

// HasErrorLabel returns true if the error contains the specified label.
func (wce WriteConcernError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NotMaster reports whether the write concern error reflects a stepped-down primary.
func (wce WriteConcernError) NotMaster() bool {
	return notPrimaryCodes[int32(wce.Code)] || containsAny(wce.Message, "not master", "not primary")
}

// NodeIsRecovering reports whether the write concern error reflects a recovering node.
func (wce WriteConcernError) NodeIsRecovering() bool {
	return nodeIsRecoveringCodes[int32(wce.Code)] || containsAny(wce.Message, "node is recovering")
}

// NodeIsShuttingDown reports whether the node is shutting down.
func (wce WriteConcernError) NodeIsShuttingDown() bool {
	return wce.Code == 91 || containsAny(wce.Message, "shutdown in progress")
}

// WriteCommandError aggregates per-document write errors and an optional write concern error
// from a batch write command reply.
type WriteCommandError struct {
	WriteErrors       []WriteError
	WriteConcernError *WriteConcernError
	Labels            []string
}

func (wce WriteCommandError) Error() string {
	if wce.WriteConcernError != nil {
		return wce.WriteConcernError.Message
	}
	if len(wce.WriteErrors) > 0 {
		return wce.WriteErrors[0].Message
	}
	return "write command error"
}

// HasErrorLabel returns true if the error contains the specified label.
func (wce WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError represents an I/O failure on a connection.
type NetworkError struct {
	Kind    NetworkErrorKind
	Wrapped error
}

// NetworkErrorKind classifies a NetworkError.
type NetworkErrorKind uint8

// NetworkError kinds.
const (
	NetworkErrorConnect NetworkErrorKind = iota
	NetworkErrorRead
	NetworkErrorWrite
	NetworkErrorTLS
	NetworkErrorTimeout
)

func (ne NetworkError) Error() string {
	if ne.Wrapped != nil {
		return fmt.Sprintf("network error (%s): %s", ne.kindString(), ne.Wrapped)
	}
	return fmt.Sprintf("network error (%s)", ne.kindString())
}

func (ne NetworkError) Unwrap() error { return ne.Wrapped }

func (ne NetworkError) kindString() string {
	switch ne.Kind {
	case NetworkErrorConnect:
		return "connect"
	case NetworkErrorRead:
		return "read"
	case NetworkErrorWrite:
		return "write"
	case NetworkErrorTLS:
		return "tls"
	case NetworkErrorTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConfigurationError indicates a malformed connection string or an incompatible option
// combination detected while building ClientOptions.
type ConfigurationError struct {
	Message string
	Wrapped error
}

func (ce ConfigurationError) Error() string {
	if ce.Wrapped != nil {
		return fmt.Sprintf("%s: %s", ce.Message, ce.Wrapped)
	}
	return ce.Message
}

func (ce ConfigurationError) Unwrap() error { return ce.Wrapped }

// ServerSelectionError wraps description.ServerSelectionError for consistency with the rest of
// this taxonomy; see description.ServerSelectionError for the TopologyDescription snapshot.
type ServerSelectionError = description.ServerSelectionError

// ServerSelectionUnavailable is returned instead of a timeout when the topology has a wire
// version compatibility error: selection cannot succeed no matter how long the caller waits.
type ServerSelectionUnavailable struct {
	Topology description.Topology
}

func (e ServerSelectionUnavailable) Error() string {
	return fmt.Sprintf("server selection is permanently unavailable: %s", e.Topology.CompatibilityErr)
}

func (e ServerSelectionUnavailable) Unwrap() error { return e.Topology.CompatibilityErr }

// PoolClearedError is returned by Pool.checkout when the pool is Paused. It has no error-label
// field and no HasErrorLabel method; it marks itself retryable only through Retryable, which
// always reports true.
type PoolClearedError struct {
	Address string
	Wrapped error
}

func (e PoolClearedError) Error() string {
	return fmt.Sprintf("connection pool for %s is paused: %s", e.Address, e.Wrapped)
}

func (e PoolClearedError) Unwrap() error { return e.Wrapped }

// Retryable marks PoolClearedError as always retryable, per §4.3's "must carry a label
// indicating the condition is retryable" requirement.
func (e PoolClearedError) Retryable(*description.VersionRange) bool { return true }

// SessionError reports misuse of a ClientSession, e.g. using an explicit session created by a
// different client.
type SessionError struct {
	Message string
}

func (e SessionError) Error() string { return e.Message }

// TransactionError reports a violation of the transaction state machine, e.g. calling
// StartTransaction while a transaction is already in progress.
type TransactionError struct {
	Message string
}

func (e TransactionError) Error() string { return e.Message }

// InvalidResponseError indicates a server reply could not be interpreted, distinct from a
// ProtocolError which indicates the wire frame itself was malformed.
type InvalidResponseError struct {
	Message string
}

func (e InvalidResponseError) Error() string { return "invalid server response: " + e.Message }

// ProtocolError indicates a malformed OP_MSG/OP_COMPRESSED frame.
type ProtocolError struct {
	Message string
}

func (e ProtocolError) Error() string { return "protocol error: " + e.Message }

// IoError wraps a raw I/O failure from the underlying stream, used by the wire codec boundary
// before it has been classified into a NetworkError by the caller.
type IoError struct {
	Wrapped error
}

func (e IoError) Error() string { return "io error: " + e.Wrapped.Error() }
func (e IoError) Unwrap() error { return e.Wrapped }
