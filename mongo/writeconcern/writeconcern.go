// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package writeconcern describes the level of acknowledgement requested from a write operation.
package writeconcern

import (
	"errors"
	"time"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
)

// ErrNegativeW is returned when a negative integer w value is provided.
var ErrNegativeW = errors.New("write concern w value cannot be negative")

// ErrNegativeWTimeout is returned when a negative WTimeout is provided.
var ErrNegativeWTimeout = errors.New("write concern wtimeout cannot be negative")

// WriteConcern describes the level of acknowledgement requested from MongoDB for write
// operations to a standalone mongod, replica set, or sharded cluster.
type WriteConcern struct {
	w        interface{}
	journal  *bool
	wtimeout time.Duration
}

// Option configures a WriteConcern.
type Option func(concern *WriteConcern)

// W requests acknowledgement that the write operation has propagated to a specified number of
// mongod instances or to mongod instances with specified tags. It sets the w option.
func W(w int) Option {
	return func(concern *WriteConcern) { concern.w = w }
}

// WTagSet requests acknowledgement that the write operation has propagated to mongod instances
// tagged with the given custom write concern. It sets the w option to a string.
func WTagSet(tag string) Option {
	return func(concern *WriteConcern) { concern.w = tag }
}

// WMajority requests acknowledgement that the write operation has propagated to the majority of
// mongod instances. It sets the w option to "majority".
func WMajority() Option {
	return func(concern *WriteConcern) { concern.w = "majority" }
}

// J requests acknowledgement from MongoDB that the write operation has been written to the
// on-disk journal.
func J(j bool) Option {
	return func(concern *WriteConcern) { concern.journal = &j }
}

// WTimeout specifies a time limit, in milliseconds, for the write concern. It is only applicable
// for W values greater than 1.
func WTimeout(d time.Duration) Option {
	return func(concern *WriteConcern) { concern.wtimeout = d }
}

// New constructs a new WriteConcern from the given options.
func New(options ...Option) *WriteConcern {
	concern := new(WriteConcern)
	for _, option := range options {
		option(concern)
	}
	return concern
}

// Majority constructs a WriteConcern with a w value of "majority". This is the common case and
// the only level this driver's retryable-writes path ever upgrades a command to internally.
func Majority() *WriteConcern {
	return New(WMajority())
}

// AckWrite returns true except when the WriteConcern requests no acknowledgement (w: 0).
func (wc *WriteConcern) AckWrite() bool {
	if wc == nil {
		return true
	}
	if w, ok := wc.w.(int); ok {
		return w != 0
	}
	return true
}

// GetW returns the WriteConcern w value.
func (wc *WriteConcern) GetW() interface{} {
	if wc == nil {
		return nil
	}
	return wc.w
}

// Validate ensures that the write concern is a valid combination of fields.
func (wc *WriteConcern) Validate() error {
	if wc == nil {
		return nil
	}
	if wi, ok := wc.w.(int); ok && wi < 0 {
		return ErrNegativeW
	}
	if wc.wtimeout < 0 {
		return ErrNegativeWTimeout
	}
	return nil
}

// MarshalBSONValue implements the bson.ValueMarshaler-style interface, encoding the write concern
// into the {w: ..., j: ..., wtimeout: ...} document sent on the wire.
func (wc *WriteConcern) MarshalBSONValue() (byte, []byte, error) {
	if err := wc.Validate(); err != nil {
		return 0, nil, err
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	switch t := wc.w.(type) {
	case int:
		doc = bsoncore.AppendInt32Element(doc, "w", int32(t))
	case string:
		doc = bsoncore.AppendStringElement(doc, "w", t)
	}
	if wc.journal != nil {
		doc = bsoncore.AppendBooleanElement(doc, "j", *wc.journal)
	}
	if wc.wtimeout != 0 {
		doc = bsoncore.AppendInt64Element(doc, "wtimeout", int64(wc.wtimeout/time.Millisecond))
	}
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		return 0, nil, err
	}
	return bsoncore.TypeEmbeddedDocument, doc, nil
}

// AcknowledgedValue is true unless the WriteConcern explicitly requests no acknowledgement.
func AcknowledgedValue(wc *WriteConcern) bool {
	if wc == nil {
		return true
	}
	return wc.AckWrite()
}
