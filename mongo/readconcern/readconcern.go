// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readconcern describes the level of isolation for read operations.
package readconcern

import "github.com/driftlane/mgdriver/x/bsonx/bsoncore"

// ReadConcern describes the level of isolation for read operations, e.g. "local", "majority", or
// "snapshot".
type ReadConcern struct {
	level string
}

// Option configures a ReadConcern.
type Option func(concern *ReadConcern)

// Level requests a custom read concern level.
func Level(level string) Option {
	return func(concern *ReadConcern) { concern.level = level }
}

// Local requests that the most recent data be returned without guaranteeing durability.
func Local() *ReadConcern { return New(Level("local")) }

// Majority requests that the data read reflects a majority-acknowledged write.
func Majority() *ReadConcern { return New(Level("majority")) }

// Linearizable requests that the data read reflects a linearizable write prior to the read start.
func Linearizable() *ReadConcern { return New(Level("linearizable")) }

// Snapshot requests data from a consistent snapshot, usually paired with a transaction.
func Snapshot() *ReadConcern { return New(Level("snapshot")) }

// Available requests the instance's most recent data without waiting for a majority write
// acknowledgment.
func Available() *ReadConcern { return New(Level("available")) }

// New constructs a new ReadConcern from the given options.
func New(opts ...Option) *ReadConcern {
	concern := new(ReadConcern)
	for _, opt := range opts {
		opt(concern)
	}
	return concern
}

// GetLevel returns the read concern level.
func (rc *ReadConcern) GetLevel() string {
	if rc == nil {
		return ""
	}
	return rc.level
}

// MarshalBSONValue encodes the read concern into the {level: ...} document sent on the wire.
func (rc *ReadConcern) MarshalBSONValue() (byte, []byte, error) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	if rc.level != "" {
		doc = bsoncore.AppendStringElement(doc, "level", rc.level)
	}
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		return 0, nil, err
	}
	return bsoncore.TypeEmbeddedDocument, doc, nil
}
