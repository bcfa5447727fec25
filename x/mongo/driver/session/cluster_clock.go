// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements the server-session pool, explicit/implicit ClientSession state
// machine, and cluster-time gossip described by §4.6 of the session and transaction design.
package session

import (
	"sync"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
)

// ClusterClock tracks the highest $clusterTime document observed from any server and makes it
// available to attach to outgoing commands, implementing the gossip protocol: every reply's
// clusterTime is folded in via AdvanceClusterTime, and the max-so-far is read back via
// GetClusterTime before each command is sent.
type ClusterClock struct {
	mu          sync.Mutex
	clusterTime bsoncore.Document
}

// GetClusterTime returns the highest clusterTime document observed so far, or nil if none has
// been observed.
func (cc *ClusterClock) GetClusterTime() bsoncore.Document {
	if cc == nil {
		return nil
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clusterTime
}

// AdvanceClusterTime compares candidate against the current maximum by its "clusterTime" BSON
// timestamp field and keeps the greater of the two, per the gossip protocol's max-of rule.
func (cc *ClusterClock) AdvanceClusterTime(candidate bsoncore.Document) {
	if cc == nil || candidate == nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.clusterTime == nil || compareClusterTime(cc.clusterTime, candidate) < 0 {
		cc.clusterTime = candidate
	}
}

// compareClusterTime compares two $clusterTime documents by their embedded "clusterTime"
// BSON timestamp value, returning -1, 0, or 1.
func compareClusterTime(existing, candidate bsoncore.Document) int {
	existingT, existingI, existingOK := lookupTimestamp(existing)
	candidateT, candidateI, candidateOK := lookupTimestamp(candidate)
	if !existingOK {
		return -1
	}
	if !candidateOK {
		return 1
	}
	if existingT != candidateT {
		if existingT < candidateT {
			return -1
		}
		return 1
	}
	if existingI != candidateI {
		if existingI < candidateI {
			return -1
		}
		return 1
	}
	return 0
}

func lookupTimestamp(doc bsoncore.Document) (t, i uint32, ok bool) {
	val, err := doc.LookupErr("clusterTime")
	if err != nil {
		return 0, 0, false
	}
	t, i, ok2 := val.TimestampOK()
	return t, i, ok2
}
