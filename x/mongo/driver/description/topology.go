// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"github.com/driftlane/mgdriver/x/mongo/driver/address"
)

// TopologyKind represents the kind of the topology as a whole.
type TopologyKind uint32

// TopologyKind constants.
const (
	TopologyUnknown TopologyKind = iota
	Single
	ReplicaSet
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSet:
		return "ReplicaSet"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	default:
		return "Unknown"
	}
}

// Topology contains an immutable snapshot of a deployment: the kind of the deployment as a
// whole and a description of every server currently known.
type Topology struct {
	Kind                  TopologyKind
	Servers               []Server
	SetName               string
	MaxSetVersion         uint32
	MaxElectionID         []byte // opaque BSON object ID bytes, compared lexicographically
	SessionTimeoutMinutes *int64
	CompatibilityErr      error
}

// Server looks up the description for addr, returning (Server{}, false) if it isn't known.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if addressesEqual(s.Addr, addr) {
			return s, true
		}
	}
	return Server{}, false
}

func addressesEqual(a, b address.Address) bool {
	return a.String() == b.String()
}

// HasWritableServer reports whether the topology currently contains at least one server an
// unacknowledged write could target.
func (t Topology) HasWritableServer() bool {
	for _, s := range t.Servers {
		switch t.Kind {
		case Single:
			return true
		case Sharded:
			if s.Kind == Mongos {
				return true
			}
		case LoadBalanced:
			return true
		default:
			if s.Kind == RSPrimary {
				return true
			}
		}
	}
	return false
}

// Primary returns the primary server description, if the topology currently has one.
func (t Topology) Primary() (Server, bool) {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return s, true
		}
	}
	return Server{}, false
}

// validateInvariant returns an error if a ReplicaSetWithPrimary topology does not have exactly
// one RSPrimary member. It does not compare that primary's (electionID, setVersion) against the
// topology max, and it does not panic. It is a test helper, not a runtime check: ApplyServer is
// the sole mutator and its unit tests call this directly.
func (t Topology) validateInvariant() error {
	primaries := 0
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			primaries++
		}
	}
	if t.Kind == ReplicaSetWithPrimary && primaries != 1 {
		return fmt.Errorf("topology kind ReplicaSetWithPrimary requires exactly one RSPrimary, found %d", primaries)
	}
	return nil
}

// String implements the fmt.Stringer interface.
func (t Topology) String() string {
	str := fmt.Sprintf("Type: %s", t.Kind)
	if t.SetName != "" {
		str += fmt.Sprintf(", Set Name: %s", t.SetName)
	}
	str += ", Servers: ["
	for i, s := range t.Servers {
		if i > 0 {
			str += ", "
		}
		str += fmt.Sprintf("{%s}", s)
	}
	return str + "]"
}
