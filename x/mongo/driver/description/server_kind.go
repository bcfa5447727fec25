// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the immutable snapshot types produced by Server
// Discovery And Monitoring: ServerDescription and TopologyDescription.
package description

// ServerKind represents the kind of a server as inferred from the most recent hello reply.
type ServerKind uint32

// ServerKind constants, matching the SDAM specification's server type list.
const (
	Unknown ServerKind = iota
	Standalone
	RSMember
	RSGhost
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	Mongos
	LoadBalancer
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// DataBearing reports whether a server of this kind is expected to answer reads/writes
// (Standalone, RSPrimary, RSSecondary, Mongos), as opposed to merely voting (RSArbiter), being
// unreachable (Unknown), or any other kind.
func (kind ServerKind) DataBearing() bool {
	switch kind {
	case Standalone, RSPrimary, RSSecondary, Mongos:
		return true
	default:
		return false
	}
}
