// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"bytes"
	"errors"

	"github.com/driftlane/mgdriver/x/mongo/driver/address"
)

// errStalePrimary marks a reported RSPrimary whose (electionId, setVersion) pair is older than
// one this topology has already observed; its description is discarded in favor of Unknown.
var errStalePrimary = errors.New("primary reported a stale election/set version")

// ApplyServer implements the SDAM topology-update rules from §4.5: given the topology's current
// state and a newly observed server description, it returns the topology's next state. This is
// the sole mutator of a Topology value; every other method treats it as read-only.
func ApplyServer(t Topology, s Server) Topology {
	switch t.Kind {
	case LoadBalanced:
		// Monitoring is disabled behind a load balancer; any description that does arrive just
		// replaces the single synthetic entry.
		return replaceServer(t, s)
	case TopologyUnknown:
		return updateUnknown(t, s)
	case Single:
		return replaceServer(t, s)
	case Sharded:
		return updateSharded(t, s)
	case ReplicaSetNoPrimary:
		return updateRSNoPrimary(t, s)
	case ReplicaSetWithPrimary:
		return updateRSWithPrimary(t, s)
	default:
		return t
	}
}

func updateUnknown(t Topology, s Server) Topology {
	switch s.Kind {
	case Unknown, RSGhost:
		return replaceServer(t, s)
	case Standalone:
		if len(t.Servers) == 1 {
			t.Kind = Single
			return replaceServer(t, s)
		}
		// A standalone showing up in a multi-seed topology doesn't belong to this deployment.
		return removeServer(t, s.Addr)
	case RSPrimary:
		t.Kind = ReplicaSetNoPrimary
		t = replaceServer(t, s)
		return updateRSFromPrimary(t, s)
	case RSSecondary, RSArbiter, RSOther:
		t.Kind = ReplicaSetNoPrimary
		t = replaceServer(t, s)
		return updateRSWithoutPrimary(t, s)
	case Mongos:
		t.Kind = Sharded
		return replaceServer(t, s)
	default:
		return replaceServer(t, s)
	}
}

func updateSharded(t Topology, s Server) Topology {
	switch s.Kind {
	case Unknown, Mongos:
		return replaceServer(t, s)
	default:
		return removeServer(t, s.Addr)
	}
}

func updateRSNoPrimary(t Topology, s Server) Topology {
	switch s.Kind {
	case Unknown, RSGhost:
		return replaceServer(t, s)
	case Standalone, Mongos:
		return removeServer(t, s.Addr)
	case RSPrimary:
		t = replaceServer(t, s)
		return updateRSFromPrimary(t, s)
	case RSSecondary, RSArbiter, RSOther:
		t = replaceServer(t, s)
		return updateRSWithoutPrimary(t, s)
	default:
		return replaceServer(t, s)
	}
}

func updateRSWithPrimary(t Topology, s Server) Topology {
	switch s.Kind {
	case Standalone, Mongos:
		t = removeServer(t, s.Addr)
		return checkHasPrimary(t)
	case RSPrimary:
		t = replaceServer(t, s)
		return updateRSFromPrimary(t, s)
	case Unknown, RSSecondary, RSArbiter, RSOther, RSGhost:
		t = replaceServer(t, s)
		return checkHasPrimary(t)
	default:
		t = replaceServer(t, s)
		return checkHasPrimary(t)
	}
}

// updateRSWithoutPrimary folds a non-primary member report into a replica set topology that
// currently has no known primary: it learns the set name and adds newly-discovered members.
// Apart from dropping the reporting server itself when its set name does not match, it never
// removes a member (only a primary's host list is authoritative for membership).
func updateRSWithoutPrimary(t Topology, s Server) Topology {
	if t.SetName == "" {
		t.SetName = s.SetName
	} else if t.SetName != s.SetName {
		return removeServer(t, s.Addr)
	}

	t = addMissingMembers(t, s)
	return checkHasPrimary(t)
}

// updateRSFromPrimary applies a primary's report: set-name/version/electionId staleness checks
// per the replica-set spec, then reconciles membership against the primary's authoritative host
// list (adding newly discovered members, dropping servers the primary no longer lists).
func updateRSFromPrimary(t Topology, s Server) Topology {
	if t.SetName == "" {
		t.SetName = s.SetName
	} else if t.SetName != s.SetName {
		t = removeServer(t, s.Addr)
		return checkHasPrimary(t)
	}

	if s.SetVersion != 0 && len(s.ElectionID) > 0 {
		if t.MaxSetVersion != 0 && t.MaxElectionID != nil {
			stale := t.MaxSetVersion > s.SetVersion ||
				(t.MaxSetVersion == s.SetVersion && bytes.Compare(t.MaxElectionID, s.ElectionID) > 0)
			if stale {
				t = replaceServer(t, NewServerFromError(s.Addr, errStalePrimary, s.TopologyVersion))
				return checkHasPrimary(t)
			}
		}
		t.MaxElectionID = s.ElectionID
	}
	if s.SetVersion != 0 && s.SetVersion > t.MaxSetVersion {
		t.MaxSetVersion = s.SetVersion
	}

	// A primary's report is authoritative: any other server currently believed to be primary is
	// demoted to Unknown until its own heartbeat corrects it.
	for i, other := range t.Servers {
		if other.Addr != s.Addr && other.Kind == RSPrimary {
			t.Servers[i] = NewDefaultServer(other.Addr)
		}
	}

	t = addMissingMembers(t, s)

	known := map[string]bool{}
	for _, a := range allMembers(s) {
		known[a.String()] = true
	}
	known[s.Addr.String()] = true
	filtered := make([]Server, 0, len(t.Servers))
	for _, srv := range t.Servers {
		if known[srv.Addr.String()] {
			filtered = append(filtered, srv)
		}
	}
	t.Servers = filtered

	return checkHasPrimary(t)
}

func allMembers(s Server) []address.Address {
	members := make([]address.Address, 0, len(s.Members)+len(s.Passives)+len(s.Arbiters))
	members = append(members, s.Members...)
	members = append(members, s.Passives...)
	members = append(members, s.Arbiters...)
	return members
}

func addMissingMembers(t Topology, s Server) Topology {
	for _, a := range allMembers(s) {
		if _, ok := t.Server(a); !ok {
			t.Servers = append(copyServers(t.Servers), NewDefaultServer(a))
		}
	}
	return t
}

func checkHasPrimary(t Topology) Topology {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			t.Kind = ReplicaSetWithPrimary
			return t
		}
	}
	t.Kind = ReplicaSetNoPrimary
	return t
}

func copyServers(servers []Server) []Server {
	cp := make([]Server, len(servers))
	copy(cp, servers)
	return cp
}

func replaceServer(t Topology, s Server) Topology {
	servers := copyServers(t.Servers)
	for i, existing := range servers {
		if existing.Addr == s.Addr {
			servers[i] = s
			t.Servers = servers
			return t
		}
	}
	t.Servers = append(servers, s)
	return t
}

func removeServer(t Topology, addr address.Address) Topology {
	servers := make([]Server, 0, len(t.Servers))
	for _, existing := range t.Servers {
		if existing.Addr != addr {
			servers = append(servers, existing)
		}
	}
	t.Servers = servers
	return t
}
