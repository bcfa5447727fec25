// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"

	"github.com/driftlane/mgdriver/x/mongo/driver/address"
)

func primaryServer(addr string, setVersion uint32, electionID []byte, members ...string) Server {
	addrs := make([]address.Address, len(members))
	for i, m := range members {
		addrs[i] = address.Address(m)
	}
	return Server{
		Addr:       address.Address(addr),
		Kind:       RSPrimary,
		SetName:    "rs0",
		SetVersion: setVersion,
		ElectionID: electionID,
		Members:    addrs,
	}
}

func secondaryServer(addr string) Server {
	return Server{Addr: address.Address(addr), Kind: RSSecondary, SetName: "rs0"}
}

func TestApplyServerUnknownToSingle(t *testing.T) {
	topo := Topology{Kind: TopologyUnknown, Servers: []Server{NewDefaultServer("a:27017")}}
	topo = ApplyServer(topo, Server{Addr: "a:27017", Kind: Standalone})

	if topo.Kind != Single {
		t.Fatalf("expected Single, got %s", topo.Kind)
	}
}

func TestApplyServerUnknownToReplicaSetWithPrimary(t *testing.T) {
	topo := Topology{Kind: TopologyUnknown, Servers: []Server{NewDefaultServer("a:27017")}}
	topo = ApplyServer(topo, primaryServer("a:27017", 1, []byte{0x01}, "a:27017", "b:27017"))

	if topo.Kind != ReplicaSetWithPrimary {
		t.Fatalf("expected ReplicaSetWithPrimary, got %s", topo.Kind)
	}
	if _, ok := topo.Server("b:27017"); !ok {
		t.Fatal("expected discovered member b:27017 to be added")
	}
	if topo.SetName != "rs0" {
		t.Fatalf("expected SetName rs0, got %q", topo.SetName)
	}
	if err := topo.validateInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestApplyServerSecondaryDoesNotRemoveUnknownMembers(t *testing.T) {
	topo := Topology{Kind: ReplicaSetNoPrimary, SetName: "rs0", Servers: []Server{
		NewDefaultServer("a:27017"),
	}}
	topo = ApplyServer(topo, secondaryServer("a:27017"))

	if topo.Kind != ReplicaSetNoPrimary {
		t.Fatalf("expected ReplicaSetNoPrimary, got %s", topo.Kind)
	}
	if len(topo.Servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(topo.Servers))
	}
}

func TestApplyServerPrimaryRemovesUnlistedMember(t *testing.T) {
	topo := Topology{Kind: ReplicaSetWithPrimary, SetName: "rs0", Servers: []Server{
		primaryServer("a:27017", 1, []byte{0x01}, "a:27017", "b:27017"),
		secondaryServer("b:27017"),
		secondaryServer("c:27017"), // stale member the primary no longer lists
	}}

	topo = ApplyServer(topo, primaryServer("a:27017", 1, []byte{0x01}, "a:27017", "b:27017"))

	if _, ok := topo.Server("c:27017"); ok {
		t.Fatal("expected c:27017 to be removed since the primary no longer lists it")
	}
	if len(topo.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(topo.Servers))
	}
}

func TestApplyServerStalePrimaryDemoted(t *testing.T) {
	topo := Topology{Kind: ReplicaSetWithPrimary, SetName: "rs0", MaxSetVersion: 2, MaxElectionID: []byte{0x02}, Servers: []Server{
		primaryServer("a:27017", 2, []byte{0x02}, "a:27017", "b:27017"),
		secondaryServer("b:27017"),
	}}

	// b:27017 believes itself primary with a stale (setVersion, electionId).
	topo = ApplyServer(topo, primaryServer("b:27017", 1, []byte{0x01}, "a:27017", "b:27017"))

	srv, ok := topo.Server("b:27017")
	if !ok {
		t.Fatal("expected b:27017 to still be known")
	}
	if srv.Kind != Unknown {
		t.Fatalf("expected stale primary to be demoted to Unknown, got %s", srv.Kind)
	}
	if err := topo.validateInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestApplyServerNewPrimaryDemotesOldPrimary(t *testing.T) {
	topo := Topology{Kind: ReplicaSetWithPrimary, SetName: "rs0", MaxSetVersion: 1, MaxElectionID: []byte{0x01}, Servers: []Server{
		primaryServer("a:27017", 1, []byte{0x01}, "a:27017", "b:27017"),
		secondaryServer("b:27017"),
	}}

	topo = ApplyServer(topo, primaryServer("b:27017", 2, []byte{0x02}, "a:27017", "b:27017"))

	a, ok := topo.Server("a:27017")
	if !ok || a.Kind != Unknown {
		t.Fatalf("expected old primary a:27017 demoted to Unknown, got %+v ok=%v", a, ok)
	}
	b, ok := topo.Server("b:27017")
	if !ok || b.Kind != RSPrimary {
		t.Fatalf("expected b:27017 to be the new primary, got %+v ok=%v", b, ok)
	}
	if topo.Kind != ReplicaSetWithPrimary {
		t.Fatalf("expected ReplicaSetWithPrimary, got %s", topo.Kind)
	}
}

func TestApplyServerPrimaryLostGoesToNoPrimary(t *testing.T) {
	topo := Topology{Kind: ReplicaSetWithPrimary, SetName: "rs0", Servers: []Server{
		primaryServer("a:27017", 1, []byte{0x01}, "a:27017", "b:27017"),
		secondaryServer("b:27017"),
	}}

	topo = ApplyServer(topo, NewServerFromError("a:27017", errStalePrimary, nil))

	if topo.Kind != ReplicaSetNoPrimary {
		t.Fatalf("expected ReplicaSetNoPrimary after losing the primary, got %s", topo.Kind)
	}
}

func TestApplyServerShardedIgnoresNonMongos(t *testing.T) {
	topo := Topology{Kind: Sharded, Servers: []Server{
		{Addr: "a:27017", Kind: Mongos},
	}}

	topo = ApplyServer(topo, Server{Addr: "b:27017", Kind: RSPrimary})

	if _, ok := topo.Server("b:27017"); ok {
		t.Fatal("expected non-mongos report to be dropped from a sharded topology")
	}
}

func TestApplyServerWrongSetNameRemoved(t *testing.T) {
	topo := Topology{Kind: ReplicaSetNoPrimary, SetName: "rs0", Servers: []Server{
		NewDefaultServer("a:27017"),
	}}

	topo = ApplyServer(topo, Server{Addr: "a:27017", Kind: RSPrimary, SetName: "other"})

	if _, ok := topo.Server("a:27017"); ok {
		t.Fatal("expected server reporting the wrong set name to be removed")
	}
}
