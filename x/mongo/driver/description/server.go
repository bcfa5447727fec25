// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
)

// VersionRange bounds the inclusive [Min, Max] wire versions a server or driver supports.
type VersionRange struct {
	Min int32
	Max int32
}

// NewVersionRange creates a new VersionRange given a min and a max.
func NewVersionRange(min, max int32) VersionRange {
	return VersionRange{Min: min, Max: max}
}

// Includes returns true if the version is included in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// Server contains an immutable snapshot of a server as reported by the most recent hello reply,
// error, or initial seed. Every field is read-only to callers; a new Server replaces the old one
// wholesale rather than being mutated in place.
type Server struct {
	Addr address.Address

	AverageRTT            time.Duration
	AverageRTTSet         bool
	Compression           []string
	CanonicalAddr         address.Address
	ElectionID            bsoncore.Document // object ID, opaque
	HeartbeatInterval     time.Duration
	HelloOK               bool
	LastError             error
	LastUpdateTime        time.Time
	LastWriteTime         time.Time
	MaxBatchCount         uint32
	MaxDocumentSize       uint32
	MaxMessageSize        uint32
	Members               []address.Address
	Passives              []address.Address
	Arbiters              []address.Address
	Tags                  Tags
	Kind                  ServerKind
	WireVersion           *VersionRange
	Version               Version
	SessionTimeoutMinutes *int64
	SetName               string
	SetVersion            uint32
	Hidden                bool
	Passive               bool
	ReplicaSet            string
	SaslSupportedMechs    []string
	TopologyVersion       *TopologyVersion
	ServiceID             *bsoncore.Document // present on load balanced deployments
}

// Version holds a server's build version as (major, minor, patch).
type Version struct {
	Major, Minor, Patch int
}

// NewDefaultServer creates a default, unpopulated Server description for address addr. This is
// the zero-value a Server starts from before the first heartbeat reply arrives.
func NewDefaultServer(addr address.Address) Server {
	return Server{Addr: addr, Kind: Unknown, LastUpdateTime: time.Now()}
}

// NewServerFromError creates a Server description in the Unknown state carrying the supplied
// error, used whenever a monitor or the executor observes a failure for this address.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		LastError:       err,
		Kind:            Unknown,
		LastUpdateTime:  time.Now(),
		TopologyVersion: tv,
	}
}

// NewServer parses a hello/isMaster reply into a Server description, classifying its ServerKind
// from the presence and value of isWritablePrimary/secondary/arbiterOnly/msg/setName per the
// server discovery rules in §4.2.
func NewServer(addr address.Address, reply bsoncore.Document) Server {
	s := Server{
		Addr:           addr,
		LastUpdateTime: time.Now(),
		Kind:           Standalone,
	}

	if ok, isOK := reply.Lookup("ok").AsInt64OK(); isOK && ok == 0 {
		return NewDefaultServer(addr)
	}

	if v, ok := reply.Lookup("helloOk").BooleanOK(); ok {
		s.HelloOK = v
	}
	if v, ok := reply.Lookup("msg").StringValueOK(); ok && v == "isdbgrid" {
		s.Kind = Mongos
	}
	if v, ok := reply.Lookup("setName").StringValueOK(); ok {
		s.SetName = v
		s.ReplicaSet = v
		s.Kind = RSOther
	}
	if v, ok := reply.Lookup("isWritablePrimary").BooleanOK(); ok && v {
		s.Kind = RSPrimary
	} else if v, ok := reply.Lookup("ismaster").BooleanOK(); ok && v && s.SetName != "" {
		s.Kind = RSPrimary
	}
	if v, ok := reply.Lookup("secondary").BooleanOK(); ok && v {
		s.Kind = RSSecondary
	}
	if v, ok := reply.Lookup("arbiterOnly").BooleanOK(); ok && v {
		s.Kind = RSArbiter
	}
	if s.SetName != "" && s.Kind == RSOther {
		if v, ok := reply.Lookup("hidden").BooleanOK(); ok && v {
			s.Kind = RSOther
		}
	}
	if v, ok := reply.Lookup("isreplicaset").BooleanOK(); ok && v {
		s.Kind = RSGhost
	}

	if v, ok := reply.Lookup("hidden").BooleanOK(); ok {
		s.Hidden = v
	}
	if v, ok := reply.Lookup("passive").BooleanOK(); ok {
		s.Passive = v
	}
	if v, ok := reply.Lookup("minWireVersion").Int32OK(); ok {
		if s.WireVersion == nil {
			s.WireVersion = &VersionRange{}
		}
		s.WireVersion.Min = v
	}
	if v, ok := reply.Lookup("maxWireVersion").Int32OK(); ok {
		if s.WireVersion == nil {
			s.WireVersion = &VersionRange{}
		}
		s.WireVersion.Max = v
	}
	if v, ok := reply.Lookup("maxBsonObjectSize").Int32OK(); ok {
		s.MaxDocumentSize = uint32(v)
	}
	if v, ok := reply.Lookup("maxMessageSizeBytes").Int32OK(); ok {
		s.MaxMessageSize = uint32(v)
	}
	if v, ok := reply.Lookup("maxWriteBatchSize").Int32OK(); ok {
		s.MaxBatchCount = uint32(v)
	}
	if v, ok := reply.Lookup("setVersion").Int32OK(); ok {
		s.SetVersion = uint32(v)
	}
	if v, ok := reply.Lookup("electionId").DocumentOK(); ok {
		s.ElectionID = v
	}
	if v, ok := reply.Lookup("logicalSessionTimeoutMinutes").Int32OK(); ok {
		timeout := int64(v)
		s.SessionTimeoutMinutes = &timeout
	}
	if v, ok := reply.Lookup("me").StringValueOK(); ok {
		s.CanonicalAddr = address.Address(v)
	}
	s.Members = append(s.Members, addressesFromArray(reply, "hosts")...)
	s.Passives = addressesFromArray(reply, "passives")
	s.Arbiters = addressesFromArray(reply, "arbiters")

	if tagsDoc, ok := reply.Lookup("tags").DocumentOK(); ok {
		tags := Tags{}
		elems, _ := tagsDoc.Elements()
		for _, e := range elems {
			if v, ok := e.Value().StringValueOK(); ok {
				tags[e.Key()] = v
			}
		}
		s.Tags = tags
	}
	if lw, ok := reply.Lookup("lastWrite").DocumentOK(); ok {
		if t, ok := lw.Lookup("lastWriteDate").Int64OK(); ok {
			s.LastWriteTime = time.UnixMilli(t)
		}
	}
	if mechsArr, ok := reply.Lookup("saslSupportedMechs").ArrayOK(); ok {
		values, _ := mechsArr.Values()
		for _, v := range values {
			if s2, ok := v.StringValueOK(); ok {
				s.SaslSupportedMechs = append(s.SaslSupportedMechs, s2)
			}
		}
	}
	if compressionArr, ok := reply.Lookup("compression").ArrayOK(); ok {
		values, _ := compressionArr.Values()
		for _, v := range values {
			if c, ok := v.StringValueOK(); ok {
				s.Compression = append(s.Compression, c)
			}
		}
	}
	if serviceID, ok := reply.Lookup("serviceId").DocumentOK(); ok {
		s.ServiceID = &serviceID
	}
	if tv, ok := reply.Lookup("topologyVersion").DocumentOK(); ok {
		if parsed, ok := parseTopologyVersion(tv); ok {
			s.TopologyVersion = &parsed
		}
	}

	return s
}

func addressesFromArray(reply bsoncore.Document, key string) []address.Address {
	arr, ok := reply.Lookup(key).ArrayOK()
	if !ok {
		return nil
	}
	values, _ := arr.Values()
	result := make([]address.Address, 0, len(values))
	for _, v := range values {
		if s, ok := v.StringValueOK(); ok {
			result = append(result, address.Address(s))
		}
	}
	return result
}

func parseTopologyVersion(doc bsoncore.Document) (TopologyVersion, bool) {
	pid, ok := doc.Lookup("processId").StringValueOK()
	if !ok {
		return TopologyVersion{}, false
	}
	counter, _ := doc.Lookup("counter").Int64OK()
	return TopologyVersion{ProcessID: pid, Counter: counter}, true
}

// SetAverageRTT returns a copy of this Server with its average RTT set. Descriptions are
// immutable snapshots, so every mutator returns a new value rather than mutating the receiver.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// LastWriteDate returns the last write date reported by the server, zero if unset.
func (s Server) LastWriteDate() time.Time {
	return s.LastWriteTime
}

// String implements the fmt.Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %s", s.Tags)
	}
	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %s", s.AverageRTT)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

// Tags is a set of tags in the key/value pairs a client can use to target secondaries via read
// preference.
type Tags map[string]string

// ContainsAll returns true if the tag set ts contains all key/value pairs in other.
func (ts Tags) ContainsAll(other Tags) bool {
	for k, v := range other {
		if tsv, ok := ts[k]; !ok || tsv != v {
			return false
		}
	}
	return true
}
