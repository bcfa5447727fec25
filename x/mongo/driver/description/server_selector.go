// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"fmt"
	"time"
)

// SelectedServer pairs a Server description with the TopologyKind it was selected out of, which
// downstream command assembly needs (e.g. to decide whether to attach readPreference).
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// ServerSelector is implemented by types that can filter a list of servers to those eligible for
// an operation.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc is an adapter to allow the use of ordinary functions as ServerSelectors.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements the ServerSelector interface.
func (ssf ServerSelectorFunc) SelectServer(t Topology, s []Server) ([]Server, error) { return ssf(t, s) }

// WriteSelector selects servers that can be written to: any server in a Single, LoadBalanced, or
// Sharded topology, and the RSPrimary in a replica set.
type WriteSelector struct{}

// SelectServer implements the ServerSelector interface.
func (WriteSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	switch t.Kind {
	case Single, LoadBalanced, Sharded:
		return candidates, nil
	default:
		result := make([]Server, 0, 1)
		for _, s := range candidates {
			if s.Kind == RSPrimary {
				result = append(result, s)
			}
		}
		return result, nil
	}
}

// ReadPrefMode mirrors the five MongoDB read preference modes.
type ReadPrefMode uint8

// ReadPrefMode constants.
const (
	PrimaryMode ReadPrefMode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ReadPref describes how a read operation should choose among available servers: by mode, by tag
// sets, and by maximum staleness.
type ReadPref struct {
	mode          ReadPrefMode
	tagSets       []Tags
	maxStaleness  time.Duration
	hasMaxStale   bool
}

// NewReadPref constructs a ReadPref with the given mode.
func NewReadPref(mode ReadPrefMode) *ReadPref { return &ReadPref{mode: mode} }

// Mode returns the configured mode.
func (rp *ReadPref) Mode() ReadPrefMode { return rp.mode }

// TagSets returns the configured tag sets, evaluated in order; a read is eligible against a
// server if any one tag set in this list is a subset of the server's tags.
func (rp *ReadPref) TagSets() []Tags { return rp.tagSets }

// WithTagSets returns a copy of rp with the given tag sets attached.
func (rp *ReadPref) WithTagSets(sets ...Tags) *ReadPref {
	cp := *rp
	cp.tagSets = sets
	return &cp
}

// MaxStaleness returns the configured maximum staleness, if any.
func (rp *ReadPref) MaxStaleness() (time.Duration, bool) { return rp.maxStaleness, rp.hasMaxStale }

// WithMaxStaleness returns a copy of rp with the given maximum staleness attached.
func (rp *ReadPref) WithMaxStaleness(d time.Duration) *ReadPref {
	cp := *rp
	cp.maxStaleness = d
	cp.hasMaxStale = true
	return &cp
}

// Primary returns a ReadPref for PrimaryMode.
func Primary() *ReadPref { return NewReadPref(PrimaryMode) }

// ErrInvalidReadPreference is returned by validation when a read preference combination is
// illegal, e.g. tag sets or maxStaleness used with PrimaryMode.
var ErrInvalidReadPreference = errors.New("primary read preference mode cannot be combined with tags or max staleness")

// Validate checks read-preference invariants: mode primary cannot carry tag sets or maxStaleness.
func (rp *ReadPref) Validate() error {
	if rp.mode == PrimaryMode && (len(rp.tagSets) > 0 || rp.hasMaxStale) {
		return ErrInvalidReadPreference
	}
	return nil
}

// ReadPrefSelector selects servers matching a read preference: mode, tag sets, and staleness.
type ReadPrefSelector struct {
	rp *ReadPref
}

// NewReadPrefSelector builds a ReadPrefSelector for rp.
func NewReadPrefSelector(rp *ReadPref) ServerSelector { return ReadPrefSelector{rp: rp} }

// SelectServer implements the ServerSelector interface.
func (rs ReadPrefSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	if t.Kind == Single || t.Kind == LoadBalanced {
		return candidates, nil
	}

	if t.Kind == Sharded {
		// mongos routes read preference itself; any data-bearing mongos is eligible.
		return candidates, nil
	}

	mode := rs.rp.mode
	if mode == PrimaryMode {
		result := make([]Server, 0, 1)
		for _, s := range candidates {
			if s.Kind == RSPrimary {
				result = append(result, s)
			}
		}
		return result, nil
	}

	var result []Server
	switch mode {
	case PrimaryPreferredMode:
		for _, s := range candidates {
			if s.Kind == RSPrimary {
				return []Server{s}, nil
			}
		}
		result = selectSecondaries(rs.rp, candidates)
	case SecondaryMode, SecondaryPreferredMode:
		result = selectSecondaries(rs.rp, candidates)
		if len(result) == 0 && mode == SecondaryPreferredMode {
			for _, s := range candidates {
				if s.Kind == RSPrimary {
					result = append(result, s)
				}
			}
		}
	case NearestMode:
		for _, s := range candidates {
			if s.Kind == RSPrimary || s.Kind == RSSecondary {
				if matchesTagSets(s, rs.rp.tagSets) {
					result = append(result, s)
				}
			}
		}
	}

	return filterByStaleness(t, rs.rp, result), nil
}

func selectSecondaries(rp *ReadPref, candidates []Server) []Server {
	var result []Server
	for _, s := range candidates {
		if s.Kind == RSSecondary && matchesTagSets(s, rp.tagSets) {
			result = append(result, s)
		}
	}
	return result
}

func matchesTagSets(s Server, sets []Tags) bool {
	if len(sets) == 0 {
		return true
	}
	for _, set := range sets {
		if len(set) == 0 || s.Tags.ContainsAll(set) {
			return true
		}
	}
	return false
}

// filterByStaleness drops secondaries whose last write date lags the primary's (or, with no
// primary, the freshest member's plus the secondary's heartbeat interval) by more than
// maxStalenessSeconds, per §4.6 of the specification.
func filterByStaleness(t Topology, rp *ReadPref, candidates []Server) []Server {
	maxStaleness, ok := rp.MaxStaleness()
	if !ok || maxStaleness <= 0 {
		return candidates
	}

	primary, hasPrimary := t.Primary()

	var freshest time.Time
	for _, s := range t.Servers {
		if s.Kind != RSSecondary && s.Kind != RSPrimary {
			continue
		}
		if s.LastWriteDate().After(freshest) {
			freshest = s.LastWriteDate()
		}
	}

	result := make([]Server, 0, len(candidates))
	for _, s := range candidates {
		if s.Kind != RSSecondary {
			result = append(result, s)
			continue
		}
		var staleness time.Duration
		if hasPrimary {
			staleness = primary.LastWriteDate().Sub(s.LastWriteDate()) + s.HeartbeatInterval - primary.HeartbeatInterval
		} else {
			staleness = freshest.Sub(s.LastWriteDate()) + s.HeartbeatInterval
		}
		if staleness <= maxStaleness {
			result = append(result, s)
		}
	}
	return result
}

// LatencySelector reduces a non-empty candidate list to the latency window: servers whose
// average RTT is within localThreshold of the minimum observed RTT.
type LatencySelector struct {
	Latency time.Duration
}

// SelectServer implements the ServerSelector interface.
func (ls LatencySelector) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	if ls.Latency < 0 {
		return candidates, nil
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	min := candidates[0].AverageRTT
	for _, s := range candidates[1:] {
		if s.AverageRTT < min {
			min = s.AverageRTT
		}
	}

	threshold := min + ls.Latency
	result := make([]Server, 0, len(candidates))
	for _, s := range candidates {
		if s.AverageRTT <= threshold {
			result = append(result, s)
		}
	}
	return result, nil
}

// CompositeSelector chains selectors, feeding the output of one into the next.
type CompositeSelector struct {
	Selectors []ServerSelector
}

// SelectServer implements the ServerSelector interface.
func (cs CompositeSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	var err error
	for _, sel := range cs.Selectors {
		candidates, err = sel.SelectServer(t, candidates)
		if err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// ServerSelectionError is returned when no suitable server was found before the deadline.
type ServerSelectionError struct {
	Wrapped  error
	Topology Topology
}

func (e ServerSelectionError) Error() string {
	return fmt.Sprintf("server selection error: %s, topology: %s", e.Wrapped, e.Topology)
}

func (e ServerSelectionError) Unwrap() error { return e.Wrapped }
