// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref describes read preferences, governing which servers in a deployment are
// eligible to serve a given read.
package readpref

import (
	"errors"
	"time"
)

// Mode indicates the user's preference on reads.
type Mode uint8

// Supported read preference modes.
const (
	_ Mode = iota
	PrimaryMode
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ErrInvalidTagSet is returned when a non-empty tag set is combined with PrimaryMode.
var ErrInvalidTagSet = errors.New("a non-empty tag set is not allowed with a primary read preference")

// TagSet is an ordered set of tags a candidate server's own tags must satisfy.
type TagSet []Tag

// Tag is a single key/value server tag.
type Tag struct {
	Name  string
	Value string
}

// ReadPref determines which servers are considered suitable for read operations.
type ReadPref struct {
	maxStaleness    time.Duration
	maxStalenessSet bool
	mode            Mode
	tagSets         []TagSet
	hedgeEnabled    *bool
}

// Option configures a ReadPref.
type Option func(*ReadPref) error

// WithMaxStaleness sets the maximum acceptable staleness a secondary may report before it is
// excluded from selection.
func WithMaxStaleness(ms time.Duration) Option {
	return func(rp *ReadPref) error {
		rp.maxStaleness = ms
		rp.maxStalenessSet = true
		return nil
	}
}

// WithTags sets a tag set to use for selection.
func WithTags(tags ...Tag) Option {
	return func(rp *ReadPref) error {
		if len(tags) == 0 {
			return nil
		}
		rp.tagSets = append(rp.tagSets, tags)
		return nil
	}
}

// WithTagSets sets the sequence of tag sets to use for selection, tried in order.
func WithTagSets(tagSets ...TagSet) Option {
	return func(rp *ReadPref) error {
		rp.tagSets = append(rp.tagSets, tagSets...)
		return nil
	}
}

// WithHedgeEnabled sets whether hedged reads are requested, for sharded clusters that support it.
func WithHedgeEnabled(enabled bool) Option {
	return func(rp *ReadPref) error {
		rp.hedgeEnabled = &enabled
		return nil
	}
}

// New constructs a ReadPref with the given mode and options.
func New(mode Mode, opts ...Option) (*ReadPref, error) {
	rp := &ReadPref{mode: mode}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(rp); err != nil {
			return nil, err
		}
	}
	if mode == PrimaryMode && len(rp.tagSets) > 0 {
		return nil, ErrInvalidTagSet
	}
	return rp, nil
}

// Primary constructs a ReadPref with a PrimaryMode.
func Primary() *ReadPref { rp, _ := New(PrimaryMode); return rp }

// PrimaryPreferred constructs a ReadPref with a PrimaryPreferredMode.
func PrimaryPreferred(opts ...Option) *ReadPref { rp, _ := New(PrimaryPreferredMode, opts...); return rp }

// Secondary constructs a ReadPref with a SecondaryMode.
func Secondary(opts ...Option) *ReadPref { rp, _ := New(SecondaryMode, opts...); return rp }

// SecondaryPreferred constructs a ReadPref with a SecondaryPreferredMode.
func SecondaryPreferred(opts ...Option) *ReadPref { rp, _ := New(SecondaryPreferredMode, opts...); return rp }

// Nearest constructs a ReadPref with a NearestMode.
func Nearest(opts ...Option) *ReadPref { rp, _ := New(NearestMode, opts...); return rp }

// Mode returns the read preference mode.
func (r *ReadPref) Mode() Mode {
	if r == nil {
		return PrimaryMode
	}
	return r.mode
}

// TagSets returns the configured tag sets.
func (r *ReadPref) TagSets() []TagSet {
	if r == nil {
		return nil
	}
	return r.tagSets
}

// MaxStaleness returns the configured max staleness and whether it was set.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) {
	if r == nil {
		return 0, false
	}
	return r.maxStaleness, r.maxStalenessSet
}

// HedgeEnabled returns whether hedged reads were explicitly requested.
func (r *ReadPref) HedgeEnabled() *bool {
	if r == nil {
		return nil
	}
	return r.hedgeEnabled
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case PrimaryMode:
		return "primary"
	case PrimaryPreferredMode:
		return "primaryPreferred"
	case SecondaryMode:
		return "secondary"
	case SecondaryPreferredMode:
		return "secondaryPreferred"
	case NearestMode:
		return "nearest"
	default:
		return "unknown"
	}
}
