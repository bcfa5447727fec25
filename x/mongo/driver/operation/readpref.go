// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"github.com/driftlane/mgdriver/mongo/readpref"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// ReadPrefToSelector converts a user-facing readpref.ReadPref into the description.ServerSelector
// the executor consults for candidate filtering. A nil rp defaults to a primary read, matching
// the driver-wide default when a command's caller never set one explicitly.
func ReadPrefToSelector(rp *readpref.ReadPref) description.ServerSelector {
	mode := description.PrimaryMode
	switch rp.Mode() {
	case readpref.PrimaryPreferredMode:
		mode = description.PrimaryPreferredMode
	case readpref.SecondaryMode:
		mode = description.SecondaryMode
	case readpref.SecondaryPreferredMode:
		mode = description.SecondaryPreferredMode
	case readpref.NearestMode:
		mode = description.NearestMode
	}

	drp := description.NewReadPref(mode)
	if ms, ok := rp.MaxStaleness(); ok {
		drp = drp.WithMaxStaleness(ms)
	}
	if tagSets := rp.TagSets(); len(tagSets) > 0 {
		converted := make([]description.Tags, 0, len(tagSets))
		for _, ts := range tagSets {
			tags := make(description.Tags, len(ts))
			for _, t := range ts {
				tags[t.Name] = t.Value
			}
			converted = append(converted, tags)
		}
		drp = drp.WithTagSets(converted...)
	}

	return description.NewReadPrefSelector(drp)
}
