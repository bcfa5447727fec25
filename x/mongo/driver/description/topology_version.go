// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// TopologyVersion tracks the monotonically advancing (processId, counter) pair a server reports
// on hello replies and on errors, used to discard stale SDAM updates.
type TopologyVersion struct {
	ProcessID string
	Counter   int64
}

// CompareTopologyVersion returns -1 if tv1 is older than tv2, 0 if they are the same or not
// comparable (different process IDs, or either is nil), and 1 if tv1 is newer than tv2.
func CompareTopologyVersion(tv1, tv2 *TopologyVersion) int {
	if tv1 == nil || tv2 == nil {
		return 0
	}
	if tv1.ProcessID != tv2.ProcessID {
		return 0
	}
	switch {
	case tv1.Counter < tv2.Counter:
		return -1
	case tv1.Counter > tv2.Counter:
		return 1
	default:
		return 0
	}
}

// IsStaleErrorTopologyVersion reports whether an error carrying errTV is stale relative to the
// currently known server topology version desc, per the SDAM error-handling rule: ignore the
// error if it is not newer than what we've already observed.
func IsStaleErrorTopologyVersion(desc *TopologyVersion, errTV *TopologyVersion) bool {
	return CompareTopologyVersion(desc, errTV) >= 0
}
