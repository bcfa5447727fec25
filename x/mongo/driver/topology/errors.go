// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import "github.com/driftlane/mgdriver/x/mongo/driver"

// unwrapConnectionError returns the network error wrapped by err, or nil if err does not wrap
// one, used by SDAM error handling to decide whether an error originated below the command
// layer (and therefore always invalidates the server) versus being an ordinary command error.
func unwrapConnectionError(err error) error {
	if connErr, ok := err.(ConnectionError); ok {
		return connErr.Wrapped
	}
	if driverErr, ok := err.(driver.NetworkError); ok {
		return driverErr.Wrapped
	}
	return nil
}
