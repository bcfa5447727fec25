// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address contains the address identity shared by monitors, pools,
// and topology descriptions.
package address

import (
	"net"
	"strings"
)

// Address is a host/port or Unix domain socket path identifying a single mongod/mongos.
// It is the identity key used by server monitors, connection pools, and topology maps.
type Address string

// Network returns the network that this address uses. It can be either "unix" or "tcp".
func (a Address) Network() string {
	if strings.HasSuffix(string(a), ".sock") {
		return "unix"
	}
	return "tcp"
}

// String returns the string form of this address.
func (a Address) String() string {
	if len(a) == 0 {
		return "0.0.0.0:27017"
	}
	switch a.Network() {
	case "unix":
		return string(a)
	default:
		host, port, err := net.SplitHostPort(string(a))
		if err != nil {
			if addrError, ok := err.(*net.AddrError); !ok || !strings.HasPrefix(addrError.Err, "missing port") {
				return string(a)
			}
			host = string(a)
			port = "27017"
		}
		if host == "" {
			host = "localhost"
		}
		return net.JoinHostPort(host, port)
	}
}
