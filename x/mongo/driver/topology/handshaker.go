// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/operation"
)

// helloHandshaker adapts a Server's configured app name/compressors/API version into a
// driver.Handshaker. It builds a fresh operation.Hello per call rather than sharing one across
// calls, since Hello stores its own response as instance state and a pool dials connections
// concurrently.
type helloHandshaker struct {
	cfg *serverConfig
}

func (h helloHandshaker) GetHandshakeInformation(ctx context.Context, addr address.Address, conn driver.Connection) (driver.HandshakeInformation, error) {
	return operation.NewHello().
		AppName(h.cfg.appname).
		ClusterClock(h.cfg.clock).
		Compressors(h.cfg.compressionOpts).
		ServerAPI(h.cfg.serverAPI).
		LoadBalanced(h.cfg.loadBalanced).
		GetHandshakeInformation(ctx, addr, conn)
}

func (h helloHandshaker) FinishHandshake(ctx context.Context, conn driver.Connection) error {
	return operation.NewHello().FinishHandshake(ctx, conn)
}

var _ driver.Handshaker = helloHandshaker{}
