// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"time"

	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/operation"
)

// rttEWMAAlpha is the exponential-weighting factor used for the average RTT: a new sample
// contributes 20% of the updated average, matching the SDAM spec's RTT smoothing formula.
const rttEWMAAlpha = 0.2

// rttMonitor runs a second, short-lived connection that sends non-awaitable hello calls purely
// to measure round-trip time, decoupled from the streaming monitor's long-lived awaitable hello.
// This mirrors the spec's requirement that RTT measurement not be blocked behind a pending
// streaming response.
type rttMonitor struct {
	address address.Address
	cfg     *serverConfig
	interval time.Duration

	mu      sync.Mutex
	average time.Duration
	set     bool
	conn    *connection

	done chan struct{}
	wg   sync.WaitGroup
}

func newRTTMonitor(addr address.Address, cfg *serverConfig, interval time.Duration) *rttMonitor {
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	return &rttMonitor{
		address:  addr,
		cfg:      cfg,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (r *rttMonitor) start() {
	r.wg.Add(1)
	go r.run()
}

func (r *rttMonitor) stop() {
	close(r.done)
	r.wg.Wait()
	r.mu.Lock()
	if r.conn != nil {
		r.conn.close()
	}
	r.mu.Unlock()
}

func (r *rttMonitor) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *rttMonitor) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.heartbeatTimeout)
	defer cancel()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil || conn.closed() {
		opts := append([]ConnectionOption{}, r.cfg.connectionOpts...)
		opts = append(opts,
			WithConnectTimeout(r.cfg.heartbeatTimeout),
			WithReadTimeout(r.cfg.heartbeatTimeout),
			WithWriteTimeout(r.cfg.heartbeatTimeout),
			WithMonitor(nil),
			WithHandshaker(operation.NewHello().AppName(r.cfg.appname).Compressors(r.cfg.compressionOpts)),
		)
		newConn, err := newConnection(r.address, opts...)
		if err != nil {
			return
		}
		if err := newConn.connect(ctx); err != nil {
			return
		}
		r.mu.Lock()
		r.conn = newConn
		r.mu.Unlock()
		// The handshake hello is not timed and adds no sample; the RTT monitor's own samples
		// start from the next tick.
		return
	}

	start := time.Now()
	op := operation.NewHello().ClusterClock(r.cfg.clock).Deployment(driver.SingleConnectionDeployment{Connection: conn})
	err := op.Execute(ctx)
	sample := time.Since(start)
	if err != nil {
		r.mu.Lock()
		if r.conn != nil {
			r.conn.close()
		}
		r.conn = nil
		r.mu.Unlock()
		return
	}

	r.addSample(sample)
}

func (r *rttMonitor) addSample(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.set {
		r.average = d
		r.set = true
		return
	}
	r.average = time.Duration(rttEWMAAlpha*float64(d) + (1-rttEWMAAlpha)*float64(r.average))
}

func (r *rttMonitor) getRTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.average
}
