// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import "sync"

// Pool is an LRU-ish pool of server sessions: GetSession prefers the most recently used session
// (pushed and popped from the back), and ReturnSession discards any session that is now too
// close to the server's logicalSessionTimeoutMinutes instead of recycling it, per §4.6.
type Pool struct {
	mu      sync.Mutex
	sessions []*ServerSession
	timeoutMinutes int64
}

// NewPool creates an empty server-session pool.
func NewPool() *Pool {
	return &Pool{}
}

// SetTimeoutMinutes updates the pool's view of logicalSessionTimeoutMinutes, refreshed from the
// most recent hello reply of any server in the topology.
func (p *Pool) SetTimeoutMinutes(minutes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutMinutes = minutes
}

// GetSession returns a non-expired session from the back of the pool (most recently used), or
// allocates a fresh one if the pool is empty or every pooled session has expired.
func (p *Pool) GetSession() (*ServerSession, error) {
	p.mu.Lock()
	for len(p.sessions) > 0 {
		ss := p.sessions[len(p.sessions)-1]
		p.sessions = p.sessions[:len(p.sessions)-1]
		if !ss.expired(p.timeoutMinutes) {
			p.mu.Unlock()
			return ss, nil
		}
	}
	p.mu.Unlock()

	return newServerSession()
}

// ReturnSession pushes ss back onto the pool unless it is dirty or has expired, and evicts any
// now-expired sessions sitting at the front while it's here (they'll never be reached by
// GetSession's LIFO pop order otherwise).
func (p *Pool) ReturnSession(ss *ServerSession) {
	if ss == nil || ss.Dirty || ss.expired(p.timeoutMinutes) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.sessions) > 0 && p.sessions[0].expired(p.timeoutMinutes) {
		p.sessions = p.sessions[1:]
	}
	p.sessions = append(p.sessions, ss)
}

// IDSlice returns the session ID documents of every pooled session, used to build an
// endSessions command when the client is closed so the server can promptly reclaim them.
func (p *Pool) IDSlice() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([][]byte, 0, len(p.sessions))
	for _, ss := range p.sessions {
		ids = append(ids, ss.SessionID)
	}
	return ids
}
