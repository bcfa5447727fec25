// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements authentication mechanism negotiation for connection handshakes.
package auth

import (
	"context"
	"fmt"

	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

const defaultAuthDB = "admin"

// Cred holds a user's authentication credential as parsed from a connection string or
// ClientOptions, plus whatever mechanism-specific properties it carried.
type Cred struct {
	Source      string
	Username    string
	Password    string
	PasswordSet bool
	Props       map[string]string
}

// AuthConfig bundles what an Authenticator needs out of the connection handshake beyond the
// connection itself: the negotiated server description and anything a mechanism-specific
// credential provider might need to stamp onto its request (a cluster clock, speculative
// authentication state, and so on).
type AuthConfig struct {
	Description   description.Server
	ClusterClock  *session.ClusterClock
	HandshakeInfo interface{}
}

// Authenticator handles authenticating a connection.
type Authenticator interface {
	// Auth authenticates the connection.
	Auth(ctx context.Context, cfg *AuthConfig, conn driver.Connection) error
}

// AuthError is an error that occurred during authentication.
type AuthError struct {
	message string
	inner   error
}

func (e *AuthError) Error() string {
	if e.inner == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.inner)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error { return e.inner }

func newAuthError(message string, inner error) error {
	return &AuthError{message: message, inner: inner}
}

// CreateAuthenticator creates an authenticator for the given mechanism, or returns an error if
// no authenticator is registered for it.
func CreateAuthenticator(mechanism string, cred *Cred) (Authenticator, error) {
	authenticatorMu.RLock()
	defer authenticatorMu.RUnlock()

	f, ok := authenticators[mechanism]
	if !ok {
		return nil, newAuthError(fmt.Sprintf("unknown authenticator mechanism %q", mechanism), nil)
	}
	return f(cred)
}
