// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"github.com/driftlane/mgdriver/x/mongo/driver"
)

// GSSAPI is the mechanism name for GSSAPI (Kerberos).
const GSSAPI = "GSSAPI"

func newGSSAPIAuthenticator(cred *Cred) (Authenticator, error) {
	return &GSSAPIAuthenticator{cred: cred}, nil
}

// GSSAPIAuthenticator registers the GSSAPI mechanism name. A real implementation needs a
// platform Kerberos binding (cyrus-sasl on Linux/macOS, SSPI on Windows) that this build does
// not link in; install one with RegisterAuthenticatorFactory(GSSAPI, ...).
type GSSAPIAuthenticator struct {
	cred *Cred
}

// Auth authenticates the connection.
func (a *GSSAPIAuthenticator) Auth(context.Context, *AuthConfig, driver.Connection) error {
	return newAuthError("GSSAPI authentication requires a platform Kerberos binding; none is configured", nil)
}
