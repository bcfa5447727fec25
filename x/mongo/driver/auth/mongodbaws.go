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

// MongoDBAWS is the mechanism name for MONGODB-AWS.
const MongoDBAWS = "MONGODB-AWS"

func newMongoDBAWSAuthenticator(cred *Cred) (Authenticator, error) {
	if cred.Source != "" && cred.Source != "$external" {
		return nil, newAuthError("MONGODB-AWS source must be empty or $external", nil)
	}
	return &MongoDBAWSAuthenticator{cred: cred}, nil
}

// MongoDBAWSAuthenticator registers the MONGODB-AWS mechanism name so a deployment configured
// for it fails with a clear error rather than an unknown-mechanism one; resolving AWS-IAM
// credentials (static, environment, web identity, EC2/ECS metadata) is a credential-provider
// chain this build does not ship. Call RegisterAuthenticatorFactory(MongoDBAWS, ...) to install
// one without forking this package.
type MongoDBAWSAuthenticator struct {
	cred *Cred
}

// Auth authenticates the connection.
func (a *MongoDBAWSAuthenticator) Auth(context.Context, *AuthConfig, driver.Connection) error {
	return newAuthError("MONGODB-AWS authentication requires a registered AWS credential provider; none is configured", nil)
}
