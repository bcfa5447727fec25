// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import "sync"

var (
	authenticatorMu sync.RWMutex
	authenticators  = make(map[string]func(cred *Cred) (Authenticator, error))
)

// RegisterAuthenticatorFactory registers a constructor for the named mechanism, overwriting any
// existing registration; this lets a caller swap in its own MONGODB-AWS or GSSAPI credential
// provider without forking this package.
func RegisterAuthenticatorFactory(mechanism string, f func(cred *Cred) (Authenticator, error)) {
	authenticatorMu.Lock()
	defer authenticatorMu.Unlock()
	authenticators[mechanism] = f
}

func init() {
	RegisterAuthenticatorFactory(SCRAMSHA1, newScramSHA1Authenticator)
	RegisterAuthenticatorFactory(SCRAMSHA256, newScramSHA256Authenticator)
	RegisterAuthenticatorFactory(MongoDBX509, newMongoDBX509Authenticator)
	RegisterAuthenticatorFactory(MongoDBAWS, newMongoDBAWSAuthenticator)
	RegisterAuthenticatorFactory(GSSAPI, newGSSAPIAuthenticator)
}
