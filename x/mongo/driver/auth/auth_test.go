// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import "testing"

func TestCreateAuthenticatorKnownMechanisms(t *testing.T) {
	t.Parallel()

	for _, mech := range []string{SCRAMSHA1, SCRAMSHA256, MongoDBX509, MongoDBAWS, GSSAPI} {
		mech := mech
		t.Run(mech, func(t *testing.T) {
			t.Parallel()
			a, err := CreateAuthenticator(mech, &Cred{Username: "user", Password: "pencil"})
			if err != nil {
				t.Fatalf("CreateAuthenticator(%q): %v", mech, err)
			}
			if a == nil {
				t.Fatalf("CreateAuthenticator(%q) returned a nil Authenticator", mech)
			}
		})
	}
}

func TestCreateAuthenticatorUnknownMechanism(t *testing.T) {
	t.Parallel()

	if _, err := CreateAuthenticator("NOT-A-MECHANISM", &Cred{}); err == nil {
		t.Fatalf("expected an error for an unregistered mechanism")
	}
}

func TestMongoDBHashUsernamePassword(t *testing.T) {
	t.Parallel()

	got := mongodbHashUsernamePassword("user", "pencil")
	want := mongodbHashUsernamePassword("user", "pencil")
	if got != want {
		t.Fatalf("hash is not deterministic: %q != %q", got, want)
	}
	if mongodbHashUsernamePassword("user", "pencil") == mongodbHashUsernamePassword("user", "other") {
		t.Fatalf("different passwords hashed to the same digest")
	}
}

func TestNewMongoDBX509AuthenticatorRejectsSource(t *testing.T) {
	t.Parallel()

	if _, err := newMongoDBX509Authenticator(&Cred{Source: "admin"}); err == nil {
		t.Fatalf("expected an error for a non-external source")
	}
	if _, err := newMongoDBX509Authenticator(&Cred{Source: "$external"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
