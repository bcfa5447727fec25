// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/xdg-go/scram"
)

// SCRAMSHA1 is the mechanism name for SCRAM-SHA-1.
const SCRAMSHA1 = "SCRAM-SHA-1"

// SCRAMSHA256 is the mechanism name for SCRAM-SHA-256.
const SCRAMSHA256 = "SCRAM-SHA-256"

func newScramSHA1Authenticator(cred *Cred) (Authenticator, error) {
	passdigest := mongodbHashUsernamePassword(cred.Username, cred.Password)
	client, err := scram.SHA1.NewClient(cred.Username, passdigest, "")
	if err != nil {
		return nil, newAuthError("error initializing SCRAM-SHA-1", err)
	}
	return &ScramAuthenticator{mechanism: SCRAMSHA1, source: cred.Source, client: client}, nil
}

func newScramSHA256Authenticator(cred *Cred) (Authenticator, error) {
	client, err := scram.SHA256.NewClient(cred.Username, cred.Password, "")
	if err != nil {
		return nil, newAuthError("error initializing SCRAM-SHA-256", err)
	}
	return &ScramAuthenticator{mechanism: SCRAMSHA256, source: cred.Source, client: client}, nil
}

// mongodbHashUsernamePassword computes the password digest SCRAM-SHA-1 authenticates with: the
// hex MD5 hash of "username:mongo:password", the same digest MONGODB-CR used, kept for
// backwards compatibility with SHA-1-only deployments.
func mongodbHashUsernamePassword(username, password string) string {
	h := md5.New()
	_, _ = h.Write([]byte(username + ":mongo:" + password))
	return hex.EncodeToString(h.Sum(nil))
}

// ScramAuthenticator uses the SCRAM algorithm over SASL to authenticate a connection.
type ScramAuthenticator struct {
	mechanism string
	source    string
	client    *scram.Client
}

// Auth authenticates the connection.
func (a *ScramAuthenticator) Auth(ctx context.Context, _ *AuthConfig, conn driver.Connection) error {
	adapter := &scramSaslAdapter{mechanism: a.mechanism, conv: a.client.NewConversation()}
	if err := ConductSaslConversation(ctx, conn, a.source, adapter); err != nil {
		return fmt.Errorf("%s: %w", a.mechanism, err)
	}
	return nil
}

type scramSaslAdapter struct {
	mechanism string
	conv      *scram.ClientConversation
}

var _ SaslClient = (*scramSaslAdapter)(nil)

func (a *scramSaslAdapter) Start() (string, []byte, error) {
	step, err := a.conv.Step("")
	if err != nil {
		return a.mechanism, nil, err
	}
	return a.mechanism, []byte(step), nil
}

func (a *scramSaslAdapter) Next(challenge []byte) ([]byte, error) {
	step, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(step), nil
}

func (a *scramSaslAdapter) Completed() bool {
	return a.conv.Done()
}
