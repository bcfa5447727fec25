// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/youmark/pkcs8"
)

// MongoDBX509 is the mechanism name for MONGODB-X509.
const MongoDBX509 = "MONGODB-X509"

func newMongoDBX509Authenticator(cred *Cred) (Authenticator, error) {
	if cred.Source != "" && cred.Source != "$external" {
		return nil, newAuthError("MONGODB-X509 source must be empty or $external", nil)
	}
	return &MongoDBX509Authenticator{User: cred.Username}, nil
}

// MongoDBX509Authenticator uses the certificate subject presented during the TLS handshake as
// the authenticated identity; the server derives it from the peer certificate, so User is only
// needed to satisfy servers older than 3.4 that required it on the authenticate command.
type MongoDBX509Authenticator struct {
	User string
}

// Auth authenticates the connection.
func (a *MongoDBX509Authenticator) Auth(ctx context.Context, _ *AuthConfig, conn driver.Connection) error {
	var serverResponse bsoncore.Document
	op := driver.Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			dst = bsoncore.AppendInt32Element(dst, "authenticate", 1)
			dst = bsoncore.AppendStringElement(dst, "mechanism", MongoDBX509)
			if a.User != "" {
				dst = bsoncore.AppendStringElement(dst, "user", a.User)
			}
			return dst, nil
		},
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			serverResponse = info.ServerResponse
			return nil
		},
		Database:   "$external",
		Deployment: driver.SingleConnectionDeployment{Connection: conn},
		Type:       driver.Write,
	}
	if err := op.Execute(ctx); err != nil {
		return newAuthError("MONGODB-X509 authentication error", err)
	}
	_ = serverResponse
	return nil
}

// LoadClientCertificate builds a tls.Certificate from a PEM certificate-and-key file, used for
// the client identity presented during the TLS handshake that MONGODB-X509 authenticates
// against. If keyPassword is non-empty, the private key block is assumed to be PKCS#8-encrypted
// (e.g. `openssl pkcs8 -topk8 -v2 aes-256-cbc`) and is decrypted with it before parsing.
func LoadClientCertificate(certKeyPEM []byte, keyPassword string) (tls.Certificate, error) {
	var certBlocks [][]byte
	var keyDER []byte
	rest := certKeyPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certBlocks = append(certBlocks, block.Bytes)
		case "PRIVATE KEY", "ENCRYPTED PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if keyPassword != "" {
				key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(keyPassword))
				if err != nil {
					return tls.Certificate{}, fmt.Errorf("error decrypting PKCS8 client key: %w", err)
				}
				der, err := x509.MarshalPKCS8PrivateKey(key)
				if err != nil {
					return tls.Certificate{}, fmt.Errorf("error re-marshaling decrypted client key: %w", err)
				}
				keyDER = der
			} else {
				keyDER = block.Bytes
			}
		}
	}
	if len(certBlocks) == 0 || keyDER == nil {
		return tls.Certificate{}, fmt.Errorf("PEM input must contain both a certificate and a private key")
	}

	var certPEM []byte
	for _, der := range certBlocks {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyPEMBlock := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return tls.X509KeyPair(certPEM, keyPEMBlock)
}
