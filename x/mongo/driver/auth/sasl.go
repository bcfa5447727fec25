// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"fmt"

	"context"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
)

// SaslClient is the client piece of a sasl conversation.
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (payload []byte, err error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that holds resources that must be released once the
// conversation ends, successfully or not.
type SaslClientCloser interface {
	SaslClient
	Close()
}

type saslResponse struct {
	conversationID int32
	code           int32
	done           bool
	payload        []byte
}

func parseSaslResponse(doc bsoncore.Document) (saslResponse, error) {
	var resp saslResponse
	if v, err := doc.LookupErr("conversationId"); err == nil {
		if i, ok := v.AsInt64OK(); ok {
			resp.conversationID = int32(i)
		}
	}
	if v, err := doc.LookupErr("code"); err == nil {
		if i, ok := v.AsInt64OK(); ok {
			resp.code = int32(i)
		}
	}
	if v, err := doc.LookupErr("done"); err == nil {
		if b, ok := v.BooleanOK(); ok {
			resp.done = b
		}
	}
	if v, err := doc.LookupErr("payload"); err == nil {
		if _, data, ok := v.BinaryOK(); ok {
			resp.payload = data
		}
	}
	return resp, nil
}

// ConductSaslConversation drives a saslStart/saslContinue exchange against conn on behalf of
// client, returning once the server reports the conversation done and client agrees.
func ConductSaslConversation(ctx context.Context, conn driver.Connection, db string, client SaslClient) error {
	if db == "" {
		db = defaultAuthDB
	}
	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	mech, payload, err := client.Start()
	if err != nil {
		return newAuthError("sasl conversation error", err)
	}

	resp, err := runSaslCommand(ctx, conn, db, func(dst []byte) []byte {
		dst = bsoncore.AppendInt32Element(dst, "saslStart", 1)
		dst = bsoncore.AppendStringElement(dst, "mechanism", mech)
		dst = bsoncore.AppendBinaryElement(dst, "payload", payload)
		return dst
	})
	if err != nil {
		return newAuthError("sasl conversation error", err)
	}

	cid := resp.conversationID
	for {
		if resp.code != 0 {
			return newAuthError(fmt.Sprintf("server returned error code %d during %s conversation", resp.code, mech), nil)
		}
		if resp.done && client.Completed() {
			return nil
		}

		payload, err = client.Next(resp.payload)
		if err != nil {
			return newAuthError("sasl conversation error", err)
		}

		if resp.done && client.Completed() {
			return nil
		}

		resp, err = runSaslCommand(ctx, conn, db, func(dst []byte) []byte {
			dst = bsoncore.AppendInt32Element(dst, "saslContinue", 1)
			dst = bsoncore.AppendInt32Element(dst, "conversationId", cid)
			dst = bsoncore.AppendBinaryElement(dst, "payload", payload)
			return dst
		})
		if err != nil {
			return newAuthError("sasl conversation error", err)
		}
	}
}

func runSaslCommand(ctx context.Context, conn driver.Connection, db string, appendBody func([]byte) []byte) (saslResponse, error) {
	var serverResponse bsoncore.Document
	op := driver.Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			return appendBody(dst), nil
		},
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			serverResponse = info.ServerResponse
			return nil
		},
		Database:   db,
		Deployment: driver.SingleConnectionDeployment{Connection: conn},
		Type:       driver.Write,
	}
	if err := op.Execute(ctx); err != nil {
		return saslResponse{}, err
	}
	return parseSaslResponse(serverResponse)
}
