// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"strconv"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// appendDocumentArray appends key as an array of the given documents, indexed "0", "1", ...
func appendDocumentArray(dst []byte, key string, docs []bsoncore.Document) []byte {
	idx, dst := bsoncore.AppendArrayElementStart(dst, key)
	for i, doc := range docs {
		dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(i), doc)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)
	return dst
}

// extractWriteCommandError parses the writeErrors/writeConcernError fields a write command reply
// (insert/update/delete) may carry even when ok:1 — a case extractCommandError deliberately
// leaves alone since that helper only fires on ok != 1.
func extractWriteCommandError(reply bsoncore.Document) *driver.WriteCommandError {
	var wce driver.WriteCommandError

	if arr, ok := reply.Lookup("writeErrors").ArrayOK(); ok {
		values, err := arr.Values()
		if err == nil {
			for _, v := range values {
				doc, ok := v.DocumentOK()
				if !ok {
					continue
				}
				we := driver.WriteError{}
				if idx, ok := doc.Lookup("index").AsInt64OK(); ok {
					we.Index = idx
				}
				if code, ok := doc.Lookup("code").AsInt64OK(); ok {
					we.Code = code
				}
				if msg, ok := doc.Lookup("errmsg").StringValueOK(); ok {
					we.Message = msg
				}
				wce.WriteErrors = append(wce.WriteErrors, we)
			}
		}
	}

	if doc, ok := reply.Lookup("writeConcernError").DocumentOK(); ok {
		wcErr := &driver.WriteConcernError{}
		if code, ok := doc.Lookup("code").AsInt64OK(); ok {
			wcErr.Code = code
		}
		if name, ok := doc.Lookup("codeName").StringValueOK(); ok {
			wcErr.Name = name
		}
		if msg, ok := doc.Lookup("errmsg").StringValueOK(); ok {
			wcErr.Message = msg
		}
		if details, ok := doc.Lookup("errInfo").DocumentOK(); ok {
			wcErr.Details = details
		}
		wce.WriteConcernError = wcErr
	}

	if labels, ok := reply.Lookup("errorLabels").ArrayOK(); ok {
		values, err := labels.Values()
		if err == nil {
			for _, v := range values {
				if s, ok := v.StringValueOK(); ok {
					wce.Labels = append(wce.Labels, s)
				}
			}
		}
	}

	if len(wce.WriteErrors) == 0 && wce.WriteConcernError == nil {
		return nil
	}
	return &wce
}

// pinnedSelector narrows candidates to the single server at addr, used to honor a session's
// mongos pin for the lifetime of a transaction.
func pinnedSelector(addr string) description.ServerSelector {
	return description.ServerSelectorFunc(func(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
		for _, s := range candidates {
			if string(s.Addr) == addr {
				return []description.Server{s}, nil
			}
		}
		return nil, nil
	})
}

// selectorForSession returns a selector pinned to the session's mongos, if one is pinned, falling
// back to fallback otherwise.
func selectorForSession(sess *session.Client, fallback description.ServerSelector) description.ServerSelector {
	if sess == nil {
		return fallback
	}
	if addr := sess.PinnedServer(); addr != "" {
		return pinnedSelector(addr)
	}
	return fallback
}

// finishTransactionHandshake advances a starting transaction to InProgress and, on a sharded
// topology, pins the session to the mongos that just answered — per §4.7's pinning rule.
func finishTransactionHandshake(sess *session.Client, info driver.ResponseInfo) {
	if sess == nil || !sess.InActiveTransaction() {
		return
	}
	if info.ConnectionDescription.Kind == description.Mongos && sess.PinnedServer() == "" {
		sess.PinToServer(string(info.Connection.Address()))
	}
	sess.AdvanceToInProgress()
}
