// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"runtime"
	"testing"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
)

// wrapDocument wraps element-appending output (as produced by the append* helpers, which assume
// they're writing into an already-open document) into a standalone top-level document so it can
// be parsed back with Document.LookupErr.
func wrapDocument(t *testing.T, appendElems func(dst []byte) []byte) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = appendElems(dst)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		t.Fatalf("AppendDocumentEnd: %v", err)
	}
	return bsoncore.Document(dst)
}

func lookupSubdoc(t *testing.T, doc bsoncore.Document, key string) bsoncore.Document {
	t.Helper()
	v, err := doc.LookupErr(key)
	if err != nil {
		t.Fatalf("missing %s: %v", key, err)
	}
	sub, ok := v.DocumentOK()
	if !ok {
		t.Fatalf("%s is not a document: %v", key, v)
	}
	return sub
}

func mustString(t *testing.T, v bsoncore.Value) string {
	t.Helper()
	s, ok := v.StringValueOK()
	if !ok {
		t.Fatalf("value is not a string: %v", v)
	}
	return s
}

func TestAppendClientAppName(t *testing.T) {
	t.Parallel()

	doc := wrapDocument(t, func(dst []byte) []byte { return appendClientAppName(dst, "myapp") })
	app := lookupSubdoc(t, doc, "application")
	name, err := app.LookupErr("name")
	if err != nil {
		t.Fatalf("missing application.name: %v", err)
	}
	if got, ok := name.StringValueOK(); !ok || got != "myapp" {
		t.Fatalf("application.name = %v, want myapp", name)
	}
}

func TestAppendClientDriver(t *testing.T) {
	t.Parallel()

	doc := wrapDocument(t, appendClientDriver)
	driver := lookupSubdoc(t, doc, "driver")
	name, err := driver.LookupErr("name")
	if err != nil || mustString(t, name) != driverName {
		t.Fatalf("driver.name = %v, want %s", name, driverName)
	}
	version, err := driver.LookupErr("version")
	if err != nil || mustString(t, version) != driverVersion {
		t.Fatalf("driver.version = %v, want %s", version, driverVersion)
	}
}

func TestAppendClientOS(t *testing.T) {
	t.Parallel()

	full := wrapDocument(t, func(dst []byte) []byte { return appendClientOS(dst, false) })
	osDoc := lookupSubdoc(t, full, "os")
	if _, err := osDoc.LookupErr("architecture"); err != nil {
		t.Fatalf("expected os.architecture to be present: %v", err)
	}

	trimmed := wrapDocument(t, func(dst []byte) []byte { return appendClientOS(dst, true) })
	osDoc = lookupSubdoc(t, trimmed, "os")
	if _, err := osDoc.LookupErr("architecture"); err == nil {
		t.Fatalf("expected os.architecture to be omitted when omitNonType is set")
	}
	typ, err := osDoc.LookupErr("type")
	if err != nil || mustString(t, typ) != runtime.GOOS {
		t.Fatalf("os.type = %v, want %s", typ, runtime.GOOS)
	}
}

func TestAppendClientPlatform(t *testing.T) {
	t.Parallel()

	doc := wrapDocument(t, appendClientPlatform)
	platform, err := doc.LookupErr("platform")
	if err != nil || mustString(t, platform) != runtime.Version() {
		t.Fatalf("platform = %v, want %s", platform, runtime.Version())
	}
}

func TestGetFaasEnvName(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "no env", want: ""},
		{
			name: "one aws",
			env:  map[string]string{envVarAWSExecutionEnv: "hello"},
			want: envNameAWSLambda,
		},
		{
			name: "both aws options",
			env: map[string]string{
				envVarAWSExecutionEnv:     "hello",
				envVarAWSLambdaRuntimeAPI: "hello",
			},
			want: envNameAWSLambda,
		},
		{
			name: "multiple providers reported is ambiguous",
			env: map[string]string{
				envVarAWSExecutionEnv:        "hello",
				envVarFunctionsWorkerRuntime: "hello",
			},
			want: "",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			for k, v := range test.env {
				t.Setenv(k, v)
			}
			if got := getFaasEnvName(); got != test.want {
				t.Errorf("getFaasEnvName() = %s, want %s", got, test.want)
			}
		})
	}
}

func TestEncodeClientMetadataTruncatesToFit(t *testing.T) {
	t.Setenv(envVarAWSExecutionEnv, "AWS_Lambda_java8")
	t.Setenv(envVarAWSRegion, "us-east-1")

	full := encodeClientMetadata("myapp", maxClientMetadataSize)
	if len(full) == 0 {
		t.Fatalf("expected a non-empty document with plenty of room")
	}

	tiny := encodeClientMetadata("myapp", 40)
	if len(tiny) > 40 {
		t.Fatalf("encodeClientMetadata exceeded maxLen: %d > 40", len(tiny))
	}
}

func BenchmarkClientMetadata(b *testing.B) {
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if encodeClientMetadata("benchapp", maxClientMetadataSize) == nil {
				b.Fatal("expected non-nil client metadata")
			}
		}
	})
}
