// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/address"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// maxClientMetadataSize is the maximum size of the client metadata document that can be sent to
// the server. The maximum document size on standalone and replica set members is 1024 bytes, but
// the maximum on sharded clusters is 512, so the driver always budgets for the smaller limit.
const maxClientMetadataSize = 512

const driverName = "mgdriver"
const driverVersion = "0.1.0"

// Hello runs the handshake/heartbeat "hello" command, the only command this driver ever sends
// without $db/lsid/$clusterTime decoration beyond what it sets itself.
type Hello struct {
	appname            string
	compressors        []string
	saslSupportedMechs string
	d                  driver.Deployment
	clock              *session.ClusterClock
	speculativeAuth    bsoncore.Document
	topologyVersion    *description.TopologyVersion
	maxAwaitTimeMS     *int64
	serverAPI          *driver.ServerAPIOptions
	loadBalanced       bool

	res bsoncore.Document
}

var _ driver.Handshaker = (*Hello)(nil)

// NewHello constructs a Hello.
func NewHello() *Hello { return &Hello{} }

// AppName sets the application name in the client metadata sent in this operation.
func (h *Hello) AppName(appname string) *Hello {
	h.appname = appname
	return h
}

// ClusterClock sets the cluster clock for this operation.
func (h *Hello) ClusterClock(clock *session.ClusterClock) *Hello {
	h.clock = clock
	return h
}

// Compressors sets the compressors that can be used.
func (h *Hello) Compressors(compressors []string) *Hello {
	h.compressors = compressors
	return h
}

// SASLSupportedMechs retrieves the supported SASL mechanism for the given user when this
// operation is run.
func (h *Hello) SASLSupportedMechs(username string) *Hello {
	h.saslSupportedMechs = username
	return h
}

// Deployment sets the Deployment for this operation.
func (h *Hello) Deployment(d driver.Deployment) *Hello {
	h.d = d
	return h
}

// SpeculativeAuthenticate sets the document to be used for speculative authentication.
func (h *Hello) SpeculativeAuthenticate(doc bsoncore.Document) *Hello {
	h.speculativeAuth = doc
	return h
}

// TopologyVersion sets the TopologyVersion to be used for heartbeats, so the server can fast-path
// an unchanged reply via the maxAwaitTimeMS long-poll.
func (h *Hello) TopologyVersion(tv *description.TopologyVersion) *Hello {
	h.topologyVersion = tv
	return h
}

// MaxAwaitTimeMS sets the maximum time for the server to wait for topology changes during a
// streaming heartbeat.
func (h *Hello) MaxAwaitTimeMS(awaitTime int64) *Hello {
	h.maxAwaitTimeMS = &awaitTime
	return h
}

// ServerAPI sets the declared server API version for this operation.
func (h *Hello) ServerAPI(serverAPI *driver.ServerAPIOptions) *Hello {
	h.serverAPI = serverAPI
	return h
}

// LoadBalanced marks this operation as running over a connection to a load balancer.
func (h *Hello) LoadBalanced(lb bool) *Hello {
	h.loadBalanced = lb
	return h
}

// Result returns the parsed server description from the most recently executed reply.
func (h *Hello) Result(addr address.Address) description.Server {
	return description.NewServer(addr, h.res)
}

const (
	envVarAWSExecutionEnv        = "AWS_EXECUTION_ENV"
	envVarAWSLambdaRuntimeAPI    = "AWS_LAMBDA_RUNTIME_API"
	envVarFunctionsWorkerRuntime = "FUNCTIONS_WORKER_RUNTIME"
	envVarKService               = "K_SERVICE"
	envVarFunctionName           = "FUNCTION_NAME"
	envVarVercel                 = "VERCEL"
)

const (
	envVarAWSRegion                   = "AWS_REGION"
	envVarAWSLambdaFunctionMemorySize = "AWS_LAMBDA_FUNCTION_MEMORY_SIZE"
	envVarFunctionMemoryMB            = "FUNCTION_MEMORY_MB"
	envVarFunctionTimeoutSec          = "FUNCTION_TIMEOUT_SEC"
	envVarFunctionRegion              = "FUNCTION_REGION"
	envVarVercelURL                   = "VERCEL_URL"
	envVarVercelRegion                = "VERCEL_REGION"
)

const (
	envNameAWSLambda = "aws.lambda"
	envNameAzureFunc = "azure.func"
	envNameGCPFunc   = "gcp.func"
	envNameVercel    = "vercel"
)

// getFaasEnvName parses the FaaS environment variable name and returns the corresponding name
// used by the client. If none of the variables, or variables for multiple names, are populated,
// the client.env value is omitted entirely.
func getFaasEnvName() string {
	envVars := []string{
		envVarAWSExecutionEnv,
		envVarAWSLambdaRuntimeAPI,
		envVarFunctionsWorkerRuntime,
		envVarKService,
		envVarFunctionName,
		envVarVercel,
	}

	names := make(map[string]struct{})
	for _, envVar := range envVars {
		if os.Getenv(envVar) == "" {
			continue
		}

		var name string
		switch envVar {
		case envVarAWSExecutionEnv, envVarAWSLambdaRuntimeAPI:
			name = envNameAWSLambda
		case envVarFunctionsWorkerRuntime:
			name = envNameAzureFunc
		case envVarKService, envVarFunctionName:
			name = envNameGCPFunc
		case envVarVercel:
			name = envNameVercel
		}

		names[name] = struct{}{}
		if len(names) > 1 {
			names = nil
			break
		}
	}

	for name := range names {
		return name
	}
	return ""
}

func appendClientAppName(dst []byte, name string) []byte {
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "application")
	dst = bsoncore.AppendStringElement(dst, "name", name)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func appendClientDriver(dst []byte) []byte {
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "driver")
	dst = bsoncore.AppendStringElement(dst, "name", driverName)
	dst = bsoncore.AppendStringElement(dst, "version", driverVersion)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func appendClientEnv(dst []byte, omitNonName, omitDoc bool) []byte {
	if omitDoc {
		return dst
	}
	name := getFaasEnvName()
	if name == "" {
		return dst
	}

	idx, dst := bsoncore.AppendDocumentElementStart(dst, "env")
	dst = bsoncore.AppendStringElement(dst, "name", name)

	addMem := func(envVar string) []byte {
		mem := os.Getenv(envVar)
		if mem == "" {
			return dst
		}
		n, err := strconv.ParseInt(mem, 10, 32)
		if err != nil {
			return dst
		}
		return bsoncore.AppendInt32Element(dst, "memory_mb", int32(n))
	}
	addRegion := func(envVar string) []byte {
		region := os.Getenv(envVar)
		if region == "" {
			return dst
		}
		return bsoncore.AppendStringElement(dst, "region", region)
	}
	addTimeout := func(envVar string) []byte {
		timeout := os.Getenv(envVar)
		if timeout == "" {
			return dst
		}
		n, err := strconv.ParseInt(timeout, 10, 32)
		if err != nil {
			return dst
		}
		return bsoncore.AppendInt32Element(dst, "timeout_sec", int32(n))
	}
	addURL := func(envVar string) []byte {
		url := os.Getenv(envVar)
		if url == "" {
			return dst
		}
		return bsoncore.AppendStringElement(dst, "url", url)
	}

	if !omitNonName {
		switch name {
		case envNameAWSLambda:
			dst = addMem(envVarAWSLambdaFunctionMemorySize)
			dst = addRegion(envVarAWSRegion)
		case envNameGCPFunc:
			dst = addMem(envVarFunctionMemoryMB)
			dst = addRegion(envVarFunctionRegion)
			dst = addTimeout(envVarFunctionTimeoutSec)
		case envNameVercel:
			dst = addRegion(envVarVercelRegion)
			dst = addURL(envVarVercelURL)
		}
	}

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func appendClientOS(dst []byte, omitNonType bool) []byte {
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "os")
	dst = bsoncore.AppendStringElement(dst, "type", runtime.GOOS)
	if !omitNonType {
		dst = bsoncore.AppendStringElement(dst, "architecture", runtime.GOARCH)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func appendClientPlatform(dst []byte) []byte {
	return bsoncore.AppendStringElement(dst, "platform", runtime.Version())
}

// encodeClientMetadata encodes the client metadata into a BSON document of at most maxLen bytes,
// following §4.4's instructions to progressively drop fields (env non-name fields, os
// non-type fields, the whole env document, then truncate platform entirely) until it fits, or
// return nil if it still doesn't.
func encodeClientMetadata(appname string, maxLen int) []byte {
	dst := make([]byte, 0, maxLen)

	omitEnvDoc := false
	omitEnvNonName := false
	omitOSNonType := false
	truncatePlatform := false

retry:
	idx, dst := bsoncore.AppendDocumentStart(dst[:0])
	dst = appendClientAppName(dst, appname)
	dst = appendClientDriver(dst)
	dst = appendClientOS(dst, omitOSNonType)
	if !truncatePlatform {
		dst = appendClientPlatform(dst)
	}
	dst = appendClientEnv(dst, omitEnvNonName, omitEnvDoc)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)

	if len(dst) > maxLen {
		if !omitEnvNonName {
			omitEnvNonName = true
			goto retry
		}
		if !omitOSNonType {
			omitOSNonType = true
			goto retry
		}
		if !omitEnvDoc {
			omitEnvDoc = true
			goto retry
		}
		if !truncatePlatform {
			truncatePlatform = true
			goto retry
		}
		return nil
	}

	return dst
}

// handshakeCommand appends all fields sent only on the initial handshake: SASL negotiation,
// speculative auth, compressor list, and client metadata.
func (h *Hello) handshakeCommand(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = h.command(dst, desc)

	if h.saslSupportedMechs != "" {
		dst = bsoncore.AppendStringElement(dst, "saslSupportedMechs", h.saslSupportedMechs)
	}
	if h.speculativeAuth != nil {
		dst = bsoncore.AppendDocumentElement(dst, "speculativeAuthenticate", h.speculativeAuth)
	}

	idx, dst := bsoncore.AppendArrayElementStart(dst, "compression")
	for i, compressor := range h.compressors {
		dst = bsoncore.AppendStringElement(dst, strconv.Itoa(i), compressor)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)

	if clientMetadata := encodeClientMetadata(h.appname, maxClientMetadataSize); len(clientMetadata) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "client", clientMetadata)
	}

	return dst, nil
}

// command appends the core hello fields common to both the handshake and heartbeat forms.
func (h *Hello) command(dst []byte, _ description.SelectedServer) []byte {
	dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)

	if tv := h.topologyVersion; tv != nil {
		idx, inner := bsoncore.AppendDocumentElementStart(dst, "topologyVersion")
		inner = bsoncore.AppendStringElement(inner, "processId", tv.ProcessID)
		inner = bsoncore.AppendInt64Element(inner, "counter", tv.Counter)
		inner, _ = bsoncore.AppendDocumentEnd(inner, idx)
		dst = inner
	}
	if h.maxAwaitTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", *h.maxAwaitTimeMS)
	}
	if h.loadBalanced {
		// loadBalanced is only ever sent when true; the field must never be sent as false.
		dst = bsoncore.AppendBooleanElement(dst, "loadBalanced", true)
	}

	return dst
}

// Execute runs this operation as a standalone, non-handshake hello call (used by the streaming
// and RTT monitors).
func (h *Hello) Execute(ctx context.Context) error {
	if h.d == nil {
		return errors.New("a Hello must have a Deployment set before Execute can be called")
	}
	return h.createOperation().Execute(ctx)
}

// StreamResponse reads the next streaming hello response off an exhaust-mode connection.
func (h *Hello) StreamResponse(ctx context.Context, conn driver.StreamerConnection) error {
	return h.createOperation().ExecuteExhaust(ctx, conn)
}

func (h *Hello) createOperation() driver.Operation {
	return driver.Operation{
		Clock: h.clock,
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			return h.command(dst, desc), nil
		},
		Database:   "admin",
		Deployment: h.d,
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = info.ServerResponse
			return nil
		},
		ServerAPI: h.serverAPI,
		// maxAwaitTimeMS is only ever set on a streaming (awaitable) hello, so its presence is
		// exactly the condition under which the initial request should set ExhaustAllowed.
		Streaming: h.maxAwaitTimeMS != nil,
	}
}

// GetHandshakeInformation performs the initial hello for a freshly dialed connection and reports
// the resulting server description. This implements the driver.Handshaker interface.
func (h *Hello) GetHandshakeInformation(ctx context.Context, _ address.Address, c driver.Connection) (driver.HandshakeInformation, error) {
	err := driver.Operation{
		Clock:      h.clock,
		CommandFn:  h.handshakeCommand,
		Deployment: driver.SingleConnectionDeployment{Connection: c},
		Database:   "admin",
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = info.ServerResponse
			return nil
		},
		ServerAPI: h.serverAPI,
	}.Execute(ctx)
	if err != nil {
		return driver.HandshakeInformation{}, err
	}

	info := driver.HandshakeInformation{
		Description: h.Result(c.Address()),
	}
	if speculativeAuthenticate, ok := h.res.Lookup("speculativeAuthenticate").DocumentOK(); ok {
		info.SpeculativeAuthenticate = speculativeAuthenticate
	}
	if serverConnectionID, ok := h.res.Lookup("connectionId").Int32OK(); ok {
		info.ServerConnectionID = &serverConnectionID
	}
	if mechs, ok := h.res.Lookup("saslSupportedMechs").ArrayOK(); ok {
		values, valErr := mechs.Values()
		if valErr != nil {
			return info, valErr
		}
		for _, v := range values {
			if s, ok := v.StringValueOK(); ok {
				info.SaslSupportedMechs = append(info.SaslSupportedMechs, s)
			}
		}
	}
	return info, nil
}

// FinishHandshake implements the Handshaker interface. It is a no-op here because a
// non-authenticated connection has nothing left to do after the initial hello.
func (h *Hello) FinishHandshake(context.Context, driver.Connection) error {
	return nil
}
