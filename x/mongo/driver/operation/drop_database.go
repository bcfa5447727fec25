// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/mongo/writeconcern"
	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/description"
	"github.com/driftlane/mgdriver/x/mongo/driver/session"
)

// DropDatabase performs a dropDatabase operation.
type DropDatabase struct {
	session      *session.Client
	clock        *session.ClusterClock
	monitor      *event.CommandMonitor
	database     string
	deployment   driver.Deployment
	selector     description.ServerSelector
	writeConcern *writeconcern.WriteConcern
	serverAPI    *driver.ServerAPIOptions
	result       DropDatabaseResult
}

// DropDatabaseResult is the result of a dropDatabase operation.
type DropDatabaseResult struct {
	// Dropped is the dropped database.
	Dropped string
}

func buildDropDatabaseResult(response bsoncore.Document) (DropDatabaseResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return DropDatabaseResult{}, err
	}
	ddr := DropDatabaseResult{}
	for _, element := range elements {
		if element.Key() != "dropped" {
			continue
		}
		var ok bool
		ddr.Dropped, ok = element.Value().StringValueOK()
		if !ok {
			return ddr, fmt.Errorf("response field 'dropped' is type string, but received BSON type %v", element.Value().Type)
		}
	}
	return ddr, nil
}

// NewDropDatabase constructs and returns a new DropDatabase.
func NewDropDatabase() *DropDatabase {
	return &DropDatabase{}
}

// Result returns the result of executing this operation.
func (dd *DropDatabase) Result() DropDatabaseResult { return dd.result }

func (dd *DropDatabase) processResponse(info driver.ResponseInfo) error {
	var err error
	dd.result, err = buildDropDatabaseResult(info.ServerResponse)
	return err
}

// Execute runs this operation and returns an error if it did not execute successfully.
func (dd *DropDatabase) Execute(ctx context.Context) error {
	if dd.deployment == nil {
		return errors.New("the DropDatabase operation must have a Deployment set before Execute can be called")
	}

	var wc bsoncore.Document
	if dd.writeConcern != nil {
		_, wc, _ = dd.writeConcern.MarshalBSONValue()
	}

	return driver.Operation{
		CommandFn:         dd.command,
		ProcessResponseFn: dd.processResponse,
		Client:            dd.session,
		Clock:             dd.clock,
		CommandMonitor:    dd.monitor,
		Database:          dd.database,
		Deployment:        dd.deployment,
		Selector:          dd.selector,
		WriteConcern:      wc,
		ServerAPI:         dd.serverAPI,
		Type:              driver.Write,
	}.Execute(ctx)
}

func (dd *DropDatabase) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "dropDatabase", 1)
	return dst, nil
}

// Session sets the session for this operation.
func (dd *DropDatabase) Session(session *session.Client) *DropDatabase {
	dd.session = session
	return dd
}

// ClusterClock sets the cluster clock for this operation.
func (dd *DropDatabase) ClusterClock(clock *session.ClusterClock) *DropDatabase {
	dd.clock = clock
	return dd
}

// CommandMonitor sets the monitor to use for APM events.
func (dd *DropDatabase) CommandMonitor(monitor *event.CommandMonitor) *DropDatabase {
	dd.monitor = monitor
	return dd
}

// Database sets the database to run this operation against.
func (dd *DropDatabase) Database(database string) *DropDatabase {
	dd.database = database
	return dd
}

// Deployment sets the deployment to use for this operation.
func (dd *DropDatabase) Deployment(deployment driver.Deployment) *DropDatabase {
	dd.deployment = deployment
	return dd
}

// ServerSelector sets the selector used to retrieve a server.
func (dd *DropDatabase) ServerSelector(selector description.ServerSelector) *DropDatabase {
	dd.selector = selector
	return dd
}

// WriteConcern sets the write concern for this operation.
func (dd *DropDatabase) WriteConcern(writeConcern *writeconcern.WriteConcern) *DropDatabase {
	dd.writeConcern = writeConcern
	return dd
}

// ServerAPI sets the declared API version for this operation.
func (dd *DropDatabase) ServerAPI(serverAPI *driver.ServerAPIOptions) *DropDatabase {
	dd.serverAPI = serverAPI
	return dd
}
