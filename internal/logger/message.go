package logger

import (
	"fmt"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
)

// ComponentMessage is implemented by anything that can be printed through a Logger: it names the
// component it belongs to (for level filtering), a short human-readable message, and a flat
// key/value slice of structured fields a LogSink can attach to that message.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize() []interface{}
}

// CommandMessageDropped is printed in place of a real message when the logger's internal job
// channel is full, so a burst of traffic degrades into "messages were dropped" rather than
// blocking the caller.
type CommandMessageDropped struct {
	Name      string
	RequestID int64
}

// Component implements ComponentMessage.
func (*CommandMessageDropped) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m *CommandMessageDropped) Message() string { return "Command message dropped" }

// Serialize implements ComponentMessage.
func (m *CommandMessageDropped) Serialize() []interface{} {
	return []interface{}{"commandName", m.Name, "requestId", m.RequestID}
}

// CommandStartedMessage is printed when a command is about to be sent to the server.
type CommandStartedMessage struct {
	Name         string
	RequestID    int64
	ConnectionID string
	DatabaseName string
	Command      bsoncore.Document
}

// Component implements ComponentMessage.
func (*CommandStartedMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m *CommandStartedMessage) Message() string { return "Command started" }

// Serialize implements ComponentMessage.
func (m *CommandStartedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.Name,
		"requestId", m.RequestID,
		"driverConnectionId", m.ConnectionID,
		"databaseName", m.DatabaseName,
		"command", m.Command,
	}
}

// CommandSucceededMessage is printed when a command's reply has been read successfully.
type CommandSucceededMessage struct {
	Name         string
	RequestID    int64
	ConnectionID string
	DurationMS   int64
	Reply        bsoncore.Document
}

// Component implements ComponentMessage.
func (*CommandSucceededMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m *CommandSucceededMessage) Message() string { return "Command succeeded" }

// Serialize implements ComponentMessage.
func (m *CommandSucceededMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.Name,
		"requestId", m.RequestID,
		"driverConnectionId", m.ConnectionID,
		"durationMS", m.DurationMS,
		"reply", m.Reply,
	}
}

// CommandFailedMessage is printed when sending a command or reading its reply failed.
type CommandFailedMessage struct {
	Name         string
	RequestID    int64
	ConnectionID string
	DurationMS   int64
	Failure      error
}

// Component implements ComponentMessage.
func (*CommandFailedMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m *CommandFailedMessage) Message() string { return "Command failed" }

// Serialize implements ComponentMessage.
func (m *CommandFailedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.Name,
		"requestId", m.RequestID,
		"driverConnectionId", m.ConnectionID,
		"durationMS", m.DurationMS,
		"failure", fmt.Sprint(m.Failure),
	}
}
