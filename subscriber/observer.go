// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
	"github.com/bureau-foundation/gep/protocol"
)

// Observer receives subscriber events. NewMeasurements is called from
// the delivery queue worker; every other method is called from the
// connection goroutine and must not block for long.
type Observer interface {
	ConnectionEstablished()
	// ConnectionTerminated reports why a connection ended. The
	// subscriber reconnects unless its context was cancelled.
	ConnectionTerminated(err error)

	// ProcessException reports a non-fatal failure: a Failed
	// response, an undecodable packet, a panicking observer.
	ProcessException(err error)
	StatusMessage(message string)

	NewMeasurements(measurements []measurement.Measurement)
	MetadataReceived(document *metadata.Document)
	DataStartTime(start measurement.Ticks)
	NotificationReceived(message string)
	BufferBlockReceived(key measurement.Key, data []byte)
}

// UserResponseReceiver is implemented by observers that handle
// UserResponse00 through UserResponse15. Without it user responses
// are reported as status messages.
type UserResponseReceiver interface {
	UserResponseReceived(command protocol.CommandCode, payload []byte)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) ConnectionEstablished()                      {}
func (NopObserver) ConnectionTerminated(error)                  {}
func (NopObserver) ProcessException(error)                      {}
func (NopObserver) StatusMessage(string)                        {}
func (NopObserver) NewMeasurements([]measurement.Measurement)   {}
func (NopObserver) MetadataReceived(*metadata.Document)         {}
func (NopObserver) DataStartTime(measurement.Ticks)             {}
func (NopObserver) NotificationReceived(string)                 {}
func (NopObserver) BufferBlockReceived(measurement.Key, []byte) {}
