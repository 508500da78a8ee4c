// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors normalizes the error kinds of the QoS manager subsystem.
package errors

import "github.com/pingcap/errors"

// errors
var (
	// ErrConfigurationMissing is the error kind for a required
	// configuration key absent at plugin initialization. pkg/qos/config
	// falls back to a default for every key, so no code path in this
	// module returns it.
	ErrConfigurationMissing = errors.Normalize(
		"qos plugin configuration missing, %s",
		errors.RFCCodeText("QOS:ErrConfigurationMissing"),
	)

	// ErrAlreadyRegistered is raised when a task is registered twice for
	// the same VertexID within one job environment.
	ErrAlreadyRegistered = errors.Normalize(
		"task already registered for vertex %s",
		errors.RFCCodeText("QOS:ErrAlreadyRegistered"),
	)

	// ErrInvalidChain is raised when a chain announcement violates a
	// topology precondition: an intermediate vertex without exactly one
	// output gate, or a non-POINTWISE forward edge.
	ErrInvalidChain = errors.Normalize(
		"cannot chain vertices: %s",
		errors.RFCCodeText("QOS:ErrInvalidChain"),
	)

	// ErrUnknownMessage is raised when an inbound message carries a kind
	// the environment does not know how to demultiplex.
	ErrUnknownMessage = errors.Normalize(
		"received qos message of unknown kind %s",
		errors.RFCCodeText("QOS:ErrUnknownMessage"),
	)

	// ErrTransportFailure is the error kind for an outbound send to a
	// worker that fails or times out. The dispatcher logs such a failure
	// with the sender's own error and drops the message; no code path in
	// this module returns this value.
	ErrTransportFailure = errors.Normalize(
		"qos transport send to worker %s failed",
		errors.RFCCodeText("QOS:ErrTransportFailure"),
	)

	// ErrInternalInvariant is raised when graph assembly detects a
	// structural contradiction, e.g. an edge whose endpoints name
	// different groups than its gates' owning vertices. The per-job
	// environment also returns it for a task registration after shutdown
	// and for a deploy-roles action that arrives before any task is
	// registered.
	ErrInternalInvariant = errors.Normalize(
		"qos graph invariant violated: %s",
		errors.RFCCodeText("QOS:ErrInternalInvariant"),
	)
)
