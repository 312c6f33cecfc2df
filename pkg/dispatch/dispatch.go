// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch specifies the polymorphic dispatch adapter
// capability set referenced by spec §9: the orchestrator's dispatch
// node depends only on this interface, never on a concrete backend
// (shim, LLM, or otherwise).
package dispatch

import (
	"context"

	"github.com/daokit/daokit-go/pkg/model"
)

// CallStatus is the outcome of a single adapter invocation.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// Request carries everything an adapter needs to act on a step.
type Request struct {
	TaskID string
	RunID  string
	Step   model.StepContract
	// ReworkContext lists prior call failures; the orchestrator sets it
	// on every rework attempt.
	ReworkContext []CallResult
}

// CallResult is what every adapter call (create/resume/rework)
// produces: a status and the artifact paths it persisted itself.
type CallResult struct {
	Status        CallStatus
	ArtifactPaths []string
	Error         string
}

// Adapter is the capability set a dispatch backend implements. The
// orchestrator depends only on this interface (spec §9).
type Adapter interface {
	Create(ctx context.Context, req Request) (CallResult, error)
	Resume(ctx context.Context, req Request) (CallResult, error)
	Rework(ctx context.Context, req Request) (CallResult, error)
}
