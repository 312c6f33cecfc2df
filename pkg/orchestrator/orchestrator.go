// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator implements the five-node deterministic state
// machine (spec §4.3): extract, plan, dispatch, verify, transition.
// Each node loads the current TaskRun, mutates a working copy,
// resolves the next status against a guarded transition table, then
// persists the result atomically through a statestore.Store and
// appends one SYSTEM event describing the hop.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/daokit/daokit-go/pkg/dispatch"
	"github.com/daokit/daokit-go/pkg/lease"
	"github.com/daokit/daokit-go/pkg/metrics"
	"github.com/daokit/daokit-go/pkg/model"
	"github.com/daokit/daokit-go/pkg/planner"
	"github.com/daokit/daokit-go/pkg/statestore"
)

// Node identifies one of the five state-machine nodes.
type Node string

const (
	NodeExtract    Node = "extract"
	NodePlan       Node = "plan"
	NodeDispatch   Node = "dispatch"
	NodeVerify     Node = "verify"
	NodeTransition Node = "transition"
)

type nodeTransition struct {
	Source  model.Status
	Default model.Status
}

// NodeTransitions maps each node to the status it expects to run
// against and the target it routes to by default.
var NodeTransitions = map[Node]nodeTransition{
	NodeExtract:    {Source: model.StatusPlanning, Default: model.StatusAnalysis},
	NodePlan:       {Source: model.StatusAnalysis, Default: model.StatusFreeze},
	NodeDispatch:   {Source: model.StatusFreeze, Default: model.StatusExecute},
	NodeVerify:     {Source: model.StatusExecute, Default: model.StatusAccept},
	NodeTransition: {Source: model.StatusAccept, Default: model.StatusDone},
}

// StatusToNode maps the current TaskRun status to the node that runs
// next. DONE and FAILED are terminal and have no entry.
var StatusToNode = map[model.Status]Node{
	model.StatusPlanning: NodeExtract,
	model.StatusAnalysis: NodePlan,
	model.StatusFreeze:   NodeDispatch,
	model.StatusExecute:  NodeVerify,
	model.StatusAccept:   NodeTransition,
}

// AllowedTransitions is the guarded transition table. A node's
// resolved target must appear in AllowedTransitions[currentStatus] or
// the hop is rejected as illegal.
var AllowedTransitions = map[model.Status][]model.Status{
	model.StatusPlanning: {model.StatusAnalysis},
	model.StatusAnalysis: {model.StatusFreeze},
	model.StatusFreeze:   {model.StatusExecute},
	model.StatusExecute:  {model.StatusAccept, model.StatusDraining},
	model.StatusAccept:   {model.StatusDone, model.StatusExecute},
	model.StatusDraining: {model.StatusExecute, model.StatusBlocked},
	model.StatusBlocked:  {model.StatusExecute},
	model.StatusDone:     {},
	model.StatusFailed:   {},
}

func allowedTarget(current, target model.Status) bool {
	for _, s := range AllowedTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// IllegalTransitionError reports a node attempting to route to a
// status the transition table forbids from the current status.
type IllegalTransitionError struct {
	Node            Node
	CurrentStatus   model.Status
	AttemptedTarget model.Status
	AllowedTargets  []model.Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("orchestrator: node %q cannot route %s -> %s (allowed: %v)",
		e.Node, e.CurrentStatus, e.AttemptedTarget, e.AllowedTargets)
}

// AcceptanceFunc evaluates one step's evidence against its acceptance
// criteria. The verify node delegates to this rather than importing
// pkg/acceptance directly, keeping the state machine decoupled from
// any one evaluation strategy (spec §9).
type AcceptanceFunc func(ctx context.Context, state model.TaskRun, step model.StepContract) (model.AcceptanceDecision, error)

// Orchestrator drives the five-node state machine against a
// statestore.Store.
type Orchestrator struct {
	Store      statestore.Store
	Dispatcher dispatch.Adapter
	Evaluate   AcceptanceFunc
	Tracer     trace.Tracer

	// Metrics records Prometheus instrumentation for every event this
	// orchestrator appends. Nil disables recording (the default for New).
	Metrics *metrics.Metrics

	// MaxResumeAttempts and MaxReworkAttempts bound the dispatch retry
	// ladder (spec §4.3): create, then up to MaxResumeAttempts resume
	// calls, then up to MaxReworkAttempts rework calls before the step
	// is marked failed for this cycle.
	MaxResumeAttempts int
	MaxReworkAttempts int

	Now func() time.Time
}

// New constructs an Orchestrator with the teacher's conventional
// defaults (bounded retry ladder, no dispatcher, real clock).
func New(store statestore.Store) *Orchestrator {
	return &Orchestrator{
		Store:             store,
		MaxResumeAttempts: 2,
		MaxReworkAttempts: 1,
		Now:               time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) nowISO() string {
	return o.now().UTC().Format(time.RFC3339)
}

// RecoverState returns the persisted TaskRun unmodified, the entry
// point a caller uses after a crash to discover where Run should
// resume.
func (o *Orchestrator) RecoverState(ctx context.Context) (model.TaskRun, error) {
	return o.Store.LoadState(ctx)
}

// Finding is one read-only diagnostic observation surfaced by
// Diagnose, each derived from data already captured by the event log
// or lease registry rather than from any new storage.
type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Diagnose inspects the current TaskRun, its event log, and the given
// lease registry for read-only operator inspection: a terminal-ERROR
// event with no later step acceptance, an expired lease still marked
// ACTIVE, or a lane whose role_lifecycle entry disagrees with its
// lease status. It performs no writes.
func (o *Orchestrator) Diagnose(ctx context.Context, leases lease.FileStore) ([]Finding, error) {
	state, err := o.Store.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	events, err := o.Store.ListEvents(ctx)
	if err != nil {
		return nil, err
	}

	var findings []Finding

	acceptedSteps := make(map[string]bool, len(state.Steps))
	for stepID, role := range state.RoleLifecycle {
		if role == model.RoleAccepted {
			acceptedSteps[stepID] = true
		}
	}
	for _, ev := range events {
		if ev.Severity != model.SeverityError || ev.StepID == nil {
			continue
		}
		stepKey := "step:" + *ev.StepID
		if !acceptedSteps[stepKey] {
			findings = append(findings, Finding{
				Code:     "UNRESOLVED_STEP_ERROR",
				Severity: model.SeverityWarn,
				Message:  fmt.Sprintf("step %s recorded %s (%s) with no later acceptance", *ev.StepID, ev.EventType, ev.EventID),
			})
		}
	}

	if leases != nil {
		registry, err := leases.LoadLeases(ctx)
		if err != nil {
			return nil, err
		}
		now := o.now()
		for _, l := range registry.Leases {
			if l.Status != model.LeaseActive {
				continue
			}
			expiry, err := time.Parse(time.RFC3339, l.Expiry)
			if err == nil && expiry.Before(now) {
				findings = append(findings, Finding{
					Code:     "EXPIRED_LEASE_STILL_ACTIVE",
					Severity: model.SeverityWarn,
					Message:  fmt.Sprintf("lease %s/%s expired at %s but registry still reports ACTIVE", l.Lane, l.StepID, l.Expiry),
				})
			}
			if role, ok := state.RoleLifecycle["lane:"+l.Lane]; ok && role == fmt.Sprintf("%s:unassigned", l.Lane) {
				findings = append(findings, Finding{
					Code:     "LANE_OWNERSHIP_MISMATCH",
					Severity: model.SeverityInfo,
					Message:  fmt.Sprintf("lane %s has an ACTIVE lease but role_lifecycle reports it unassigned", l.Lane),
				})
			}
		}
	}

	return findings, nil
}

// Run drives the state machine forward, one node per iteration, until
// the TaskRun reaches DONE or FAILED, or an error interrupts it.
func (o *Orchestrator) Run(ctx context.Context) (model.TaskRun, error) {
	for {
		state, err := o.Store.LoadState(ctx)
		if err != nil {
			return state, err
		}
		if state.Status == model.StatusDone || state.Status == model.StatusFailed {
			return state, nil
		}
		node, ok := StatusToNode[state.Status]
		if !ok {
			return state, fmt.Errorf("orchestrator: no node registered for status %q", state.Status)
		}
		state, err = o.Step(ctx, node)
		if err != nil {
			return state, err
		}
	}
}

// Step executes a single node against the currently persisted state.
// Callers that want fine-grained control (tests, CLI single-step
// mode) call this directly instead of Run.
func (o *Orchestrator) Step(ctx context.Context, node Node) (model.TaskRun, error) {
	var span trace.Span
	if o.Tracer != nil {
		ctx, span = o.Tracer.Start(ctx, "orchestrator.step:"+string(node))
		defer span.End()
	}

	state, err := o.Store.LoadState(ctx)
	if err != nil {
		return state, err
	}

	nt, ok := NodeTransitions[node]
	if !ok {
		return state, fmt.Errorf("orchestrator: unknown node %q", node)
	}
	if state.Status != nt.Source {
		return state, &IllegalTransitionError{
			Node:            node,
			CurrentStatus:   state.Status,
			AttemptedTarget: nt.Default,
			AllowedTargets:  AllowedTransitions[state.Status],
		}
	}

	working := state.Clone()
	mutated, target, meta, err := o.dispatchMutator(ctx, node, working)
	if err != nil {
		return state, err
	}

	if !allowedTarget(state.Status, target) {
		o.appendRouteFailureEvent(ctx, state, node, target, meta)
		return state, &IllegalTransitionError{
			Node:            node,
			CurrentStatus:   state.Status,
			AttemptedTarget: target,
			AllowedTargets:  AllowedTransitions[state.Status],
		}
	}

	mutated.Status = target
	mutated.UpdatedAt = o.nowISO()
	if mutated.RoleLifecycle == nil {
		mutated.RoleLifecycle = map[string]string{}
	}
	mutated.RoleLifecycle["route:last_node"] = string(node)
	if span != nil {
		sc := span.SpanContext()
		mutated.RoleLifecycle["route:trace_id"] = sc.TraceID().String()
		mutated.RoleLifecycle["route:correlation_id"] = sc.SpanID().String()
	} else if _, ok := mutated.RoleLifecycle["route:correlation_id"]; !ok {
		mutated.RoleLifecycle["route:correlation_id"] = o.randomID()
	}

	fromStatus := string(state.Status)
	toStatus := string(target)
	nodeStr := string(node)
	saved, err := o.Store.SaveState(ctx, mutated, &nodeStr, &fromStatus, &toStatus)
	if err != nil {
		return state, err
	}

	payload := map[string]any{
		"node":        string(node),
		"from_status": fromStatus,
		"to_status":   toStatus,
	}
	if meta.Reason != "" {
		payload["reason"] = meta.Reason
	}
	if _, err := o.appendEvent(ctx, saved.TaskID, saved.RunID, nil, model.EventSystem, model.SeverityInfo, payload, nil); err != nil {
		return saved, err
	}
	return saved, nil
}

// appendEvent appends through o.Store and, when o.Metrics is set,
// records the event against events_total keyed by eventType.
func (o *Orchestrator) appendEvent(ctx context.Context, taskID, runID string, stepID *string, eventType, severity string, payload any, dedupKey *string) (model.Event, error) {
	event, err := o.Store.AppendEvent(ctx, taskID, runID, stepID, eventType, severity, payload, dedupKey)
	if err == nil && o.Metrics != nil {
		o.Metrics.RecordEvent(eventType)
	}
	return event, err
}

func (o *Orchestrator) randomID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return o.nowISO()
	}
	return hex.EncodeToString(b[:])
}

func (o *Orchestrator) appendRouteFailureEvent(ctx context.Context, state model.TaskRun, node Node, attempted model.Status, meta routeMeta) {
	payload := map[string]any{
		"node":             string(node),
		"attempted_target": string(attempted),
		"current_status":   string(state.Status),
	}
	if meta.Reason != "" {
		payload["reason"] = meta.Reason
	}
	_, _ = o.appendEvent(ctx, state.TaskID, state.RunID, nil, model.EventSystem, model.SeverityError, payload, nil)
}

// routeMeta carries free-form routing context a mutator wants
// attached to the SYSTEM event emitted for its hop.
type routeMeta struct {
	Reason string
}

func (o *Orchestrator) dispatchMutator(ctx context.Context, node Node, working model.TaskRun) (model.TaskRun, model.Status, routeMeta, error) {
	switch node {
	case NodeExtract:
		return o.mutateExtract(working)
	case NodePlan:
		return o.mutatePlan(working)
	case NodeDispatch:
		return o.mutateDispatch(ctx, working)
	case NodeVerify:
		return o.mutateVerify(ctx, working)
	case NodeTransition:
		return o.mutateTransition(working)
	default:
		return working, working.Status, routeMeta{}, fmt.Errorf("orchestrator: no mutator for node %q", node)
	}
}

// mutateExtract prepares the run for planning. It does not invent a
// goal; the goal must already be set by whoever created the TaskRun
// (spec §4.1 init operation).
func (o *Orchestrator) mutateExtract(working model.TaskRun) (model.TaskRun, model.Status, routeMeta, error) {
	working.RoleLifecycle["analysis"] = model.RolePrepared
	return working, NodeTransitions[NodeExtract].Default, routeMeta{Reason: "goal analyzed"}, nil
}

// mutatePlan compiles the working TaskRun's steps through the plan
// compiler. A TaskRun created with no steps is not given an implicit
// plan here; the caller is expected to have populated Steps via
// planner.Compile before handing the run to the orchestrator. This
// node instead validates the existing plan is still internally
// consistent (ids unique, no dependency cycles) before freezing it.
func (o *Orchestrator) mutatePlan(working model.TaskRun) (model.TaskRun, model.Status, routeMeta, error) {
	if len(working.Steps) == 0 {
		return working, working.Status, routeMeta{}, fmt.Errorf("orchestrator: plan node: task %s has no steps to freeze", working.TaskID)
	}
	rawSteps := make([]map[string]interface{}, len(working.Steps))
	for i, s := range working.Steps {
		rawSteps[i] = map[string]interface{}{
			"id":                  s.ID,
			"title":               s.Title,
			"category":            s.Category,
			"goal":                s.Goal,
			"actions":             toAnySlice(s.Actions),
			"acceptance_criteria": toAnySlice(s.AcceptanceCriteria),
			"expected_outputs":    toAnySlice(s.ExpectedOutputs),
			"dependencies":        toAnySlice(s.Dependencies),
		}
	}
	compiled, err := planner.Compile(planner.Input{
		Goal:   working.Goal,
		Steps:  rawSteps,
		TaskID: working.TaskID,
		RunID:  working.RunID,
	})
	if err != nil {
		return working, working.Status, routeMeta{}, fmt.Errorf("orchestrator: plan node: %w", err)
	}
	working.Steps = compiled.Steps
	working.RoleLifecycle["plan"] = "frozen"
	return working, NodeTransitions[NodePlan].Default, routeMeta{Reason: "plan frozen"}, nil
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// mutateDispatch selects the current step (advancing to the first
// step without an accepted role_lifecycle entry when none is set) and
// runs it through the bounded create/resume/rework retry ladder
// against o.Dispatcher, when one is configured. With no dispatcher
// configured, dispatch is a no-op hand-off straight to EXECUTE, which
// lets callers drive dispatch externally (e.g. a human operator).
func (o *Orchestrator) mutateDispatch(ctx context.Context, working model.TaskRun) (model.TaskRun, model.Status, routeMeta, error) {
	step, err := o.selectCurrentStep(working)
	if err != nil {
		return working, working.Status, routeMeta{}, err
	}
	working.CurrentStep = &step.ID

	if o.Dispatcher == nil {
		working.RoleLifecycle["step:"+step.ID] = model.RolePrepared
		return working, NodeTransitions[NodeDispatch].Default, routeMeta{Reason: "no dispatcher configured"}, nil
	}

	req := dispatch.Request{TaskID: working.TaskID, RunID: working.RunID, Step: step}
	result, callErr := o.Dispatcher.Create(ctx, req)
	attempts := []dispatch.CallResult{result}

	for i := 0; callErr != nil && i < o.MaxResumeAttempts; i++ {
		result, callErr = o.Dispatcher.Resume(ctx, req)
		attempts = append(attempts, result)
	}
	for i := 0; callErr != nil && i < o.MaxReworkAttempts; i++ {
		req.ReworkContext = attempts
		result, callErr = o.Dispatcher.Rework(ctx, req)
		attempts = append(attempts, result)
	}

	count := working.RoleLifecycle["dispatch:count:"+step.ID]
	index := parseCountOrZero(count) + 1
	working.RoleLifecycle["dispatch:count:"+step.ID] = fmt.Sprintf("%d", index)

	dedupKey := fmt.Sprintf("dispatch-invocation:%s:%s:%s:%d", working.TaskID, working.RunID, step.ID, index)
	payload := map[string]any{
		"step_id":  step.ID,
		"attempts": len(attempts),
	}
	if callErr != nil {
		payload["status"] = string(dispatch.CallError)
		payload["error"] = callErr.Error()
		working.RoleLifecycle["step:"+step.ID] = model.RoleFailedNonAdoptedLease
	} else {
		payload["status"] = string(dispatch.CallSuccess)
		payload["artifact_paths"] = result.ArtifactPaths
		working.RoleLifecycle["step:"+step.ID] = model.RolePrepared
	}
	if _, err := o.appendEvent(ctx, working.TaskID, working.RunID, &step.ID, model.EventSystem, model.SeverityInfo, payload, &dedupKey); err != nil {
		return working, working.Status, routeMeta{}, err
	}

	return working, NodeTransitions[NodeDispatch].Default, routeMeta{Reason: "step dispatched"}, nil
}

func parseCountOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func (o *Orchestrator) selectCurrentStep(working model.TaskRun) (model.StepContract, error) {
	if working.CurrentStep != nil {
		for _, s := range working.Steps {
			if s.ID == *working.CurrentStep {
				if working.RoleLifecycle["step:"+s.ID] != model.RoleAccepted {
					return s, nil
				}
			}
		}
	}
	for _, s := range working.Steps {
		if working.RoleLifecycle["step:"+s.ID] != model.RoleAccepted {
			return s, nil
		}
	}
	return model.StepContract{}, fmt.Errorf("orchestrator: dispatch node: no unaccepted step remains for task %s", working.TaskID)
}

// mutateVerify evaluates the current step's acceptance decision and
// always routes EXECUTE -> ACCEPT: rework vs. DONE is decided by
// mutateTransition, which inspects the decision this node records.
func (o *Orchestrator) mutateVerify(ctx context.Context, working model.TaskRun) (model.TaskRun, model.Status, routeMeta, error) {
	if working.CurrentStep == nil {
		return working, working.Status, routeMeta{}, fmt.Errorf("orchestrator: verify node: no current step set for task %s", working.TaskID)
	}
	var step model.StepContract
	found := false
	for _, s := range working.Steps {
		if s.ID == *working.CurrentStep {
			step = s
			found = true
			break
		}
	}
	if !found {
		return working, working.Status, routeMeta{}, fmt.Errorf("orchestrator: verify node: current step %s not found", *working.CurrentStep)
	}

	if o.Evaluate == nil {
		working.RoleLifecycle["acceptance:status"] = "passed"
		working.RoleLifecycle["step:"+step.ID] = model.RoleAccepted
		return working, NodeTransitions[NodeVerify].Default, routeMeta{Reason: "no evaluator configured, accepted by default"}, nil
	}

	decision, err := o.Evaluate(ctx, working, step)
	if err != nil {
		return working, working.Status, routeMeta{}, fmt.Errorf("orchestrator: verify node: %w", err)
	}
	working.RoleLifecycle["acceptance:status"] = decision.Status
	eventType := model.EventStepAccepted
	if decision.Status == "passed" {
		working.RoleLifecycle["step:"+step.ID] = model.RoleAccepted
	} else {
		eventType = model.EventStepReworkRequest
	}
	dedupKey := fmt.Sprintf("acceptance-decision:%s:%s:%s:%s", working.TaskID, working.RunID, step.ID, decision.Proof.ProofID)
	if _, err := o.appendEvent(ctx, working.TaskID, working.RunID, &step.ID, eventType, model.SeverityInfo, decision, &dedupKey); err != nil {
		return working, working.Status, routeMeta{}, err
	}

	return working, NodeTransitions[NodeVerify].Default, routeMeta{Reason: "step evaluated: " + decision.Status}, nil
}

// mutateTransition finalizes the role lifecycle for the ACCEPT status:
// DONE when every step is accepted, EXECUTE (rework) when the last
// verify recorded a failure and steps remain to re-run.
func (o *Orchestrator) mutateTransition(working model.TaskRun) (model.TaskRun, model.Status, routeMeta, error) {
	if working.RoleLifecycle["acceptance:status"] == "failed" {
		return working, model.StatusExecute, routeMeta{Reason: "rework requested"}, nil
	}

	allAccepted := true
	for _, s := range working.Steps {
		if working.RoleLifecycle["step:"+s.ID] != model.RoleAccepted {
			allAccepted = false
			break
		}
	}
	if allAccepted {
		working.CurrentStep = nil
		return working, NodeTransitions[NodeTransition].Default, routeMeta{Reason: "all steps accepted"}, nil
	}
	return working, model.StatusExecute, routeMeta{Reason: "steps remain"}, nil
}
