// SPDX-License-Identifier: AGPL-3.0-or-later

// Package planner implements the Plan Compiler (spec §4.2): it
// normalizes a raw goal-plus-steps payload into an immutable,
// cycle-free CompiledPlan with stable task/run ids.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/daokit/daokit-go/pkg/model"
)

// CompilationError is a typed validation failure naming the offending
// field and (when applicable) step index, per spec §4.2.
type CompilationError struct {
	Field string
	Index int // -1 when not step-scoped
	Msg   string
}

func (e *CompilationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("planner: %s (step index %d): %s", e.Field, e.Index, e.Msg)
	}
	return fmt.Sprintf("planner: %s: %s", e.Field, e.Msg)
}

func fieldErr(field, msg string) error { return &CompilationError{Field: field, Index: -1, Msg: msg} }
func stepErr(field string, idx int, msg string) error {
	return &CompilationError{Field: field, Index: idx, Msg: msg}
}

// Input is the raw plan-compilation request (spec §4.2).
type Input struct {
	Goal         string                   `json:"goal"`
	Steps        []map[string]interface{} `json:"steps"`
	TaskID       string                   `json:"task_id,omitempty"`
	RunID        string                   `json:"run_id,omitempty"`
	Dependencies []string                 `json:"dependencies,omitempty"`
}

// CompiledPlan is the Plan Compiler's immutable output.
type CompiledPlan struct {
	TaskID string
	RunID  string
	Goal   string
	Steps  []model.StepContract
}

// Compile validates payload and produces a CompiledPlan, or a
// *CompilationError identifying the offending field/step.
func Compile(input Input) (CompiledPlan, error) {
	goal := strings.TrimSpace(input.Goal)
	if goal == "" {
		return CompiledPlan{}, fieldErr("goal", "must be a non-empty string")
	}
	if len(input.Steps) == 0 {
		return CompiledPlan{}, fieldErr("steps", "must be a non-empty list")
	}

	steps := make([]model.StepContract, 0, len(input.Steps))
	for i, raw := range input.Steps {
		step, err := stepFromMapping(raw, i)
		if err != nil {
			return CompiledPlan{}, err
		}
		steps = append(steps, step)
	}

	externalDeps := make(map[string]struct{}, len(input.Dependencies))
	for i, d := range input.Dependencies {
		d = strings.TrimSpace(d)
		if d == "" {
			return CompiledPlan{}, stepErr("dependencies", i, "must be a non-empty string")
		}
		externalDeps[d] = struct{}{}
	}

	if err := assertUniqueStepIDs(steps); err != nil {
		return CompiledPlan{}, err
	}
	if err := assertNoConflictingExpectedOutputs(steps); err != nil {
		return CompiledPlan{}, err
	}
	if err := assertNoDependencyContradictions(steps, externalDeps); err != nil {
		return CompiledPlan{}, err
	}

	taskID := strings.TrimSpace(input.TaskID)
	if taskID == "" {
		taskID = "TASK-" + stableHash(planIDMaterial{Goal: goal, Steps: steps})[:12]
	}
	runID := strings.TrimSpace(input.RunID)
	if runID == "" {
		digest := stableHash(runIDMaterial{TaskID: taskID, Goal: goal, Steps: steps})
		runID = taskID + "_" + digest[12:24]
	}

	return CompiledPlan{TaskID: taskID, RunID: runID, Goal: goal, Steps: steps}, nil
}

func stepFromMapping(raw map[string]interface{}, index int) (model.StepContract, error) {
	id, err := requireNonEmptyString(raw, "id", index)
	if err != nil {
		return model.StepContract{}, err
	}
	title, _ := raw["title"].(string)
	category, _ := raw["category"].(string)
	goal, _ := raw["goal"].(string)

	actions, err := requireNonEmptyStringList(raw, "actions", index)
	if err != nil {
		return model.StepContract{}, err
	}
	criteria, err := requireNonEmptyStringList(raw, "acceptance_criteria", index)
	if err != nil {
		return model.StepContract{}, err
	}
	outputs, err := requireNonEmptyStringList(raw, "expected_outputs", index)
	if err != nil {
		return model.StepContract{}, err
	}
	deps, _ := optionalStringList(raw["dependencies"])

	var retrievalPolicy map[string]interface{}
	if rp, ok := raw["retrieval_policy"].(map[string]interface{}); ok {
		retrievalPolicy = rp
	}

	return model.StepContract{
		ID:                 id,
		Title:              title,
		Category:           category,
		Goal:               goal,
		Actions:            actions,
		AcceptanceCriteria: criteria,
		ExpectedOutputs:    outputs,
		Dependencies:       deps,
		RetrievalPolicy:    retrievalPolicy,
	}, nil
}

func requireNonEmptyString(raw map[string]interface{}, key string, index int) (string, error) {
	v, ok := raw[key].(string)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", stepErr(key, index, "must be a non-empty string")
	}
	return v, nil
}

func requireNonEmptyStringList(raw map[string]interface{}, key string, index int) ([]string, error) {
	list, err := optionalStringList(raw[key])
	if err != nil {
		return nil, stepErr(key, index, err.Error())
	}
	if len(list) == 0 {
		return nil, stepErr(key, index, "must be a non-empty list")
	}
	return list, nil
}

func optionalStringList(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("must be a list of strings")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("must be a list of non-empty strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func assertUniqueStepIDs(steps []model.StepContract) error {
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if _, ok := seen[s.ID]; ok {
			return fieldErr("id", fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// assertNoConflictingExpectedOutputs rejects duplicate expected_outputs
// after path normalization, plan-wide -- including within a single
// step, which is stricter than the Python original's purely
// cross-step check (see DESIGN.md).
func assertNoConflictingExpectedOutputs(steps []model.StepContract) error {
	type owner struct{ step, output string }
	owners := make(map[string]owner)
	for _, s := range steps {
		for _, output := range s.ExpectedOutputs {
			key := normalizeOutputKey(output)
			if prev, ok := owners[key]; ok {
				return fieldErr("expected_outputs", fmt.Sprintf(
					"expected output conflict: %s:%s vs %s:%s", prev.step, prev.output, s.ID, output))
			}
			owners[key] = owner{step: s.ID, output: output}
		}
	}
	return nil
}

func normalizeOutputKey(value string) string {
	normalized := strings.ReplaceAll(value, "\\", "/")
	return path.Clean(normalized)
}

// assertNoDependencyContradictions rejects self-dependencies, unknown
// dependencies, and dependency cycles via Kahn's algorithm, confined
// to dependencies that resolve to a step within this plan.
func assertNoDependencyContradictions(steps []model.StepContract, externalDeps map[string]struct{}) error {
	stepIDs := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		stepIDs[s.ID] = struct{}{}
	}

	internalDeps := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return fieldErr("dependencies", fmt.Sprintf("step %q cannot depend on itself", s.ID))
			}
			_, isInternal := stepIDs[dep]
			_, isExternal := externalDeps[dep]
			if !isInternal && !isExternal {
				return fieldErr("dependencies", fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
			if isInternal {
				internalDeps[s.ID] = append(internalDeps[s.ID], dep)
			}
		}
	}

	dependents := make(map[string][]string, len(steps))
	inDegree := make(map[string]int, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = len(internalDeps[s.ID])
	}
	for stepID, deps := range internalDeps {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], stepID)
		}
	}

	var ready []string
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	sort.Strings(ready)

	processed := 0
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		processed++
		next := append([]string(nil), dependents[current]...)
		sort.Strings(next)
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				sort.Strings(ready)
			}
		}
	}

	if processed != len(steps) {
		var blocked []string
		for id, degree := range inDegree {
			if degree > 0 {
				blocked = append(blocked, id)
			}
		}
		sort.Strings(blocked)
		return fieldErr("dependencies", fmt.Sprintf("dependency cycle detected: %s", strings.Join(blocked, ", ")))
	}
	return nil
}

type planIDMaterial struct {
	Goal  string               `json:"goal"`
	Steps []model.StepContract `json:"steps"`
}

type runIDMaterial struct {
	TaskID string               `json:"task_id"`
	Goal   string               `json:"goal"`
	Steps  []model.StepContract `json:"steps"`
}

// stableHash canonicalizes v (Unicode-normalized, sorted-key JSON)
// and returns its lowercase SHA-256 hex digest, following the
// teacher's generatePlanID convention (internal/core/plan/adapter.go)
// rather than the Python original's uppercase digest.
func stableHash(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Marshal of our own well-typed structs cannot fail.
		panic(fmt.Sprintf("planner: stableHash marshal: %v", err))
	}
	normalized := norm.NFC.String(string(b))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
