// SPDX-License-Identifier: AGPL-3.0-or-later

package planner

import "testing"

func minimalStep(id string, deps ...string) map[string]interface{} {
	depsAny := make([]interface{}, len(deps))
	for i, d := range deps {
		depsAny[i] = d
	}
	return map[string]interface{}{
		"id":                  id,
		"title":               "do " + id,
		"category":            "analysis",
		"goal":                "goal for " + id,
		"actions":             []interface{}{"act1"},
		"acceptance_criteria": []interface{}{"crit1"},
		"expected_outputs":    []interface{}{"out-" + id + ".md"},
		"dependencies":        depsAny,
	}
}

func TestCompileProducesDeterministicIDs(t *testing.T) {
	input := Input{Goal: "ship it", Steps: []map[string]interface{}{minimalStep("S1")}}

	first, err := Compile(input)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	second, err := Compile(input)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if first.TaskID != second.TaskID || first.RunID != second.RunID {
		t.Fatalf("expected deterministic ids, got (%s,%s) vs (%s,%s)", first.TaskID, first.RunID, second.TaskID, second.RunID)
	}
	if first.TaskID == "" || first.RunID == "" {
		t.Fatalf("expected non-empty ids")
	}
}

func TestCompileRejectsDuplicateStepIDs(t *testing.T) {
	input := Input{Goal: "x", Steps: []map[string]interface{}{minimalStep("S1"), minimalStep("S1")}}
	if _, err := Compile(input); err == nil {
		t.Fatalf("expected error for duplicate step id")
	}
}

func TestCompileRejectsConflictingExpectedOutputs(t *testing.T) {
	s1 := minimalStep("S1")
	s2 := minimalStep("S2")
	s2["expected_outputs"] = []interface{}{"out-S1.md"} // collides with s1's normalized output
	input := Input{Goal: "x", Steps: []map[string]interface{}{s1, s2}}
	if _, err := Compile(input); err == nil {
		t.Fatalf("expected error for conflicting expected outputs")
	}
}

func TestCompileRejectsSelfDependency(t *testing.T) {
	s1 := minimalStep("S1", "S1")
	input := Input{Goal: "x", Steps: []map[string]interface{}{s1}}
	if _, err := Compile(input); err == nil {
		t.Fatalf("expected error for self dependency")
	}
}

func TestCompileRejectsUnknownDependency(t *testing.T) {
	s1 := minimalStep("S1", "SX")
	input := Input{Goal: "x", Steps: []map[string]interface{}{s1}}
	if _, err := Compile(input); err == nil {
		t.Fatalf("expected error for unknown dependency")
	}
}

func TestCompileAllowsDeclaredExternalDependency(t *testing.T) {
	s1 := minimalStep("S1", "EXT-1")
	input := Input{Goal: "x", Steps: []map[string]interface{}{s1}, Dependencies: []string{"EXT-1"}}
	if _, err := Compile(input); err != nil {
		t.Fatalf("expected external dependency to be accepted, got %v", err)
	}
}

func TestCompileRejectsDependencyCycle(t *testing.T) {
	s1 := minimalStep("S1", "S2")
	s2 := minimalStep("S2", "S1")
	input := Input{Goal: "x", Steps: []map[string]interface{}{s1, s2}}
	if _, err := Compile(input); err == nil {
		t.Fatalf("expected error for dependency cycle")
	}
}

func TestCompileTopologicalOrderExists(t *testing.T) {
	s1 := minimalStep("S1")
	s2 := minimalStep("S2", "S1")
	s3 := minimalStep("S3", "S2")
	input := Input{Goal: "x", Steps: []map[string]interface{}{s3, s1, s2}}
	plan, err := Compile(input)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(plan.Steps))
	}
}

func TestCompileHonorsProvidedIDs(t *testing.T) {
	input := Input{Goal: "x", TaskID: "TASK-FIXED", RunID: "TASK-FIXED_RUN", Steps: []map[string]interface{}{minimalStep("S1")}}
	plan, err := Compile(input)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if plan.TaskID != "TASK-FIXED" || plan.RunID != "TASK-FIXED_RUN" {
		t.Fatalf("expected provided ids to be honored, got %s / %s", plan.TaskID, plan.RunID)
	}
}
