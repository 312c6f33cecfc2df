// SPDX-License-Identifier: AGPL-3.0-or-later

package handoff

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daokit/daokit-go/pkg/model"
)

func sampleState() model.TaskRun {
	return model.TaskRun{
		TaskID: "TASK-1",
		RunID:  "RUN-1",
		Steps: []model.StepContract{
			{ID: "S1", AcceptanceCriteria: []string{"c1"}, ExpectedOutputs: []string{"o1.md"}},
			{ID: "S2", AcceptanceCriteria: []string{"c2"}, ExpectedOutputs: []string{"o2.md"}},
		},
		RoleLifecycle: map[string]string{
			"step:S1": model.RoleAccepted,
		},
	}
}

func TestWriteThenLoadRoundTripsHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoff_package.json")
	written, err := WritePackage(sampleState(), path, time.Now())
	if err != nil {
		t.Fatalf("WritePackage: %v", err)
	}
	loaded, err := LoadPackage(path)
	if err != nil {
		t.Fatalf("LoadPackage: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected a loaded package")
	}
	if loaded.PackageHash != written.PackageHash {
		t.Fatalf("expected hash round-trip, got %q vs %q", loaded.PackageHash, written.PackageHash)
	}
	if len(loaded.ResumableStepIDs) != 1 || loaded.ResumableStepIDs[0] != "S2" {
		t.Fatalf("expected S2 resumable, got %v", loaded.ResumableStepIDs)
	}
	if len(loaded.SkippedStepIDs) != 1 || loaded.SkippedStepIDs[0] != "S1" {
		t.Fatalf("expected S1 skipped, got %v", loaded.SkippedStepIDs)
	}
}

func TestLoadPackageReturnsNilWhenAbsent(t *testing.T) {
	pkg, err := LoadPackage(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadPackage: %v", err)
	}
	if pkg != nil {
		t.Fatalf("expected nil package for an absent file")
	}
}

func TestLoadPackageRejectsTamperedHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoff_package.json")
	if _, err := WritePackage(sampleState(), path, time.Now()); err != nil {
		t.Fatalf("WritePackage: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := bytes.Replace(data, []byte(`"next_action": "run"`), []byte(`"next_action": "done"`), 1)
	if err := os.WriteFile(path, tampered, 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadPackage(path); err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestApplyPackagePrefersLiveLedgerOverPackage(t *testing.T) {
	pkg, err := WritePackage(sampleState(), filepath.Join(t.TempDir(), "p.json"), time.Now())
	if err != nil {
		t.Fatalf("WritePackage: %v", err)
	}

	live := sampleState()
	live.RoleLifecycle["step:S1"] = model.RoleAccepted
	live.RoleLifecycle["step:S2"] = model.RoleAccepted // live ledger has since accepted S2 too

	plan, err := ApplyPackage(pkg, &live)
	if err != nil {
		t.Fatalf("ApplyPackage: %v", err)
	}
	if len(plan.Resumable) != 0 {
		t.Fatalf("expected no resumable steps once the live ledger accepted everything, got %v", plan.Resumable)
	}
	if live.RoleLifecycle["handoff_next_action"] != pkg.NextAction {
		t.Fatalf("expected next_action trace key to be set")
	}
}

func TestApplyPackageRejectsMismatchedIDs(t *testing.T) {
	pkg, err := WritePackage(sampleState(), filepath.Join(t.TempDir(), "p.json"), time.Now())
	if err != nil {
		t.Fatalf("WritePackage: %v", err)
	}
	live := model.TaskRun{TaskID: "OTHER", RunID: "RUN-1"}
	if _, err := ApplyPackage(pkg, &live); err == nil {
		t.Fatalf("expected task_id mismatch error")
	}
}
