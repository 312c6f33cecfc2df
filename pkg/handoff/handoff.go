// SPDX-License-Identifier: AGPL-3.0-or-later

// Package handoff implements the Handoff Package Store (spec §4.7): a
// content-hashed snapshot of a run's resumability, written when a
// worker pauses or hands off, and applied against the live ledger when
// another worker resumes.
package handoff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/daokit/daokit-go/pkg/model"
)

// ErrHashMismatch is returned by LoadPackage when the stored
// package_hash does not match the recomputed hash of its material.
var ErrHashMismatch = fmt.Errorf("handoff: package_hash does not match recomputed hash")

// WritePackage classifies every step in state by its
// role_lifecycle["step:<id>"] entry, computes the resumable/skipped
// sets, content-hashes the result, and writes it to path.
func WritePackage(state model.TaskRun, path string, now time.Time) (model.HandoffPackage, error) {
	buckets := classifySteps(state)

	var resumable, skipped []string
	for _, s := range state.Steps {
		switch {
		case contains(buckets.Accepted, s.ID):
			skipped = append(skipped, s.ID)
		case contains(buckets.Failed, s.ID):
			resumable = append(resumable, s.ID)
		default:
			resumable = append(resumable, s.ID)
		}
	}

	var openItems, evidencePaths []string
	for _, s := range state.Steps {
		if !contains(buckets.Accepted, s.ID) {
			openItems = append(openItems, s.AcceptanceCriteria...)
			evidencePaths = append(evidencePaths, s.ExpectedOutputs...)
		}
	}

	nextAction := "run"
	if len(resumable) == 0 {
		nextAction = "done"
	}

	pkg := model.HandoffPackage{
		SchemaVersion:       model.HandoffPackageSchemaVersion,
		TaskID:              state.TaskID,
		RunID:               state.RunID,
		CurrentStep:         state.CurrentStep,
		OpenAcceptanceItems: openItems,
		EvidencePaths:       evidencePaths,
		NextAction:          nextAction,
		ResumableStepIDs:    resumable,
		SkippedStepIDs:      skipped,
		StepStatus:          buckets,
		CreatedAt:           now.UTC().Format(time.RFC3339),
	}
	pkg.PackageHash = hashPackage(pkg)

	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return model.HandoffPackage{}, fmt.Errorf("handoff: marshal: %w", err)
	}
	data = append(data, '\n')
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return model.HandoffPackage{}, fmt.Errorf("handoff: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return model.HandoffPackage{}, fmt.Errorf("handoff: rename %s: %w", path, err)
	}
	return pkg, nil
}

func classifySteps(state model.TaskRun) model.StepStatusBuckets {
	var buckets model.StepStatusBuckets
	for _, s := range state.Steps {
		switch state.RoleLifecycle["step:"+s.ID] {
		case model.RoleAccepted:
			buckets.Accepted = append(buckets.Accepted, s.ID)
		case model.RoleFailedNonAdoptedLease:
			buckets.Failed = append(buckets.Failed, s.ID)
		default:
			buckets.Pending = append(buckets.Pending, s.ID)
		}
	}
	return buckets
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// hashPackage computes a SHA-256 digest over the package's canonical
// JSON with package_hash cleared, so the hash is reproducible and
// self-verifying.
func hashPackage(pkg model.HandoffPackage) string {
	pkg.PackageHash = ""
	b, err := json.Marshal(pkg)
	if err != nil {
		panic(fmt.Sprintf("handoff: marshal for hash: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// LoadPackage reads and validates a handoff package, returning
// (zero-value, nil) when the file does not exist, matching the spec's
// "returns null if the file is absent" contract.
func LoadPackage(path string) (*model.HandoffPackage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("handoff: read %s: %w", path, err)
	}
	var pkg model.HandoffPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("handoff: unmarshal %s: %w", path, err)
	}
	if pkg.TaskID == "" || pkg.RunID == "" || pkg.SchemaVersion == "" {
		return nil, fmt.Errorf("handoff: package missing required fields")
	}
	if recomputed := hashPackage(pkg); recomputed != pkg.PackageHash {
		return nil, ErrHashMismatch
	}
	return &pkg, nil
}

// ResumePlan is the structured result of ApplyPackage.
type ResumePlan struct {
	ResumeStep string
	Resumable  []string
}

// ApplyPackage reconciles a loaded package against the live TaskRun
// ledger: task/run ids must match (or be blank, then backfilled).
// Resumable and resume_step are computed from the live ledger,
// falling back to the package only when the ledger has no steps.
// Trace keys are written into role_lifecycle.
func ApplyPackage(pkg model.HandoffPackage, state *model.TaskRun) (ResumePlan, error) {
	if state.TaskID == "" {
		state.TaskID = pkg.TaskID
	} else if state.TaskID != pkg.TaskID {
		return ResumePlan{}, fmt.Errorf("handoff: task_id mismatch: ledger %q vs package %q", state.TaskID, pkg.TaskID)
	}
	if state.RunID == "" {
		state.RunID = pkg.RunID
	} else if state.RunID != pkg.RunID {
		return ResumePlan{}, fmt.Errorf("handoff: run_id mismatch: ledger %q vs package %q", state.RunID, pkg.RunID)
	}

	var resumable []string
	if len(state.Steps) > 0 {
		buckets := classifySteps(*state)
		for _, s := range state.Steps {
			if !contains(buckets.Accepted, s.ID) {
				resumable = append(resumable, s.ID)
			}
		}
	} else {
		resumable = append(resumable, pkg.ResumableStepIDs...)
	}
	sort.Strings(resumable)

	resumeStep := ""
	if len(resumable) > 0 {
		resumeStep = resumable[0]
	}

	if state.RoleLifecycle == nil {
		state.RoleLifecycle = map[string]string{}
	}
	state.RoleLifecycle["handoff_resume_step"] = resumeStep
	state.RoleLifecycle["handoff_next_action"] = pkg.NextAction
	state.RoleLifecycle["handoff_resumable_steps"] = strings.Join(resumable, ",")
	state.RoleLifecycle["handoff_skipped_steps"] = strings.Join(pkg.SkippedStepIDs, ",")
	state.RoleLifecycle["handoff_failed_steps"] = strings.Join(pkg.StepStatus.Failed, ",")
	state.RoleLifecycle["handoff_pending_steps"] = strings.Join(pkg.StepStatus.Pending, ",")

	return ResumePlan{ResumeStep: resumeStep, Resumable: resumable}, nil
}
