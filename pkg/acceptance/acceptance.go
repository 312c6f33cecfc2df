// SPDX-License-Identifier: AGPL-3.0-or-later

// Package acceptance implements the Acceptance Engine (spec §4.8):
// it resolves a step's expected-output evidence under an evidence
// root, checks command-evidence markers, optionally audits scope
// changes, attaches failure reasons to criteria by textual affinity,
// and produces a deterministic, content-hashed decision.
package acceptance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/daokit/daokit-go/pkg/model"
	"github.com/daokit/daokit-go/pkg/scopeguard"
)

const (
	commandMarkerColon = "Command:"
	commandMarkerEntry = "=== COMMAND ENTRY"
	verificationLog    = "verification.log"
)

// Request is the input to EvaluateStep.
type Request struct {
	TaskID          string
	RunID           string
	StepID          string
	Criteria        []string
	ExpectedOutputs []string
	EvidenceRoot    string
	ChangedFiles    []string
	AllowedScope    []string
}

// failure pairs a reason code with the evidence path (if any) that
// produced it, for criterion-affinity matching.
type failure struct {
	ReasonCode string
	Context    string
}

// EvaluateStep resolves evidence, runs the scope audit, attaches
// failure reasons to criteria, and returns a deterministic decision.
func EvaluateStep(req Request) (model.AcceptanceDecision, error) {
	criteria := dedupeNonEmpty(req.Criteria)
	outputs := dedupeNonEmpty(req.ExpectedOutputs)
	if len(criteria) == 0 {
		return model.AcceptanceDecision{}, fmt.Errorf("acceptance: criteria must be a non-empty list")
	}
	if len(outputs) == 0 {
		return model.AcceptanceDecision{}, fmt.Errorf("acceptance: expected_outputs must be a non-empty list")
	}
	root, err := filepath.Abs(req.EvidenceRoot)
	if err != nil {
		return model.AcceptanceDecision{}, fmt.Errorf("acceptance: resolving evidence root: %w", err)
	}

	var (
		evidence []model.EvidenceEntry
		failures []failure
	)

	for _, rel := range outputs {
		resolved, ok := resolveUnderRoot(root, rel)
		if !ok {
			evidence = append(evidence, model.EvidenceEntry{Path: rel, Exists: false})
			failures = append(failures, failure{ReasonCode: model.ReasonInvalidEvidencePath, Context: rel})
			continue
		}
		entry, exists := digestEvidence(rel, resolved)
		evidence = append(evidence, entry)
		if !exists {
			failures = append(failures, failure{ReasonCode: model.ReasonMissingEvidence, Context: rel})
			continue
		}
		if filepath.Base(rel) == verificationLog {
			data, err := os.ReadFile(resolved)
			if err == nil && !hasCommandEvidence(string(data)) {
				failures = append(failures, failure{ReasonCode: model.ReasonMissingCommandEvidence, Context: rel})
			}
		}
	}

	if scopeResult := scopeguard.Audit(req.ChangedFiles, req.AllowedScope); !scopeResult.Passed {
		failures = append(failures, failure{ReasonCode: scopeResult.Reason, Context: strings.Join(scopeResult.Violators, ",")})
	}

	decoratedCriteria := attachFailures(criteria, failures)

	status := "passed"
	var reasonCodes []string
	seen := map[string]struct{}{}
	for _, f := range failures {
		if _, ok := seen[f.ReasonCode]; !ok {
			seen[f.ReasonCode] = struct{}{}
			reasonCodes = append(reasonCodes, f.ReasonCode)
		}
	}
	sort.Strings(reasonCodes)
	if len(failures) > 0 {
		status = "failed"
	}

	proofID := computeProofID(req.TaskID, req.RunID, req.StepID, decoratedCriteria, evidence, reasonCodes)
	proof := model.Proof{
		ProofID:  proofID,
		Status:   status,
		Criteria: decoratedCriteria,
		Evidence: evidence,
	}

	decision := model.AcceptanceDecision{
		Status:         status,
		Proof:          proof,
		FailureReasons: reasonCodes,
	}
	if status == "failed" {
		decision.Rework = reworkDirectives(reasonCodes)
	}
	return decision, nil
}

func dedupeNonEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// resolveUnderRoot joins rel onto root and rejects any result that
// escapes root after cleaning, preventing path-traversal evidence
// paths (spec §4.8 INVALID_EVIDENCE_PATH).
func resolveUnderRoot(root, rel string) (string, bool) {
	cleanedRel := filepath.Clean(rel)
	if cleanedRel == ".." || strings.HasPrefix(cleanedRel, ".."+string(filepath.Separator)) || filepath.IsAbs(cleanedRel) {
		return "", false
	}
	resolved := filepath.Join(root, cleanedRel)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

func digestEvidence(rel, resolved string) (model.EvidenceEntry, bool) {
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return model.EvidenceEntry{Path: rel, Exists: false}, false
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return model.EvidenceEntry{Path: rel, Exists: false}, false
	}
	sum := sha256.Sum256(data)
	b2 := blake2b.Sum256(data)
	return model.EvidenceEntry{
		Path:    rel,
		Exists:  true,
		SHA256:  hex.EncodeToString(sum[:]),
		Blake2b: hex.EncodeToString(b2[:]),
		Size:    info.Size(),
	}, true
}

func hasCommandEvidence(content string) bool {
	return strings.Contains(content, commandMarkerColon) || strings.Contains(content, commandMarkerEntry)
}

// affinityKeywords maps a reason code to the phrases a criterion's
// text should contain for the reason to be attached preferentially,
// per spec §4.8's "textual affinity" attachment rule.
var affinityKeywords = map[string][]string{
	model.ReasonMissingEvidence:           {"evidence", "output", "artifact", "file"},
	model.ReasonMissingCommandEvidence:    {"command", "verification", "log"},
	model.ReasonInvalidEvidencePath:       {"path", "evidence"},
	model.ReasonOutOfScopeChange:          {"scope"},
	model.ReasonScopeAuditInputIncomplete: {"scope"},
	model.ReasonScopeAuditInputInvalid:    {"scope"},
}

// attachFailures assigns each failure's reason code to criteria whose
// text matches its affinity keywords; a reason with no textual match
// anywhere falls back to every criterion, per spec §4.8.
func attachFailures(criteriaText []string, failures []failure) []model.Criterion {
	criteria := make([]model.Criterion, len(criteriaText))
	for i, text := range criteriaText {
		criteria[i] = model.Criterion{Text: text}
	}
	for _, f := range failures {
		keywords := affinityKeywords[f.ReasonCode]
		matched := false
		for i, text := range criteriaText {
			lower := strings.ToLower(text)
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					criteria[i].FailureReasons = append(criteria[i].FailureReasons, f.ReasonCode)
					matched = true
					break
				}
			}
		}
		if !matched {
			for i := range criteria {
				criteria[i].FailureReasons = append(criteria[i].FailureReasons, f.ReasonCode)
			}
		}
	}
	return criteria
}

type proofMaterial struct {
	TaskID      string                `json:"task_id"`
	RunID       string                `json:"run_id"`
	StepID      string                `json:"step_id"`
	Criteria    []model.Criterion     `json:"criteria"`
	Evidence    []model.EvidenceEntry `json:"evidence"`
	ReasonCodes []string              `json:"reason_codes"`
}

// computeProofID hashes the full decision material so replaying the
// engine on identical inputs yields an identical proof id (spec
// §4.8, testable property 7).
func computeProofID(taskID, runID, stepID string, criteria []model.Criterion, evidence []model.EvidenceEntry, reasonCodes []string) string {
	material := proofMaterial{
		TaskID:      taskID,
		RunID:       runID,
		StepID:      stepID,
		Criteria:    criteria,
		Evidence:    evidence,
		ReasonCodes: reasonCodes,
	}
	b, err := json.Marshal(material)
	if err != nil {
		panic(fmt.Sprintf("acceptance: marshal proof material: %v", err))
	}
	sum := sha256.Sum256(b)
	return "proof_" + hex.EncodeToString(sum[:])
}

var reworkTemplates = map[string]string{
	model.ReasonMissingEvidence:           "create the missing evidence artifact at its expected output path",
	model.ReasonMissingCommandEvidence:    "add command evidence markers to verification.log",
	model.ReasonInvalidEvidencePath:       "fix the evidence path that escapes the evidence root",
	model.ReasonOutOfScopeChange:          "revert or re-scope changes outside the allowed scope",
	model.ReasonScopeAuditInputIncomplete: "supply both changed_files and allowed_scope, or neither",
	model.ReasonScopeAuditInputInvalid:    "fix malformed scope or changed-file paths",
}

func reworkDirectives(reasonCodes []string) []model.ReworkDirective {
	out := make([]model.ReworkDirective, 0, len(reasonCodes))
	for _, code := range reasonCodes {
		directive, ok := reworkTemplates[code]
		if !ok {
			directive = "address failure: " + code
		}
		out = append(out, model.ReworkDirective{ReasonCode: code, Directive: directive})
	}
	return out
}
