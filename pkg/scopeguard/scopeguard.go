// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scopeguard implements the Acceptance Engine's scope-change
// audit (spec §4.8), split out as its own package the way the Python
// original keeps audit/scope_guard.py distinct from acceptance/engine.py.
package scopeguard

import (
	"path"
	"strings"

	"github.com/daokit/daokit-go/pkg/model"
)

// Result is the outcome of Audit.
type Result struct {
	Passed    bool
	Reason    string // one of the model.Reason* constants, empty when Passed
	Violators []string
}

// Audit checks that every changedFile lies within some allowedScope
// entry. Directory scopes end with "/"; a changed file is in scope
// under a directory entry when it is that directory or nested inside
// it. File-scope entries must match exactly after normalization.
//
// Both changedFiles and allowedScope must be provided together, or
// neither: supplying one without the other is
// SCOPE_AUDIT_INPUT_INCOMPLETE. When neither is provided the audit is
// skipped and reports Passed.
func Audit(changedFiles, allowedScope []string) Result {
	if len(changedFiles) == 0 && len(allowedScope) == 0 {
		return Result{Passed: true}
	}
	if len(changedFiles) == 0 || len(allowedScope) == 0 {
		return Result{Passed: false, Reason: model.ReasonScopeAuditInputIncomplete}
	}

	normalizedScope := make([]string, 0, len(allowedScope))
	for _, entry := range allowedScope {
		n, ok := normalizeScopeEntry(entry)
		if !ok {
			return Result{Passed: false, Reason: model.ReasonScopeAuditInputInvalid}
		}
		normalizedScope = append(normalizedScope, n)
	}

	var violators []string
	for _, f := range changedFiles {
		n, ok := normalizeRelativePath(f)
		if !ok {
			return Result{Passed: false, Reason: model.ReasonScopeAuditInputInvalid}
		}
		if !inScope(n, normalizedScope) {
			violators = append(violators, f)
		}
	}
	if len(violators) > 0 {
		return Result{Passed: false, Reason: model.ReasonOutOfScopeChange, Violators: violators}
	}
	return Result{Passed: true}
}

func normalizeRelativePath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || path.IsAbs(p) || strings.HasPrefix(p, "../") || p == ".." {
		return "", false
	}
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

func normalizeScopeEntry(entry string) (string, bool) {
	isDir := strings.HasSuffix(strings.TrimSpace(entry), "/")
	cleaned, ok := normalizeRelativePath(entry)
	if !ok {
		return "", false
	}
	if isDir {
		return cleaned + "/", true
	}
	return cleaned, true
}

func inScope(file string, scope []string) bool {
	for _, entry := range scope {
		if strings.HasSuffix(entry, "/") {
			dir := strings.TrimSuffix(entry, "/")
			if file == dir || strings.HasPrefix(file, dir+"/") {
				return true
			}
			continue
		}
		if file == entry {
			return true
		}
	}
	return false
}
