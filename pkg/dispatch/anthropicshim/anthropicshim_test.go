// SPDX-License-Identifier: AGPL-3.0-or-later

package anthropicshim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/daokit/daokit-go/pkg/dispatch"
	"github.com/daokit/daokit-go/pkg/model"
)

// fakeMessagesServer returns a Messages API stand-in that echoes back
// text, grounded on the httptest.Server pattern the pack's HTTP tool
// tests use.
func fakeMessagesServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg_test",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
}

func testStep() model.StepContract {
	return model.StepContract{
		ID:                 "S1",
		Title:              "write release notes",
		Goal:               "document the release",
		Actions:            []string{"draft notes"},
		AcceptanceCriteria: []string{"notes exist"},
		ExpectedOutputs:    []string{"notes.md"},
	}
}

func TestAdapterCreateReturnsArtifactFromResponseText(t *testing.T) {
	server := fakeMessagesServer(t, "release notes drafted")
	defer server.Close()

	a := New("test-key", "", option.WithBaseURL(server.URL))
	result, err := a.Create(context.Background(), dispatch.Request{TaskID: "T1", RunID: "R1", Step: testStep()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.Status != dispatch.CallSuccess {
		t.Fatalf("expected success, got %q (%s)", result.Status, result.Error)
	}
	if len(result.ArtifactPaths) != 1 || result.ArtifactPaths[0] != "release notes drafted" {
		t.Fatalf("unexpected artifacts: %+v", result.ArtifactPaths)
	}
}

func TestAdapterReworkIncludesPriorFailures(t *testing.T) {
	server := fakeMessagesServer(t, "reworked notes")
	defer server.Close()

	a := New("test-key", "", option.WithBaseURL(server.URL))
	result, err := a.Rework(context.Background(), dispatch.Request{
		TaskID:        "T1",
		RunID:         "R1",
		Step:          testStep(),
		ReworkContext: []dispatch.CallResult{{Status: dispatch.CallError, Error: "missing evidence"}},
	})
	if err != nil {
		t.Fatalf("Rework: %v", err)
	}
	if result.Status != dispatch.CallSuccess {
		t.Fatalf("expected success, got %q (%s)", result.Status, result.Error)
	}
}

func TestAdapterEmptyResponseIsCallError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 0},
		})
	}))
	defer server.Close()

	a := New("test-key", "", option.WithBaseURL(server.URL))
	result, err := a.Resume(context.Background(), dispatch.Request{TaskID: "T1", RunID: "R1", Step: testStep()})
	if err == nil {
		t.Fatalf("expected an error for an empty response")
	}
	if result.Status != dispatch.CallError {
		t.Fatalf("expected CallError status, got %q", result.Status)
	}
}
