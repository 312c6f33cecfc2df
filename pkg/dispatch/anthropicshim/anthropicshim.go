// SPDX-License-Identifier: AGPL-3.0-or-later

// Package anthropicshim is an example dispatch.Adapter backed by the
// Anthropic Messages API. It is illustrative/test-only: dispatch
// backends are an out-of-scope collaborator (spec §1), so core
// orchestrator code never imports this package directly, only the
// dispatch.Adapter interface it implements.
package anthropicshim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/daokit/daokit-go/pkg/dispatch"
)

// Adapter dispatches steps to an Anthropic Claude model, one message
// exchange per Create/Resume/Rework call. A successful call returns the
// response's text blocks in CallResult.ArtifactPaths; the adapter writes
// no files of its own.
type Adapter struct {
	client    anthropicsdk.Client
	modelName string
}

// New constructs an Adapter. modelName defaults to a current Claude
// model when empty. Extra opts are appended after the API key option,
// letting callers (tests, alternate endpoints) override the base URL
// or transport.
func New(apiKey, modelName string, opts ...option.RequestOption) *Adapter {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Adapter{
		client:    anthropicsdk.NewClient(clientOpts...),
		modelName: modelName,
	}
}

func (a *Adapter) Create(ctx context.Context, req dispatch.Request) (dispatch.CallResult, error) {
	return a.call(ctx, fmt.Sprintf("Begin step %q: %s\n\nActions:\n%s", req.Step.ID, req.Step.Goal, strings.Join(req.Step.Actions, "\n")))
}

func (a *Adapter) Resume(ctx context.Context, req dispatch.Request) (dispatch.CallResult, error) {
	return a.call(ctx, fmt.Sprintf("Resume step %q: %s", req.Step.ID, req.Step.Goal))
}

func (a *Adapter) Rework(ctx context.Context, req dispatch.Request) (dispatch.CallResult, error) {
	var priorFailures strings.Builder
	for _, r := range req.ReworkContext {
		priorFailures.WriteString("- ")
		priorFailures.WriteString(r.Error)
		priorFailures.WriteString("\n")
	}
	return a.call(ctx, fmt.Sprintf(
		"Rework step %q: %s\n\nPrior failures:\n%s",
		req.Step.ID, req.Step.Goal, priorFailures.String(),
	))
}

func (a *Adapter) call(ctx context.Context, prompt string) (dispatch.CallResult, error) {
	if ctx.Err() != nil {
		return dispatch.CallResult{}, ctx.Err()
	}

	resp, err := a.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.modelName),
		MaxTokens: 4096,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return dispatch.CallResult{Status: dispatch.CallError, Error: err.Error()}, nil
	}

	var artifacts []string
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			artifacts = append(artifacts, b.Text)
		}
	}
	if len(artifacts) == 0 {
		return dispatch.CallResult{Status: dispatch.CallError, Error: "anthropicshim: empty response"}, errors.New("anthropicshim: empty response")
	}

	return dispatch.CallResult{Status: dispatch.CallSuccess, ArtifactPaths: artifacts}, nil
}
