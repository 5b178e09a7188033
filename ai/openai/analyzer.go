// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/poiesic/alexandria/ai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// maxParseAttempts bounds how often a malformed model response is re-requested.
const maxParseAttempts = 3

// Analyzer implements ai.TextTransformer using OpenAI-compatible chat APIs.
type Analyzer struct {
	client  llms.Model
	maxTags int
	logger  *slog.Logger
}

// analysis is the structure expected from the model's JSON response.
type analysis struct {
	Classification string   `json:"classification"`
	Summary        string   `json:"summary"`
	Tags           []string `json:"tags"`
	Confidence     float64  `json:"confidence"`
}

// newAnalyzer is an internal constructor that returns the concrete type.
// Used by Provider to manage the instance.
func newAnalyzer(config *ai.Config) (*Analyzer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.AnalyzerHost),
		openai.WithToken(config.Token),
		openai.WithModel(config.AnalyzerModel),
	)
	if err != nil {
		return nil, err
	}
	return newAnalyzerWithModel(client, config.MaxTags), nil
}

func newAnalyzerWithModel(client llms.Model, maxTags int) *Analyzer {
	return &Analyzer{
		client:  client,
		maxTags: maxTags,
		logger:  slog.Default().With("component", "openai-analyzer"),
	}
}

// NewAnalyzer creates a new analyzer using the provided configuration.
//
// Returns ai.TextTransformer interface to enforce abstraction.
func NewAnalyzer(config *ai.Config) (ai.TextTransformer, error) {
	return newAnalyzer(config)
}

// Analyze classifies, summarizes and tags text using an LLM.
func (a *Analyzer) Analyze(ctx context.Context, text, instructions string) (*ai.Analysis, error) {
	content := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{
				llms.TextPart(buildSystemPrompt(instructions, a.maxTags)),
			},
		},
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(cleanText(text)),
			},
		},
	}

	// Try up to maxParseAttempts times in case of malformed JSON
	var result analysis
	var lastErr error
	for attempt := 0; attempt < maxParseAttempts; attempt++ {
		response, err := a.client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			a.logger.Error("failed to generate content", "attempt", attempt+1, "err", err)
			return nil, &ai.TransformError{Retryable: isRetryableCall(err), Err: err}
		}

		if len(response.Choices) < 1 {
			lastErr = errors.New("no choices returned from model")
			a.logger.Debug("no choices returned from model", "attempt", attempt+1)
			continue
		}

		responseText := repairJSON(stripFences(response.Choices[0].Content))
		if err := json.Unmarshal([]byte(responseText), &result); err != nil {
			lastErr = err
			a.logger.Warn("error parsing analyzer response",
				"attempt", attempt+1,
				"response", responseText,
				"err", err)
			continue
		}

		// Success
		lastErr = nil
		break
	}

	if lastErr != nil {
		a.logger.Error("failed to parse analyzer response after retries", "err", lastErr)
		return nil, &ai.TransformError{
			Retryable: true,
			Err:       fmt.Errorf("parsing analyzer response: %w", lastErr),
		}
	}

	out := &ai.Analysis{
		Classification: normalizeClassification(result.Classification),
		Summary:        strings.TrimSpace(result.Summary),
		Tags:           normalizeTags(result.Tags, a.maxTags),
		Confidence:     min(max(result.Confidence, 0), 1),
	}
	a.logger.Debug("analyzed text",
		"length", len(text),
		"classification", out.Classification,
		"tags", len(out.Tags))
	return out, nil
}

// isRetryableCall reports whether a failed model call could succeed later.
// Only a caller-cancelled context is final.
func isRetryableCall(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// stripFences removes markdown code fences some models wrap around JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func normalizeClassification(s string) string {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
	if !ai.IsClassification(s) {
		return "other"
	}
	return s
}

// normalizeTags lowercases, trims and de-duplicates tags, keeping order and
// at most limit entries.
func normalizeTags(tags []string, limit int) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.Join(strings.Fields(strings.ToLower(tag)), " ")
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
		if len(out) == limit {
			break
		}
	}
	return out
}
