package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

const defaultLLMModel = "claude-sonnet-4-5"

// LLMResolver asks the Anthropic Messages API to merge the conflicting files
type LLMResolver struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewLLMResolver creates a resolver using apiKey (or ANTHROPIC_API_KEY when
// empty). Extra options are passed to the client.
func NewLLMResolver(apiKey, model string, maxTokens int, opts ...option.RequestOption) *LLMResolver {
	if apiKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	}
	if model == "" {
		model = defaultLLMModel
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	client := anthropic.NewClient(opts...)
	return &LLMResolver{api: &client, model: anthropic.Model(model), maxTokens: int64(maxTokens)}
}

func (r *LLMResolver) Name() string { return "llm" }

type llmResponse struct {
	Resolved bool           `json:"resolved"`
	Files    []ResolvedFile `json:"files"`
	Reason   string         `json:"reason,omitempty"`
}

const llmSystemPrompt = `You resolve git merge conflicts. For each file you receive the merge-base version, our version (the integration branch) and their version (the task branch). Produce a merged version that keeps the intent of both sides.

Return ONLY a JSON object:
{"resolved": true, "files": [{"path": "<path>", "content": "<full merged file content>"}]}

Rules:
- Include every file you were given, with its complete content
- If a file should be removed, use {"path": "<path>", "delete": true}
- If the two sides cannot be reconciled safely, return {"resolved": false, "files": [], "reason": "<why>"}
- Return valid JSON only, no markdown fencing or explanation`

func buildConflictPrompt(report *domain.ConflictReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Merging branch %s. %d conflicting file(s).\n", report.Branch, len(report.Files))
	for _, f := range report.Files {
		fmt.Fprintf(&sb, "\n=== %s ===\n", f.Path)
		writeSide(&sb, "base", f.Base, false)
		writeSide(&sb, "ours", f.Ours, f.OursDeleted)
		writeSide(&sb, "theirs", f.Theirs, f.TheirsDeleted)
	}
	return sb.String()
}

func writeSide(sb *strings.Builder, name, content string, deleted bool) {
	if deleted {
		fmt.Fprintf(sb, "--- %s: (deleted)\n", name)
		return
	}
	fmt.Fprintf(sb, "--- %s:\n%s", name, content)
	if !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
}

// Resolve sends the conflict to the model and validates that every
// conflicting path came back.
func (r *LLMResolver) Resolve(ctx context.Context, report *domain.ConflictReport) (Result, error) {
	msg, err := r.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: llmSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildConflictPrompt(report))),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return Result{}, fmt.Errorf("no text content in API response")
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(stripFence(text)), &resp); err != nil {
		return Result{}, fmt.Errorf("parse LLM response as JSON: %w", err)
	}
	if !resp.Resolved {
		return Result{}, nil
	}

	got := make(map[string]bool, len(resp.Files))
	for _, f := range resp.Files {
		got[f.Path] = true
	}
	for _, p := range report.Paths() {
		if !got[p] {
			return Result{}, fmt.Errorf("response is missing %s", p)
		}
	}
	return Result{Resolved: true, Files: resp.Files}, nil
}

// stripFence removes a surrounding markdown code fence, if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
