// Package draft provides the candidate-generation collaborator: it turns a
// question plus retrieved context into one SQL statement using Google's
// Gemini API. Everything after the model call is deterministic cleanup.
package draft

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"querysmith/internal/engine"
	"querysmith/internal/logging"
)

// =============================================================================
// GENAI DRAFTER
// =============================================================================

// GenAIDrafter drafts SQL with a Gemini model.
type GenAIDrafter struct {
	client *genai.Client
	model  string
}

// NewGenAIDrafter creates a drafter. model defaults to gemini-2.0-flash.
func NewGenAIDrafter(apiKey, model string) (*GenAIDrafter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIDrafter{client: client, model: model}, nil
}

// Draft asks the model for a single SQLite SELECT statement.
func (d *GenAIDrafter) Draft(ctx context.Context, req engine.DraftRequest) (string, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "Draft")
	defer timer.Stop()

	prompt := BuildPrompt(req)
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := d.client.Models.GenerateContent(ctx, d.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	sqlText := CleanSQL(result.Text())
	if sqlText == "" {
		return "", fmt.Errorf("model returned no SQL")
	}
	return sqlText, nil
}

// =============================================================================
// PROMPT ASSEMBLY
// =============================================================================

// BuildPrompt renders a draft request into one model prompt. Context items
// come first in relevance order; prior failures last so the model sees what
// not to repeat.
func BuildPrompt(req engine.DraftRequest) string {
	var b strings.Builder

	b.WriteString("Write a single SQLite SELECT statement answering the question below.\n")
	b.WriteString("Rules: read-only, explicit column list (no SELECT *), include a LIMIT clause.\n")
	b.WriteString("Respond with SQL only, no explanation.\n\n")

	if len(req.ContextItems) > 0 {
		b.WriteString("Known context, most relevant first:\n")
		for _, item := range req.ContextItems {
			b.WriteString("---\n")
			b.WriteString(item)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if req.SchemaHint != "" {
		b.WriteString("Database schema:\n")
		b.WriteString(req.SchemaHint)
		b.WriteString("\n")
	}

	if len(req.PriorFailures) > 0 {
		b.WriteString("Earlier attempts failed; do not repeat these mistakes:\n")
		for _, f := range req.PriorFailures {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Question: ")
	b.WriteString(req.Question)
	return b.String()
}

// CleanSQL strips markdown fences and surrounding prose the model tends to
// wrap around its answer.
func CleanSQL(raw string) string {
	text := strings.TrimSpace(raw)

	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "sql")
		text = strings.TrimPrefix(text, "sqlite")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}

	return strings.TrimSpace(text)
}
