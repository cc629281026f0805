package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	chatSystemPrompt       = "You are the BAVARD assistant, a friendly participant in a one-to-one chat. Reply briefly and conversationally in plain text."
	rankSystemPrompt       = "You rank social feed posts for one user. Respond with strict JSON only: an array of post ids, most relevant first."
	categorizeSystemPrompt = "You label uploaded media. Respond with strict JSON only: an array of at most five short lowercase category names."

	chatMaxTokens       = 1024
	structuredMaxTokens = 512
	maxCategories       = 5
)

var errEmptyReply = errors.New("assistant: empty reply")

// AnthropicMessager is the subset of the Anthropic client the generator needs.
type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// NewAnthropicMessager builds the hosted client for apiKey.
func NewAnthropicMessager(apiKey string) AnthropicMessager {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &client.Messages
}

// AnthropicGenerator implements Generator with the Anthropic Messages API.
type AnthropicGenerator struct {
	messages AnthropicMessager
	model    anthropic.Model
}

func NewAnthropicGenerator(messages AnthropicMessager, model string) (*AnthropicGenerator, error) {
	if messages == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(model) == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &AnthropicGenerator{messages: messages, model: anthropic.Model(model)}, nil
}

func (g *AnthropicGenerator) Chat(ctx context.Context, prompt string, history []Turn) (string, error) {
	turns := append(append([]Turn(nil), history...), Turn{Role: RoleUser, Text: prompt})
	reply, err := g.complete(ctx, chatSystemPrompt, chatMaxTokens, buildMessages(turns))
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (g *AnthropicGenerator) Rank(ctx context.Context, userID string, posts []Post, contactIDs []string) ([]string, error) {
	payload, err := json.Marshal(map[string]any{
		"user_id":  userID,
		"contacts": contactIDs,
		"posts":    posts,
	})
	if err != nil {
		return nil, err
	}
	prompt := "Rank these posts for the user. Prefer posts by their contacts and recent posts.\n" + string(payload)
	reply, err := g.complete(ctx, rankSystemPrompt, structuredMaxTokens,
		[]anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))})
	if err != nil {
		return nil, err
	}
	var ranked []string
	if err := json.Unmarshal([]byte(stripCodeFences(reply)), &ranked); err != nil {
		return nil, fmt.Errorf("assistant: rank reply is not a json array: %w", err)
	}
	return ranked, nil
}

func (g *AnthropicGenerator) Categorize(ctx context.Context, media Media) ([]string, error) {
	prompt := fmt.Sprintf("Media kind: %s\nFile name: %s\nURL: %s\nCaption: %s", media.Kind, media.FileName, media.URL, media.Caption)
	reply, err := g.complete(ctx, categorizeSystemPrompt, structuredMaxTokens,
		[]anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))})
	if err != nil {
		return nil, err
	}
	var categories []string
	if err := json.Unmarshal([]byte(stripCodeFences(reply)), &categories); err != nil {
		return nil, fmt.Errorf("assistant: categorize reply is not a json array: %w", err)
	}
	cleaned := make([]string, 0, len(categories))
	seen := make(map[string]bool, len(categories))
	for _, category := range categories {
		value := strings.ToLower(strings.TrimSpace(category))
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		cleaned = append(cleaned, value)
		if len(cleaned) == maxCategories {
			break
		}
	}
	return cleaned, nil
}

func (g *AnthropicGenerator) complete(ctx context.Context, system string, maxTokens int64, messages []anthropic.MessageParam) (string, error) {
	resp, err := g.messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  messages,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errEmptyReply
	}
	return text, nil
}

// buildMessages merges consecutive turns of the same role and drops a leading
// assistant turn, since the API expects alternating turns starting with the user.
func buildMessages(turns []Turn) []anthropic.MessageParam {
	var merged []Turn
	for _, turn := range turns {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		if len(merged) == 0 && turn.Role != RoleUser {
			continue
		}
		if len(merged) > 0 && merged[len(merged)-1].Role == turn.Role {
			merged[len(merged)-1].Text += "\n" + text
			continue
		}
		merged = append(merged, Turn{Role: turn.Role, Text: text})
	}
	messages := make([]anthropic.MessageParam, 0, len(merged))
	for _, turn := range merged {
		block := anthropic.NewTextBlock(turn.Text)
		if turn.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}
	return messages
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}
