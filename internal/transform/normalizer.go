// Package transform repairs backend responses that encode tool calls as
// plain-text JSON in the message content.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/metrics"
)

const repairMarker = "gpt-oss"

var (
	singleCallPattern = regexp.MustCompile(`\{\s*"name"\s*:\s*"[^"]+"\s*,\s*"arguments"\s*:\s*\{`)
	arrayCallPattern  = regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"[^"]+"\s*,\s*"(parameters|arguments)"\s*:\s*\{`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	arrayPattern      = regexp.MustCompile(`\[(.*)\]`)
)

// NeedsRepair reports whether responses for model require normalization.
func NeedsRepair(model string) bool {
	return strings.Contains(model, repairMarker)
}

type Normalizer struct {
	newID func() string
}

func NewNormalizer() *Normalizer {
	return &Normalizer{newID: newCallID}
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Normalize returns resp itself when nothing needs repair, otherwise a copy
// with rewritten choices. Unparseable content is left as it was.
func (n *Normalizer) Normalize(resp *domain.ChatCompletionResponse) *domain.ChatCompletionResponse {
	if resp == nil || !NeedsRepair(resp.Model) || len(resp.Choices) == 0 {
		return resp
	}

	var choices []domain.Choice
	extracted := 0
	for i, choice := range resp.Choices {
		calls, ok := n.repairChoice(resp.Model, choice)
		if !ok {
			continue
		}
		if choices == nil {
			choices = make([]domain.Choice, len(resp.Choices))
			copy(choices, resp.Choices)
		}

		fixed := choice
		fixed.Message.Content = nil
		fixed.Message.ToolCalls = calls
		if fixed.FinishReason == "stop" || fixed.FinishReason == "length" {
			fixed.FinishReason = "tool_calls"
		}
		choices[i] = fixed
		extracted += len(calls)
	}

	if choices == nil {
		return resp
	}

	metrics.RecordToolCallsNormalized(resp.Model, extracted)

	out := *resp
	out.Choices = choices
	return &out
}

func (n *Normalizer) repairChoice(model string, choice domain.Choice) ([]domain.ToolCall, bool) {
	if choice.Message.Content == nil {
		return nil, false
	}
	content := *choice.Message.Content
	if !singleCallPattern.MatchString(content) && !arrayCallPattern.MatchString(content) {
		return nil, false
	}

	calls, err := n.extract(content)
	if err != nil {
		slog.Warn("failed to parse tool call content",
			"model", model,
			"choice", choice.Index,
			"error", err,
		)
		return nil, false
	}
	return calls, len(calls) > 0
}

type rawCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Arguments  json.RawMessage `json:"arguments"`
}

func (n *Normalizer) extract(content string) ([]domain.ToolCall, error) {
	clean := strings.TrimSpace(whitespacePattern.ReplaceAllString(content, " "))

	var entries []rawCall
	if strings.HasPrefix(clean, "[") {
		match := arrayPattern.FindString(clean)
		if match == "" {
			return nil, errors.New("unterminated tool call array")
		}
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(match), &items); err != nil {
			return nil, err
		}
		// Malformed entries are dropped one by one; the rest still count.
		for _, item := range items {
			var entry rawCall
			if err := json.Unmarshal(item, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	} else {
		var entry rawCall
		if err := json.Unmarshal([]byte(clean), &entry); err != nil {
			return nil, err
		}
		entries = []rawCall{entry}
	}

	var calls []domain.ToolCall
	for _, entry := range entries {
		params := pickObject(entry.Parameters, entry.Arguments)
		if entry.Name == "" || params == nil {
			continue
		}

		var args bytes.Buffer
		if err := json.Compact(&args, params); err != nil {
			return nil, err
		}

		calls = append(calls, domain.ToolCall{
			ID:   n.newID(),
			Type: "function",
			Function: domain.FunctionCall{
				Name:      entry.Name,
				Arguments: args.String(),
			},
		})
	}

	return calls, nil
}

// pickObject returns the first candidate that is a JSON object.
func pickObject(candidates ...json.RawMessage) json.RawMessage {
	for _, c := range candidates {
		trimmed := bytes.TrimSpace(c)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return trimmed
		}
	}
	return nil
}
