package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bashobot/internal/llm"
)

const summarizeInstruction = `Summarize the conversation below in at most 200 words. ` +
	`Preserve concrete facts, decisions, open tasks, and anything the user asked to remember. ` +
	`Write in third person, no preamble, no commentary.`

// LLMSummarizer summarizes conversation history through the active
// provider.
type LLMSummarizer struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMSummarizer wires a summarizer to a provider client and model.
func NewLLMSummarizer(client llm.Client, model string, logger *slog.Logger) *LLMSummarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMSummarizer{client: client, model: model, logger: logger}
}

// Summarize folds messages (and any prior summary) into one summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, priorSummary string, messages []Message) (string, error) {
	var b strings.Builder
	b.WriteString(summarizeInstruction)
	b.WriteString("\n\n")
	if priorSummary != "" {
		b.WriteString("Earlier summary (fold this in):\n")
		b.WriteString(priorSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	request := []llm.Message{{Role: "user", Content: b.String()}}
	resp, err := s.client.Chat(ctx, s.model, request, nil)
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}
	summary := strings.TrimSpace(resp.Message.Content)
	s.logger.Debug("summarization complete",
		"input_messages", len(messages), "summary_chars", len(summary))
	return summary, nil
}
