package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// CompactionConfig controls when and how much to compact.
type CompactionConfig struct {
	// MaxTokens is the context budget for one session.
	MaxTokens int
	// TriggerRatio triggers compaction at this fraction of MaxTokens.
	TriggerRatio float64
	// KeepRecentTokens is the budget for the verbatim tail retained
	// through compaction.
	KeepRecentTokens int
}

// DefaultCompactionConfig returns conservative defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		MaxTokens:        4000,
		TriggerRatio:     0.75,
		KeepRecentTokens: 1000,
	}
}

// minMessagesToCompact is the floor below which there is nothing worth
// summarizing, and minSummarizeCount the minimum number of messages a
// summary must fold to be worth an LLM call.
const (
	minMessagesToCompact = 4
	minSummarizeCount    = 2
	minKeepCount         = 2
)

// Summarizer produces a concise summary of a block of messages.
// priorSummary, when non-empty, is earlier context the new summary must
// subsume. The orchestrator wires this to the active provider.
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary string, messages []Message) (string, error)
}

// Compactor bounds per-session context size by folding older messages
// into a rolling summary while keeping a recency tail verbatim.
type Compactor struct {
	store      *Store
	config     CompactionConfig
	summarizer Summarizer
	logger     *slog.Logger
}

// NewCompactor creates a compactor over the given store.
func NewCompactor(store *Store, config CompactionConfig, summarizer Summarizer, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxTokens <= 0 {
		config = DefaultCompactionConfig()
	}
	return &Compactor{
		store:      store,
		config:     config,
		summarizer: summarizer,
		logger:     logger.With("component", "compactor"),
	}
}

// threshold is the token estimate above which compaction triggers.
func (c *Compactor) threshold() int {
	return int(float64(c.config.MaxTokens) * c.config.TriggerRatio)
}

// MaybeCompact compacts the session if its assembled context exceeds
// the trigger threshold. Returns true when a compaction was performed.
// Failure is non-fatal: the session is left untouched and the next turn
// simply re-attempts.
func (c *Compactor) MaybeCompact(ctx context.Context, id string) (bool, error) {
	state, err := c.store.Read(id)
	if err != nil {
		return false, err
	}

	estimated := EstimateMessageListTokens(MessagesForLLM(state))
	if estimated <= c.threshold() {
		return false, nil
	}

	raw := state.Messages
	if len(raw) < minMessagesToCompact {
		c.logger.Debug("compaction skipped: too few messages",
			"session", id, "messages", len(raw))
		return false, nil
	}

	keepCount := c.keepCount(raw)
	summarizeCount := len(raw) - keepCount
	if summarizeCount < minSummarizeCount {
		c.logger.Debug("compaction skipped: nothing worth summarizing",
			"session", id, "messages", len(raw), "keep", keepCount)
		return false, nil
	}

	summary, err := c.summarizer.Summarize(ctx, state.Summary, raw[:summarizeCount])
	if err != nil {
		c.logger.Warn("compaction summarization failed, session unchanged",
			"session", id, "error", err)
		return false, nil
	}
	if strings.TrimSpace(summary) == "" {
		c.logger.Warn("compaction produced empty summary, session unchanged",
			"session", id)
		return false, nil
	}

	if err := c.store.Compact(id, raw[summarizeCount:], summary, summarizeCount); err != nil {
		return false, fmt.Errorf("persist compaction: %w", err)
	}

	c.logger.Info("session compacted",
		"session", id,
		"summarized", summarizeCount,
		"kept", keepCount,
		"tokens_before", estimated,
	)
	return true, nil
}

// ForceCompact summarizes the entire current message list, leaving the
// session with an empty list and an updated summary. Used by the
// /compact command.
func (c *Compactor) ForceCompact(ctx context.Context, id string) error {
	state, err := c.store.Read(id)
	if err != nil {
		return err
	}
	if len(state.Messages) == 0 {
		return fmt.Errorf("nothing to compact")
	}

	summary, err := c.summarizer.Summarize(ctx, state.Summary, state.Messages)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("summarizer returned empty summary")
	}

	count := len(state.Messages)
	if err := c.store.Compact(id, []Message{}, summary, count); err != nil {
		return fmt.Errorf("persist compaction: %w", err)
	}

	c.logger.Info("session force-compacted", "session", id, "summarized", count)
	return nil
}

// keepCount walks backward from the most recent message accumulating
// token estimates until the running total would exceed the keep-recent
// budget. At least minKeepCount trailing messages are always retained.
func (c *Compactor) keepCount(messages []Message) int {
	keep := 0
	budget := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateTokens(messages[i].Content) + perMessageOverhead
		if keep >= minKeepCount && budget+cost > c.config.KeepRecentTokens {
			break
		}
		keep++
		budget += cost
	}
	if keep < minKeepCount {
		keep = minKeepCount
	}
	if keep > len(messages) {
		keep = len(messages)
	}
	return keep
}
