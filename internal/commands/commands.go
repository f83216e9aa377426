// Package commands implements the slash-command processor. Slash input
// is handled entirely locally and never reaches the LLM.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"bashobot/internal/approval"
	"bashobot/internal/config"
	"bashobot/internal/memory"
	"bashobot/internal/session"
)

// minMessagesForAutoSave is the session length below which /clear does
// not bother saving a memory note.
const minMessagesForAutoSave = 6

// Summarizer produces the note text saved by /clear.
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary string, messages []session.Message) (string, error)
}

// Compactor is the slice of the context manager /compact needs.
type Compactor interface {
	ForceCompact(ctx context.Context, id string) error
}

// Processor dispatches slash commands.
type Processor struct {
	runtime    *config.RuntimeStore
	sessions   *session.Store
	compactor  Compactor
	summarizer Summarizer
	memory     memory.Store
	gate       *approval.Gate
	providers  []string // known provider names for /model validation
	maxTokens  int
	logger     *slog.Logger
}

// New creates a command processor. memory may be nil when the memory
// backend is disabled in config.
func New(
	runtime *config.RuntimeStore,
	sessions *session.Store,
	compactor Compactor,
	summarizer Summarizer,
	mem memory.Store,
	gate *approval.Gate,
	providers []string,
	maxTokens int,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		runtime:    runtime,
		sessions:   sessions,
		compactor:  compactor,
		summarizer: summarizer,
		memory:     mem,
		gate:       gate,
		providers:  providers,
		maxTokens:  maxTokens,
		logger:     logger.With("component", "commands"),
	}
}

// IsCommand reports whether text is slash input.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Handle executes a slash command and returns the reply. It returns
// handled=false only for non-slash input; unknown slash commands are
// claimed with a help pointer so they never fall through to the LLM.
func (p *Processor) Handle(ctx context.Context, sessionID, text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	args := fields[1:]

	p.logger.Debug("slash command", "session", sessionID, "command", command)

	var reply string
	var err error
	switch command {
	case "/help":
		reply = p.helpText()
	case "/model":
		reply, err = p.handleModel(args)
	case "/tools":
		reply, err = p.handleToggle(args, "tools")
	case "/allow":
		reply, err = p.handleAllow(args)
	case "/memory":
		reply, err = p.handleMemory(ctx, sessionID, args)
	case "/context":
		reply, err = p.handleContext(sessionID)
	case "/clear":
		reply, err = p.handleClear(ctx, sessionID)
	case "/compact":
		reply, err = p.handleCompact(ctx, sessionID)
	default:
		reply = fmt.Sprintf("Unknown command %s. Try /help.", command)
	}

	if err != nil {
		p.logger.Warn("command failed", "command", command, "error", err)
		return fmt.Sprintf("Command failed: %v", err), true
	}
	return reply, true
}

func (p *Processor) helpText() string {
	return strings.TrimSpace(`
Available commands:
  /model [name[:model]]   Show or switch the active provider and model
  /tools on|off           Enable or disable tool calling
  /allow <command>        Whitelist a shell command name
  /memory list|save <text>|search <query>|clear|on|off
  /context                Show session context statistics
  /clear                  Clear the session (saves a memory note first)
  /compact                Summarize the session history now
  /help                   Show this help
`)
}

func (p *Processor) handleModel(args []string) (string, error) {
	rt, err := p.runtime.Load()
	if err != nil {
		return "", err
	}

	if len(args) == 0 {
		return fmt.Sprintf("Active provider: %s, model: %s\nKnown providers: %s",
			rt.Provider, rt.Model, strings.Join(p.providers, ", ")), nil
	}

	// "/model provider" or "/model provider:model"
	spec := args[0]
	providerName := spec
	modelName := rt.Model
	if idx := strings.Index(spec, ":"); idx >= 0 {
		providerName = spec[:idx]
		modelName = spec[idx+1:]
	}

	if !p.knownProvider(providerName) {
		return "", fmt.Errorf("unknown provider %q (known: %s)",
			providerName, strings.Join(p.providers, ", "))
	}

	rt.Provider = providerName
	rt.Model = modelName
	if err := p.runtime.Save(rt); err != nil {
		return "", err
	}
	return fmt.Sprintf("Switched to provider %s, model %s.", rt.Provider, rt.Model), nil
}

func (p *Processor) knownProvider(name string) bool {
	for _, known := range p.providers {
		if known == name {
			return true
		}
	}
	return false
}

func (p *Processor) handleToggle(args []string, what string) (string, error) {
	rt, err := p.runtime.Load()
	if err != nil {
		return "", err
	}

	if len(args) == 0 {
		state := "off"
		if rt.ToolsEnabled {
			state = "on"
		}
		return fmt.Sprintf("Tools are %s.", state), nil
	}

	switch strings.ToLower(args[0]) {
	case "on":
		rt.ToolsEnabled = true
	case "off":
		rt.ToolsEnabled = false
	default:
		return "", fmt.Errorf("expected 'on' or 'off'")
	}
	if err := p.runtime.Save(rt); err != nil {
		return "", err
	}
	return fmt.Sprintf("Tools %s.", strings.ToLower(args[0])), nil
}

func (p *Processor) handleAllow(args []string) (string, error) {
	if len(args) == 0 {
		names := p.gate.Whitelisted()
		if len(names) == 0 {
			return "No commands whitelisted yet.", nil
		}
		sort.Strings(names)
		return "Whitelisted commands: " + strings.Join(names, ", "), nil
	}

	name := args[0]
	if err := p.gate.Whitelist(name); err != nil {
		return "", err
	}
	return fmt.Sprintf("Command '%s' whitelisted.", name), nil
}

func (p *Processor) handleMemory(ctx context.Context, sessionID string, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: /memory list|save <text>|search <query>|clear|on|off", nil
	}

	sub := strings.ToLower(args[0])

	// on/off toggle persists independent of the backend
	if sub == "on" || sub == "off" {
		rt, err := p.runtime.Load()
		if err != nil {
			return "", err
		}
		rt.MemoryEnabled = sub == "on"
		if err := p.runtime.Save(rt); err != nil {
			return "", err
		}
		return fmt.Sprintf("Memory %s.", sub), nil
	}

	if p.memory == nil {
		return "Memory backend is not configured.", nil
	}

	switch sub {
	case "list":
		notes, err := p.memory.List(ctx, 10)
		if err != nil {
			return "", err
		}
		if len(notes) == 0 {
			return "No memories saved.", nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d recent memories:\n", len(notes))
		for _, n := range notes {
			fmt.Fprintf(&b, "- [%s] %s\n", n.CreatedAt.Format("2006-01-02"), firstLine(n.Summary))
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "save":
		textToSave := strings.Join(args[1:], " ")
		if strings.TrimSpace(textToSave) == "" {
			return "", fmt.Errorf("nothing to save")
		}
		if err := p.memory.Save(ctx, sessionID, textToSave); err != nil {
			return "", err
		}
		return "Saved.", nil

	case "search":
		query := strings.Join(args[1:], " ")
		if strings.TrimSpace(query) == "" {
			return "", fmt.Errorf("empty query")
		}
		results, err := p.memory.Search(ctx, query, 5)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "No matches.", nil
		}
		return memory.FormatForInjection(results), nil

	case "clear":
		if err := p.memory.Clear(ctx); err != nil {
			return "", err
		}
		return "All memories cleared.", nil

	default:
		return "", fmt.Errorf("unknown memory subcommand %q", sub)
	}
}

func (p *Processor) handleContext(sessionID string) (string, error) {
	stats, err := p.sessions.ReadStats(sessionID)
	if err != nil {
		return "", err
	}

	summaryLine := "no"
	if stats.HasSummary {
		summaryLine = fmt.Sprintf("yes (%d messages folded in)", stats.SummarizedCount)
	}
	return fmt.Sprintf(
		"Session %s:\n  messages: %d\n  summary: %s\n  estimated tokens: %d / %d",
		sessionID, stats.MessageCount, summaryLine, stats.EstimatedTokens, p.maxTokens), nil
}

// handleClear resets the session. Sessions long enough to matter get a
// memory note saved first so the context is not lost entirely.
func (p *Processor) handleClear(ctx context.Context, sessionID string) (string, error) {
	saved := false
	state, err := p.sessions.Read(sessionID)
	if err != nil {
		return "", err
	}

	if p.memory != nil && p.summarizer != nil && len(state.Messages) >= minMessagesForAutoSave {
		summary, err := p.summarizer.Summarize(ctx, state.Summary, state.Messages)
		if err != nil {
			p.logger.Warn("auto-save summarization failed", "session", sessionID, "error", err)
		} else if err := p.memory.Save(ctx, sessionID, summary); err != nil {
			p.logger.Warn("auto-save failed", "session", sessionID, "error", err)
		} else {
			saved = true
		}
	}

	if err := p.sessions.Clear(sessionID); err != nil {
		return "", err
	}

	if saved {
		return "Session cleared. A memory note was saved.", nil
	}
	return "Session cleared.", nil
}

func (p *Processor) handleCompact(ctx context.Context, sessionID string) (string, error) {
	if err := p.compactor.ForceCompact(ctx, sessionID); err != nil {
		return "", err
	}
	stats, err := p.sessions.ReadStats(sessionID)
	if err != nil {
		return "Session compacted.", nil
	}
	return fmt.Sprintf("Session compacted. %d messages folded into the summary.", stats.SummarizedCount), nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
