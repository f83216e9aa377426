// Package agent implements the core orchestration loop: one inbound
// message in, exactly one reply out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bashobot/internal/approval"
	"bashobot/internal/commands"
	"bashobot/internal/config"
	"bashobot/internal/events"
	"bashobot/internal/llm"
	"bashobot/internal/memory"
	"bashobot/internal/session"
	"bashobot/internal/tools"
)

// apologyMessage substitutes for a failed or empty provider response.
// The user never sees a stack trace or silence.
const apologyMessage = "Sorry, I ran into a problem answering that. Please try again."

const systemPrompt = "You are bashobot, a personal assistant running on the user's machine. " +
	"You can run shell commands, read and write files, and search saved notes when tools are available. " +
	"Be concise and direct."

// Orchestrator ties the stores, the provider registry, and the tool
// executor together per inbound message.
type Orchestrator struct {
	sessions  *session.Store
	compactor *session.Compactor
	commands  *commands.Processor
	gate      *approval.Gate
	registry  *tools.Registry
	providers *llm.Registry
	runtime   *config.RuntimeStore
	audit     *session.AuditLog
	memory    memory.Store
	bus       *events.Bus
	logger    *slog.Logger
}

// Options carries the orchestrator's collaborators. Memory and bus may
// be nil.
type Options struct {
	Sessions  *session.Store
	Compactor *session.Compactor
	Commands  *commands.Processor
	Gate      *approval.Gate
	Registry  *tools.Registry
	Providers *llm.Registry
	Runtime   *config.RuntimeStore
	Audit     *session.AuditLog
	Memory    memory.Store
	Bus       *events.Bus
	Logger    *slog.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions:  opts.Sessions,
		compactor: opts.Compactor,
		commands:  opts.Commands,
		gate:      opts.Gate,
		registry:  opts.Registry,
		providers: opts.Providers,
		runtime:   opts.Runtime,
		audit:     opts.Audit,
		memory:    opts.Memory,
		bus:       opts.Bus,
		logger:    logger.With("component", "orchestrator"),
	}
}

// ProcessMessage handles one inbound message and returns exactly one
// reply. Slash commands and approval answers are resolved locally;
// everything else goes through the provider.
func (o *Orchestrator) ProcessMessage(ctx context.Context, sessionID, text, source string) string {
	requestID := session.NewRequestID()
	logger := o.logger.With("request_id", requestID, "session", sessionID, "source", source)
	ctx = tools.WithSessionID(ctx, sessionID)

	o.publishEvent(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRequestStart,
		Data:   map[string]any{"request_id": requestID, "session": sessionID, "source": source},
	})
	start := time.Now()

	reply := o.dispatch(ctx, logger, requestID, sessionID, text, source)

	o.publishEvent(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRequestComplete,
		Data: map[string]any{
			"request_id": requestID,
			"session":    sessionID,
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})
	return reply
}

func (o *Orchestrator) dispatch(ctx context.Context, logger *slog.Logger, requestID, sessionID, text, source string) string {
	// Slash input is claimed entirely by the command processor and
	// never reaches the LLM.
	if commands.IsCommand(text) {
		reply, _ := o.commands.Handle(ctx, sessionID, text)
		return reply
	}

	// A pending approval consumes the next plain-text turn as the
	// yes/no answer.
	if command, ok := o.gate.Pending(sessionID); ok {
		return o.resolveApproval(logger, sessionID, command, text)
	}

	return o.chatTurn(ctx, logger, requestID, sessionID, text, source)
}

func (o *Orchestrator) resolveApproval(logger *slog.Logger, sessionID, command, text string) string {
	approved := approval.ParseDecision(text)
	if _, err := o.gate.Resolve(sessionID, approved); err != nil {
		logger.Error("approval resolution failed", "error", err)
		return apologyMessage
	}
	if approved {
		return fmt.Sprintf("Approved. The command '%s' is now whitelisted; ask me again to run it.", command)
	}
	return fmt.Sprintf("Denied. The command '%s' will not be run.", command)
}

func (o *Orchestrator) chatTurn(ctx context.Context, logger *slog.Logger, requestID, sessionID, text, source string) string {
	if err := o.sessions.Append(sessionID, "user", text); err != nil {
		logger.Error("append user message failed", "error", err)
		return apologyMessage
	}

	if _, err := o.compactor.MaybeCompact(ctx, sessionID); err != nil {
		logger.Warn("compaction check failed", "error", err)
	}

	state, err := o.sessions.Read(sessionID)
	if err != nil {
		logger.Error("read session failed", "error", err)
		return apologyMessage
	}
	assembled := session.MessagesForLLM(state)

	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	// A fresh session gets relevant saved notes injected ahead of the
	// conversation. Compacted sessions keep at least two verbatim
	// messages plus the summary pair, so they never re-trigger this.
	if len(assembled) <= 2 {
		if preamble := o.memoryPreamble(ctx, text); preamble != "" {
			messages = append(messages,
				llm.Message{Role: "user", Content: preamble},
				llm.Message{Role: "assistant", Content: "Noted. I'll keep that context in mind."},
			)
		}
	}
	for _, m := range assembled {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	rt, err := o.runtime.Load()
	if err != nil {
		logger.Error("load runtime settings failed", "error", err)
		return apologyMessage
	}

	client, err := o.providers.Client(rt.Provider)
	if err != nil {
		logger.Error("provider lookup failed", "provider", rt.Provider, "error", err)
		return apologyMessage
	}

	o.publishEvent(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindLLMCall,
		Data:   map[string]any{"request_id": requestID, "provider": rt.Provider, "model": rt.Model},
	})

	start := time.Now()
	result, err := o.runToolLoop(ctx, client, rt.Model, messages, o.registry, rt.ToolsEnabled)
	elapsed := time.Since(start)

	entry := session.AuditEntry{
		RequestID:       requestID,
		Source:          source,
		Provider:        rt.Provider,
		Model:           rt.Model,
		ElapsedMS:       elapsed.Milliseconds(),
		RequestMessages: len(messages),
	}

	reply := apologyMessage
	switch {
	case err != nil:
		logger.Error("provider turn failed", "provider", rt.Provider, "error", err)
		entry.Status = "error"
		entry.Error = err.Error()
	case strings.TrimSpace(result.Text) == "":
		logger.Warn("provider returned empty reply", "provider", rt.Provider)
		entry.Status = "empty"
		entry.RawRequest = result.RawRequest
		entry.RawResponse = result.RawResponse
	default:
		reply = result.Text
		entry.Status = "ok"
		entry.RawRequest = result.RawRequest
		entry.RawResponse = result.RawResponse
	}
	o.audit.Append(sessionID, entry)

	if err := o.sessions.Append(sessionID, "assistant", reply); err != nil {
		logger.Error("append assistant message failed", "error", err)
	}
	return reply
}

// memoryPreamble searches saved notes for context relevant to the
// first message of a session.
func (o *Orchestrator) memoryPreamble(ctx context.Context, text string) string {
	if o.memory == nil {
		return ""
	}
	rt, err := o.runtime.Load()
	if err != nil || !rt.MemoryEnabled {
		return ""
	}
	results, err := o.memory.Search(ctx, text, 3)
	if err != nil {
		o.logger.Warn("memory search failed", "error", err)
		return ""
	}
	return memory.FormatForInjection(results)
}

func (o *Orchestrator) publishEvent(e events.Event) {
	o.bus.Publish(e)
}

func eventToolCall(tool string) events.Event {
	return events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"tool": tool},
	}
}

func eventToolDone(tool string) events.Event {
	return events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolDone,
		Data:   map[string]any{"tool": tool},
	}
}

func eventApprovalPending(tool string) events.Event {
	return events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindApprovalPending,
		Data:   map[string]any{"tool": tool},
	}
}
