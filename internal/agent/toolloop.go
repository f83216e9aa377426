package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"bashobot/internal/llm"
	"bashobot/internal/tools"
)

// maxToolIterations bounds the send/execute/re-send cycle for one
// inbound message.
const maxToolIterations = 10

// tooManyToolCallsMessage is the soft-failure reply when the model
// never produced a plain-text finish. The user always gets some reply.
const tooManyToolCallsMessage = "I tried to answer but got stuck making too many tool calls. Please rephrase or break the request into smaller steps."

// stepKind discriminates the outcome of one loop iteration. Each exit
// path of the loop is one of these, so termination is explicit.
type stepKind int

const (
	stepFinalText stepKind = iota
	stepContinue
	stepApprovalRequired
	stepError
)

type stepResult struct {
	kind stepKind
	text string // final text or approval prompt
	err  error
}

// toolLoopResult is what the loop hands back to the orchestrator.
type toolLoopResult struct {
	Text        string
	RawRequest  json.RawMessage
	RawResponse json.RawMessage
	Iterations  int
	InputTokens int
	OutputTokens int
}

// runToolLoop sends messages to the provider and executes any tool
// calls it returns, feeding results back until the model produces
// plain text, a tool requires approval, or the iteration cap is hit.
func (o *Orchestrator) runToolLoop(
	ctx context.Context,
	client llm.Client,
	model string,
	messages []llm.Message,
	registry *tools.Registry,
	toolsEnabled bool,
) (*toolLoopResult, error) {
	var catalog []map[string]any
	if toolsEnabled && registry != nil {
		catalog = registry.List()
	}

	result := &toolLoopResult{}

	for iteration := 1; iteration <= maxToolIterations; iteration++ {
		resp, err := client.Chat(ctx, model, messages, catalog)
		if err != nil {
			return nil, fmt.Errorf("provider call (iteration %d): %w", iteration, err)
		}
		result.Iterations = iteration
		result.RawRequest = resp.RawRequest
		result.RawResponse = resp.RawResponse
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		step, augmented := o.step(ctx, resp, messages, registry)
		messages = augmented

		switch step.kind {
		case stepFinalText, stepApprovalRequired:
			result.Text = step.text
			return result, nil
		case stepError:
			return nil, step.err
		case stepContinue:
			// next iteration with tool results appended
		}
	}

	o.logger.Warn("tool loop hit iteration cap", "max", maxToolIterations)
	result.Text = tooManyToolCallsMessage
	return result, nil
}

// step classifies one provider response and, for tool calls, executes
// them in order and appends calls and results to the history.
func (o *Orchestrator) step(
	ctx context.Context,
	resp *llm.ChatResponse,
	messages []llm.Message,
	registry *tools.Registry,
) (stepResult, []llm.Message) {
	if len(resp.Message.ToolCalls) == 0 {
		return stepResult{kind: stepFinalText, text: resp.Message.Content}, messages
	}

	if registry == nil {
		return stepResult{
			kind: stepError,
			err:  fmt.Errorf("model requested tool calls but tools are disabled"),
		}, messages
	}

	messages = append(messages, resp.Message)

	for _, call := range resp.Message.ToolCalls {
		o.logger.Debug("executing tool call",
			"tool", call.Function.Name, "id", call.ID)
		o.publishEvent(eventToolCall(call.Function.Name))

		output := registry.ExecuteArgs(ctx, call.Function.Name, call.Function.Arguments)

		if prompt, ok := approvalPrompt(output); ok {
			o.publishEvent(eventApprovalPending(call.Function.Name))
			return stepResult{kind: stepApprovalRequired, text: prompt}, messages
		}

		messages = append(messages, llm.Message{
			Role:       "tool",
			Content:    output,
			ToolCallID: call.ID,
		})
		o.publishEvent(eventToolDone(call.Function.Name))
	}

	return stepResult{kind: stepContinue}, messages
}

// approvalPrompt detects the approval_required control signal in a
// tool result and extracts the human-readable prompt.
func approvalPrompt(result string) (string, bool) {
	var payload struct {
		ApprovalRequired bool   `json:"approval_required"`
		Prompt           string `json:"prompt"`
		Command          string `json:"command"`
	}
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		return "", false
	}
	if !payload.ApprovalRequired {
		return "", false
	}
	if payload.Prompt != "" {
		return payload.Prompt, true
	}
	return fmt.Sprintf("The command '%s' requires approval. Reply 'yes' to allow it.", payload.Command), true
}
