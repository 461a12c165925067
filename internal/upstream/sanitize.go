package upstream

import (
	"strings"

	"github.com/luthien-dev/luthien/internal/wire"
)

// Sanitizer names, used in pipeline.auto_fix events and the bad-request
// classification table.
const (
	SanitizerDropEmptyText         = "drop_empty_text"
	SanitizerPruneOrphanToolResult = "prune_orphan_tool_results"
	SanitizerDedupeTools           = "dedupe_tools"
)

// A Sanitizer is a mechanical pre-flight fix that never changes the
// semantic intent of a request. All sanitizers are idempotent.
type Sanitizer struct {
	Name  string
	Apply func(req *wire.Request) (*wire.Request, bool)
}

// Sanitizers in pre-flight application order.
var Sanitizers = []Sanitizer{
	{Name: SanitizerDropEmptyText, Apply: dropEmptyText},
	{Name: SanitizerPruneOrphanToolResult, Apply: pruneOrphanToolResults},
	{Name: SanitizerDedupeTools, Apply: dedupeTools},
}

// SanitizerByName looks up a sanitizer for retry-with-fix.
func SanitizerByName(name string) (Sanitizer, bool) {
	for _, s := range Sanitizers {
		if s.Name == name {
			return s, true
		}
	}
	return Sanitizer{}, false
}

// Sanitize applies every sanitizer in order and reports whether any of
// them changed the request.
func Sanitize(req *wire.Request) (*wire.Request, bool) {
	changed := false
	for _, s := range Sanitizers {
		var c bool
		req, c = s.Apply(req)
		changed = changed || c
	}
	return req, changed
}

// applyFix applies a sanitizer for retry-with-fix. The pre-flight pass has
// already run at this point, so drop_empty_text escalates: a message whose
// content is entirely empty is dropped outright, since the upstream just
// rejected the request over it.
func applyFix(name string, req *wire.Request) (*wire.Request, bool) {
	if name == SanitizerDropEmptyText {
		out, changed := dropEmptyText(req)
		out, dropped := dropEmptyMessages(out)
		return out, changed || dropped
	}
	s, ok := SanitizerByName(name)
	if !ok {
		return req, false
	}
	return s.Apply(req)
}

// dropEmptyMessages removes messages that carry no content at all. Only the
// retry path uses it; pre-flight keeps such messages because some providers
// accept them.
func dropEmptyMessages(req *wire.Request) (*wire.Request, bool) {
	switch req.Format {
	case wire.FormatOpenAI:
		kept := make([]wire.ChatMessage, 0, len(req.OpenAI.Messages))
		for _, msg := range req.OpenAI.Messages {
			if msg.Role != "tool" && len(msg.ToolCalls) == 0 && strings.TrimSpace(msg.Content.Plain()) == "" {
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == len(req.OpenAI.Messages) {
			return req, false
		}
		out := req.Clone()
		out.OpenAI.Messages = kept
		return out, true
	case wire.FormatAnthropic:
		kept := make([]wire.AnthropicMessage, 0, len(req.Anthropic.Messages))
		for _, msg := range req.Anthropic.Messages {
			if emptyAnthropicMessage(msg) {
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == len(req.Anthropic.Messages) {
			return req, false
		}
		out := req.Clone()
		out.Anthropic.Messages = kept
		return out, true
	}
	return req, false
}

func emptyAnthropicMessage(msg wire.AnthropicMessage) bool {
	if !msg.Content.IsBlocks {
		return strings.TrimSpace(msg.Content.Text) == ""
	}
	for _, block := range msg.Content.Blocks {
		if block.Type != wire.BlockText {
			return false
		}
		if strings.TrimSpace(block.Text) != "" {
			return false
		}
	}
	return true
}

// dropEmptyText removes text content blocks whose text is empty or
// whitespace-only, unless removal would empty the message.
func dropEmptyText(req *wire.Request) (*wire.Request, bool) {
	switch req.Format {
	case wire.FormatOpenAI:
		changed := false
		out := req
		for i, msg := range req.OpenAI.Messages {
			if !msg.Content.IsParts {
				continue
			}
			kept := make([]wire.ContentPart, 0, len(msg.Content.Parts))
			for _, part := range msg.Content.Parts {
				if part.Type == "text" && strings.TrimSpace(part.Text) == "" {
					continue
				}
				kept = append(kept, part)
			}
			if len(kept) == len(msg.Content.Parts) || len(kept) == 0 {
				continue
			}
			if !changed {
				out = req.Clone()
				changed = true
			}
			out.OpenAI.Messages[i].Content = wire.PartsContent(kept...)
		}
		return out, changed
	case wire.FormatAnthropic:
		changed := false
		out := req
		for i, msg := range req.Anthropic.Messages {
			if !msg.Content.IsBlocks {
				continue
			}
			kept := make([]wire.ContentBlock, 0, len(msg.Content.Blocks))
			for _, block := range msg.Content.Blocks {
				if block.Type == wire.BlockText && strings.TrimSpace(block.Text) == "" {
					continue
				}
				kept = append(kept, block)
			}
			if len(kept) == len(msg.Content.Blocks) || len(kept) == 0 {
				continue
			}
			if !changed {
				out = req.Clone()
				changed = true
			}
			out.Anthropic.Messages[i].Content = wire.BlocksContent(kept...)
		}
		return out, changed
	}
	return req, false
}

// pruneOrphanToolResults drops tool results whose tool-use id has no
// matching tool use earlier in the conversation. A message emptied by the
// pruning is dropped entirely.
func pruneOrphanToolResults(req *wire.Request) (*wire.Request, bool) {
	switch req.Format {
	case wire.FormatOpenAI:
		known := map[string]bool{}
		kept := make([]wire.ChatMessage, 0, len(req.OpenAI.Messages))
		changed := false
		for _, msg := range req.OpenAI.Messages {
			for _, call := range msg.ToolCalls {
				known[call.ID] = true
			}
			if msg.Role == "tool" && !known[msg.ToolCallID] {
				changed = true
				continue
			}
			kept = append(kept, msg)
		}
		if !changed {
			return req, false
		}
		out := req.Clone()
		out.OpenAI.Messages = kept
		return out, true
	case wire.FormatAnthropic:
		known := map[string]bool{}
		kept := make([]wire.AnthropicMessage, 0, len(req.Anthropic.Messages))
		changed := false
		for _, msg := range req.Anthropic.Messages {
			if !msg.Content.IsBlocks {
				kept = append(kept, msg)
				continue
			}
			blocks := make([]wire.ContentBlock, 0, len(msg.Content.Blocks))
			for _, block := range msg.Content.Blocks {
				if block.Type == wire.BlockToolUse {
					known[block.ID] = true
				}
				if block.Type == wire.BlockToolResult && !known[block.ToolUseID] {
					changed = true
					continue
				}
				blocks = append(blocks, block)
			}
			if len(blocks) == 0 {
				changed = true
				continue
			}
			msg.Content = wire.BlocksContent(blocks...)
			kept = append(kept, msg)
		}
		if !changed {
			return req, false
		}
		out := req.Clone()
		out.Anthropic.Messages = kept
		return out, true
	}
	return req, false
}

// dedupeTools deduplicates tool definitions by name, keeping the first.
func dedupeTools(req *wire.Request) (*wire.Request, bool) {
	switch req.Format {
	case wire.FormatOpenAI:
		seen := map[string]bool{}
		kept := make([]wire.Tool, 0, len(req.OpenAI.Tools))
		for _, tool := range req.OpenAI.Tools {
			if seen[tool.Function.Name] {
				continue
			}
			seen[tool.Function.Name] = true
			kept = append(kept, tool)
		}
		if len(kept) == len(req.OpenAI.Tools) {
			return req, false
		}
		out := req.Clone()
		out.OpenAI.Tools = kept
		return out, true
	case wire.FormatAnthropic:
		seen := map[string]bool{}
		kept := make([]wire.AnthropicTool, 0, len(req.Anthropic.Tools))
		for _, tool := range req.Anthropic.Tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			kept = append(kept, tool)
		}
		if len(kept) == len(req.Anthropic.Tools) {
			return req, false
		}
		out := req.Clone()
		out.Anthropic.Tools = kept
		return out, true
	}
	return req, false
}
