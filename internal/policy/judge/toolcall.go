package judge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/wire"
)

// ToolCallPolicyName is the class reference and event name of the tool-call
// judge policy.
const ToolCallPolicyName = "tool_call_judge"

// DefaultToolCallThreshold blocks calls the judge rates at or above it.
const DefaultToolCallThreshold = 0.6

// ToolCallJudgeConfig configures the tool-call judge policy.
type ToolCallJudgeConfig struct {
	Threshold         float64       `json:"threshold"`
	KeepaliveInterval time.Duration `json:"-"`
}

// ToolCallJudgePolicy buffers in-flight tool-call deltas and asks the judge
// model whether the completed invocation is harmful. Harmful calls are
// replaced with a templated refusal; judge failures count as harmful.
// Text blocks in the same response are forwarded normally.
type ToolCallJudgePolicy struct {
	policy.BasePolicy
	judge     Judge
	threshold float64
	interval  time.Duration
}

// NewToolCallJudgePolicy creates the policy.
func NewToolCallJudgePolicy(j Judge, cfg ToolCallJudgeConfig) *ToolCallJudgePolicy {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultToolCallThreshold
	}
	return &ToolCallJudgePolicy{judge: j, threshold: threshold, interval: cfg.KeepaliveInterval}
}

// RegisterToolCallJudge installs the factory on a registry.
func RegisterToolCallJudge(reg *policy.Registry, j Judge, opts ...Option) {
	defs := applyOptions(opts)
	reg.Register(ToolCallPolicyName, func(config map[string]any) (policy.Policy, error) {
		var cfg ToolCallJudgeConfig
		if err := decodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Threshold < 0 || cfg.Threshold > 1 {
			return nil, fmt.Errorf("threshold must be within [0,1], got %v", cfg.Threshold)
		}
		cfg.KeepaliveInterval = defs.keepaliveInterval
		return NewToolCallJudgePolicy(j, cfg), nil
	})
}

func (p *ToolCallJudgePolicy) Name() string { return ToolCallPolicyName }

// OnStreamEvent suppresses tool-call events (they are buffered by the
// assembler and handled whole in OnBlockComplete) and forwards everything
// else.
func (p *ToolCallJudgePolicy) OnStreamEvent(_ *policy.TxnContext, ev stream.Event) ([]stream.Event, error) {
	switch ev.Type {
	case stream.EventBlockStarted, stream.EventDelta, stream.EventBlockComplete:
		if ev.Kind == stream.KindToolUse {
			return nil, nil
		}
	}
	return []stream.Event{ev}, nil
}

// OnBlockComplete judges completed tool-call blocks.
func (p *ToolCallJudgePolicy) OnBlockComplete(ctx *policy.TxnContext, block *stream.Block) ([]stream.Event, error) {
	if block.Kind != stream.KindToolUse {
		return nil, nil
	}

	prompt := toolCallPrompt(block.ToolName, block.Args)
	assessment, err := assessWithKeepalive(ctx.Context(), p.judge, prompt, ctx.Keepalive, p.interval)
	if err != nil {
		// Fail secure: an unavailable judge blocks the call, never allows it.
		logrus.Warnf("tool-call judge failed for %s, blocking: %v", block.ToolName, err)
		ctx.Emit(ToolCallPolicyName, "judge_error", map[string]any{
			"tool_name": block.ToolName,
			"error":     err.Error(),
		})
		assessment = Assessment{Probability: 1.0, Explanation: "judge unavailable, failing secure"}
	}

	ctx.Emit("judge", "evaluation_complete", map[string]any{
		"tool_name":   block.ToolName,
		"probability": assessment.Probability,
		"threshold":   p.threshold,
		"explanation": assessment.Explanation,
	})

	if assessment.Probability >= p.threshold {
		ctx.Emit(ToolCallPolicyName, "blocked", map[string]any{
			"tool_name":   block.ToolName,
			"probability": assessment.Probability,
			"threshold":   p.threshold,
			"explanation": assessment.Explanation,
		})
		ctx.SetOutputFinished()
		refusal := refusalText(block, assessment, p.threshold)
		out := stream.TextBlockEvents(block.Index, refusal)
		return append(out, stream.Finish(wire.FinishStop)), nil
	}

	// Allowed: replay the buffered call as a compact canonical triple.
	return stream.ToolBlockEvents(block), nil
}

// OnResponse judges tool calls in non-streaming responses, replacing the
// whole response with a refusal when any call is blocked.
func (p *ToolCallJudgePolicy) OnResponse(ctx *policy.TxnContext, resp *wire.Response) (*wire.Response, error) {
	for _, block := range responseToolBlocks(resp) {
		prompt := toolCallPrompt(block.ToolName, block.Args)
		assessment, err := p.judge.Assess(ctx.Context(), prompt)
		if err != nil {
			logrus.Warnf("tool-call judge failed for %s, blocking: %v", block.ToolName, err)
			assessment = Assessment{Probability: 1.0, Explanation: "judge unavailable, failing secure"}
		}
		ctx.Emit("judge", "evaluation_complete", map[string]any{
			"tool_name":   block.ToolName,
			"probability": assessment.Probability,
			"threshold":   p.threshold,
			"explanation": assessment.Explanation,
		})
		if assessment.Probability >= p.threshold {
			ctx.Emit(ToolCallPolicyName, "blocked", map[string]any{
				"tool_name":   block.ToolName,
				"probability": assessment.Probability,
			})
			text := refusalText(&block, assessment, p.threshold)
			return wire.SyntheticRefusal(resp.Format, ctx.Request.Model(), text), nil
		}
	}
	return resp, nil
}

func refusalText(block *stream.Block, a Assessment, threshold float64) string {
	preview := block.Args
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	text := fmt.Sprintf(
		"I blocked the tool call %q (risk probability %.2f, threshold %.2f).",
		block.ToolName, a.Probability, threshold,
	)
	if a.Explanation != "" {
		text += " Reason: " + a.Explanation + "."
	}
	if preview != "" {
		text += " Arguments: " + preview
	}
	return text
}

func responseToolBlocks(resp *wire.Response) []stream.Block {
	var out []stream.Block
	switch resp.Format {
	case wire.FormatOpenAI:
		if resp.OpenAI == nil || len(resp.OpenAI.Choices) == 0 {
			return nil
		}
		for i, call := range resp.OpenAI.Choices[0].Message.ToolCalls {
			out = append(out, stream.Block{
				Kind:     stream.KindToolUse,
				Index:    i,
				ToolID:   call.ID,
				ToolName: call.Function.Name,
				Args:     call.Function.Arguments,
				Complete: true,
			})
		}
	case wire.FormatAnthropic:
		if resp.Anthropic == nil {
			return nil
		}
		for i, block := range resp.Anthropic.Content {
			if block.Type != wire.BlockToolUse {
				continue
			}
			out = append(out, stream.Block{
				Kind:     stream.KindToolUse,
				Index:    i,
				ToolID:   block.ID,
				ToolName: block.Name,
				Args:     string(block.Input),
				Complete: true,
			})
		}
	}
	return out
}

func decodeConfig(config map[string]any, out any) error {
	if config == nil {
		return nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
