package judge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/wire"
)

func textRule(name, fragment string) Rule {
	return Rule{
		Name:      name,
		RuleText:  "no " + fragment,
		AppliesTo: []string{TargetText},
		Threshold: 0.5,
		Response:  ViolationResponse{Message: "Blocked by " + name + "."},
	}
}

func TestParallelRulesReplaysCleanTextBlock(t *testing.T) {
	j := &fakeJudge{assessment: Assessment{Probability: 0.0}}
	p := NewParallelRulesPolicy(j, RulesConfig{
		Rules:             []Rule{textRule("secrets", "secrets"), textRule("pii", "pii")},
		KeepaliveInterval: time.Minute,
	})
	ctx := testCtx()

	block := &stream.Block{Kind: stream.KindText, Index: 0, Text: "the weather is fine", Complete: true}
	out, err := p.OnBlockComplete(ctx, block)
	require.NoError(t, err)
	assert.False(t, ctx.OutputFinished())

	require.Len(t, out, 3)
	assert.Equal(t, stream.EventDelta, out[1].Type)
	assert.Equal(t, "the weather is fine", out[1].TextDelta)

	// One judge round per applicable rule.
	assert.Len(t, j.seen(), 2)
}

func TestParallelRulesAggregatesMultipleViolations(t *testing.T) {
	j := &fakeJudge{assessment: Assessment{Probability: 0.9, Explanation: "matched"}}
	rules := []Rule{textRule("secrets", "secrets"), textRule("pii", "pii")}
	rules[0].Response.IncludeExplanation = true
	p := NewParallelRulesPolicy(j, RulesConfig{Rules: rules, KeepaliveInterval: time.Minute})
	ctx := testCtx()

	block := &stream.Block{Kind: stream.KindText, Index: 0, Text: "AKIA... 555-12-3456", Complete: true}
	out, err := p.OnBlockComplete(ctx, block)
	require.NoError(t, err)
	assert.True(t, ctx.OutputFinished())

	var text string
	for _, ev := range out {
		if ev.Type == stream.EventDelta {
			text += ev.TextDelta
		}
	}
	assert.Contains(t, text, "Content was withheld by gateway policy.")
	assert.Contains(t, text, "Blocked by secrets. (matched)")
	assert.Contains(t, text, "Blocked by pii.")
	assert.Equal(t, stream.EventFinishReason, out[len(out)-1].Type)
}

func TestParallelRulesSkipsInapplicableRules(t *testing.T) {
	j := &fakeJudge{assessment: Assessment{Probability: 1.0}}
	toolOnly := Rule{Name: "tools", RuleText: "no destructive tools", AppliesTo: []string{TargetToolCall}}
	p := NewParallelRulesPolicy(j, RulesConfig{Rules: []Rule{toolOnly}, KeepaliveInterval: time.Minute})
	ctx := testCtx()

	block := &stream.Block{Kind: stream.KindText, Index: 0, Text: "just text", Complete: true}
	out, err := p.OnBlockComplete(ctx, block)
	require.NoError(t, err)
	assert.False(t, ctx.OutputFinished())
	require.Len(t, out, 3)
	assert.Empty(t, j.seen())
}

func TestParallelRulesToolCallViolation(t *testing.T) {
	j := &fakeJudge{assessment: Assessment{Probability: 0.8}}
	rule := Rule{Name: "tools", RuleText: "no destructive tools", AppliesTo: []string{TargetToolCall}}
	p := NewParallelRulesPolicy(j, RulesConfig{Rules: []Rule{rule}, KeepaliveInterval: time.Minute})
	ctx := testCtx()

	out, err := p.OnBlockComplete(ctx, toolBlock("rm_rf", `{"path":"/"}`))
	require.NoError(t, err)
	assert.True(t, ctx.OutputFinished())
	assert.Equal(t, stream.EventFinishReason, out[len(out)-1].Type)

	prompts := j.seen()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "rm_rf")
}

func TestParallelRulesFailedEvaluationCountsAsViolation(t *testing.T) {
	j := &fakeJudge{err: errors.New("judge down")}
	p := NewParallelRulesPolicy(j, RulesConfig{
		Rules:             []Rule{textRule("secrets", "secrets")},
		KeepaliveInterval: time.Minute,
	})
	ctx := testCtx()

	out, err := p.OnBlockComplete(ctx, &stream.Block{Kind: stream.KindText, Text: "anything", Complete: true})
	require.NoError(t, err)
	assert.True(t, ctx.OutputFinished())
	assert.Equal(t, stream.EventFinishReason, out[len(out)-1].Type)
}

func TestParallelRulesStopWhenTransactionCancelled(t *testing.T) {
	j := newSlowJudge()
	p := NewParallelRulesPolicy(j, RulesConfig{
		Rules:             []Rule{textRule("secrets", "secrets")},
		KeepaliveInterval: time.Minute,
	})

	ctx := testCtx()
	tctx, cancel := context.WithCancel(context.Background())
	ctx.SetContext(tctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out, err := p.OnBlockComplete(ctx, &stream.Block{Kind: stream.KindText, Text: "anything", Complete: true})
	require.NoError(t, err)

	// The cancelled round counts as a failed evaluation and fires.
	assert.True(t, ctx.OutputFinished())
	assert.Equal(t, stream.EventFinishReason, out[len(out)-1].Type)

	select {
	case <-j.released:
	case <-time.After(2 * time.Second):
		t.Fatal("judge round never observed the cancellation")
	}
}

func TestParallelRulesIncludeOriginalPreview(t *testing.T) {
	j := &fakeJudge{assessment: Assessment{Probability: 1.0}}
	rule := textRule("secrets", "secrets")
	rule.Response.IncludeOriginal = true
	p := NewParallelRulesPolicy(j, RulesConfig{Rules: []Rule{rule}, KeepaliveInterval: time.Minute})

	out, err := p.OnBlockComplete(testCtx(), &stream.Block{Kind: stream.KindText, Text: "leak: hunter2", Complete: true})
	require.NoError(t, err)

	var text string
	for _, ev := range out {
		if ev.Type == stream.EventDelta {
			text += ev.TextDelta
		}
	}
	assert.Contains(t, text, "Original content: leak: hunter2")
}

func TestParallelRulesOnResponse(t *testing.T) {
	j := &fakeJudge{assessment: Assessment{Probability: 0.9}}
	p := NewParallelRulesPolicy(j, RulesConfig{
		Rules:             []Rule{textRule("secrets", "secrets")},
		KeepaliveInterval: time.Minute,
	})
	ctx := testCtx()

	resp := &wire.Response{
		Format: wire.FormatOpenAI,
		OpenAI: &wire.ChatResponse{
			Choices: []wire.ChatChoice{{
				Message:      wire.ChatMessage{Role: "assistant", Content: wire.TextContent("the password is hunter2")},
				FinishReason: wire.FinishStop,
			}},
		},
	}

	out, err := p.OnResponse(ctx, resp)
	require.NoError(t, err)
	require.NotNil(t, out.OpenAI)
	assert.Contains(t, out.OpenAI.Choices[0].Message.Content.Plain(), "Content was withheld by gateway policy.")
}

func TestParallelRulesOnResponseSkipsEmptyText(t *testing.T) {
	j := &fakeJudge{err: errors.New("must not be called")}
	p := NewParallelRulesPolicy(j, RulesConfig{Rules: []Rule{textRule("x", "x")}})

	resp := &wire.Response{Format: wire.FormatOpenAI, OpenAI: &wire.ChatResponse{}}
	out, err := p.OnResponse(testCtx(), resp)
	require.NoError(t, err)
	assert.Same(t, resp, out)
}

func TestRegisterParallelRulesValidatesConfig(t *testing.T) {
	reg := policy.NewRegistry()
	RegisterParallelRules(reg, &fakeJudge{})

	_, err := reg.Activate(RulesPolicyName, map[string]any{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one rule")

	_, err = reg.Activate(RulesPolicyName, map[string]any{
		"rules": []any{map[string]any{"name": "r", "ruletext": "no x", "applies_to": []any{"video"}}},
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")

	desc, err := reg.Activate(RulesPolicyName, map[string]any{
		"rules": []any{map[string]any{"name": "r", "ruletext": "no x", "applies_to": []any{"text"}}},
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, RulesPolicyName, desc.Name)
}
