package judge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/wire"
)

// RulesPolicyName is the class reference and event name of the
// parallel-rules policy.
const RulesPolicyName = "parallel_rules"

// Rule content targets.
const (
	TargetText     = "text"
	TargetToolCall = "tool_call"
)

// Rule is one independently evaluable judge rule.
type Rule struct {
	Name      string   `json:"name"`
	RuleText  string   `json:"ruletext"`
	AppliesTo []string `json:"applies_to"`
	Threshold float64  `json:"threshold"`

	Response ViolationResponse `json:"response"`
}

// ViolationResponse configures the message shown when a rule fires.
type ViolationResponse struct {
	Message            string `json:"message"`
	IncludeOriginal    bool   `json:"include_original"`
	IncludeExplanation bool   `json:"include_explanation"`
}

func (r Rule) appliesTo(target string) bool {
	for _, t := range r.AppliesTo {
		if t == target {
			return true
		}
	}
	return false
}

func (r Rule) threshold() float64 {
	if r.Threshold <= 0 {
		return 0.5
	}
	return r.Threshold
}

// RulesConfig configures the parallel-rules policy.
type RulesConfig struct {
	Rules             []Rule        `json:"rules"`
	KeepaliveInterval time.Duration `json:"-"`
}

// violation is one fired rule.
type violation struct {
	rule        Rule
	probability float64
	explanation string
}

// ParallelRulesPolicy evaluates every applicable rule against each
// completed content block, one judge round per rule, all rules in parallel.
// Any firing rule replaces the block's outbound content with an aggregated
// violation message. Rules never chain; a rule whose evaluation fails
// counts as fired.
type ParallelRulesPolicy struct {
	policy.BasePolicy
	judge    Judge
	rules    []Rule
	interval time.Duration
}

// NewParallelRulesPolicy creates the policy.
func NewParallelRulesPolicy(j Judge, cfg RulesConfig) *ParallelRulesPolicy {
	return &ParallelRulesPolicy{judge: j, rules: cfg.Rules, interval: cfg.KeepaliveInterval}
}

// RegisterParallelRules installs the factory on a registry.
func RegisterParallelRules(reg *policy.Registry, j Judge, opts ...Option) {
	defs := applyOptions(opts)
	reg.Register(RulesPolicyName, func(config map[string]any) (policy.Policy, error) {
		var cfg RulesConfig
		if err := decodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		cfg.KeepaliveInterval = defs.keepaliveInterval
		if len(cfg.Rules) == 0 {
			return nil, fmt.Errorf("at least one rule is required")
		}
		for _, rule := range cfg.Rules {
			if rule.Name == "" || rule.RuleText == "" {
				return nil, fmt.Errorf("rules need both name and ruletext")
			}
			for _, target := range rule.AppliesTo {
				if target != TargetText && target != TargetToolCall {
					return nil, fmt.Errorf("rule %s: unknown target %q", rule.Name, target)
				}
			}
		}
		return NewParallelRulesPolicy(j, cfg), nil
	})
}

func (p *ParallelRulesPolicy) Name() string { return RulesPolicyName }

// OnStreamEvent buffers text and tool-call block events until the block
// completes; everything else passes through.
func (p *ParallelRulesPolicy) OnStreamEvent(_ *policy.TxnContext, ev stream.Event) ([]stream.Event, error) {
	switch ev.Type {
	case stream.EventBlockStarted, stream.EventDelta, stream.EventBlockComplete:
		if ev.Kind == stream.KindText || ev.Kind == stream.KindToolUse {
			return nil, nil
		}
	}
	return []stream.Event{ev}, nil
}

// OnBlockComplete evaluates the completed block against all applicable
// rules and either replays it or replaces it with a violation message.
func (p *ParallelRulesPolicy) OnBlockComplete(ctx *policy.TxnContext, block *stream.Block) ([]stream.Event, error) {
	var target, content string
	switch block.Kind {
	case stream.KindText:
		target, content = TargetText, block.Text
	case stream.KindToolUse:
		target = TargetToolCall
		content = fmt.Sprintf("tool: %s arguments: %s", block.ToolName, block.Args)
	default:
		return nil, nil
	}

	violations := p.evaluate(ctx, target, content)
	for _, v := range violations {
		ctx.Emit(RulesPolicyName, "rule_violated", map[string]any{
			"rule":        v.rule.Name,
			"probability": v.probability,
			"threshold":   v.rule.threshold(),
			"explanation": v.explanation,
		})
	}

	if len(violations) == 0 {
		if block.Kind == stream.KindToolUse {
			return stream.ToolBlockEvents(block), nil
		}
		return stream.TextBlockEvents(block.Index, block.Text), nil
	}

	ctx.SetOutputFinished()
	message := p.violationMessage(violations, content)
	out := stream.TextBlockEvents(block.Index, message)
	return append(out, stream.Finish(wire.FinishStop)), nil
}

// OnResponse applies the same rule set to non-streaming response text.
func (p *ParallelRulesPolicy) OnResponse(ctx *policy.TxnContext, resp *wire.Response) (*wire.Response, error) {
	text := responseText(resp)
	if text == "" {
		return resp, nil
	}
	violations := p.evaluate(ctx, TargetText, text)
	for _, v := range violations {
		ctx.Emit(RulesPolicyName, "rule_violated", map[string]any{
			"rule":        v.rule.Name,
			"probability": v.probability,
			"threshold":   v.rule.threshold(),
			"explanation": v.explanation,
		})
	}
	if len(violations) == 0 {
		return resp, nil
	}
	message := p.violationMessage(violations, text)
	return wire.SyntheticRefusal(resp.Format, ctx.Request.Model(), message), nil
}

// evaluate runs every applicable rule in parallel, one judge round each,
// while keeping the client connection alive.
func (p *ParallelRulesPolicy) evaluate(ctx *policy.TxnContext, target, content string) []violation {
	applicable := make([]Rule, 0, len(p.rules))
	for _, rule := range p.rules {
		if rule.appliesTo(target) {
			applicable = append(applicable, rule)
		}
	}
	if len(applicable) == 0 {
		return nil
	}

	results := make([]*violation, len(applicable))
	var wg sync.WaitGroup
	done := make(chan struct{})
	for i, rule := range applicable {
		wg.Add(1)
		go func(i int, rule Rule) {
			defer wg.Done()
			assessment, err := p.judge.Assess(ctx.Context(), rulePrompt(rule.RuleText, target, content))
			if err != nil {
				// Fail secure: a rule that cannot be evaluated fires.
				logrus.Warnf("rule %s evaluation failed, treating as violation: %v", rule.Name, err)
				results[i] = &violation{rule: rule, probability: 1.0, explanation: "rule evaluation failed"}
				return
			}
			ctx.Emit("judge", "evaluation_complete", map[string]any{
				"rule":        rule.Name,
				"probability": assessment.Probability,
				"threshold":   rule.threshold(),
			})
			if assessment.Probability >= rule.threshold() {
				results[i] = &violation{rule: rule, probability: assessment.Probability, explanation: assessment.Explanation}
			}
		}(i, rule)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	interval := p.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			var out []violation
			for _, r := range results {
				if r != nil {
					out = append(out, *r)
				}
			}
			return out
		case <-ticker.C:
			ctx.Keepalive()
		}
	}
}

func (p *ParallelRulesPolicy) violationMessage(violations []violation, original string) string {
	var b strings.Builder
	b.WriteString("Content was withheld by gateway policy.\n")
	for _, v := range violations {
		msg := v.rule.Response.Message
		if msg == "" {
			msg = fmt.Sprintf("Rule %q fired.", v.rule.Name)
		}
		b.WriteString("- ")
		b.WriteString(msg)
		if v.rule.Response.IncludeExplanation && v.explanation != "" {
			b.WriteString(" (")
			b.WriteString(v.explanation)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	for _, v := range violations {
		if v.rule.Response.IncludeOriginal {
			preview := original
			if len(preview) > 300 {
				preview = preview[:300] + "..."
			}
			b.WriteString("Original content: ")
			b.WriteString(preview)
			b.WriteString("\n")
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func responseText(resp *wire.Response) string {
	switch resp.Format {
	case wire.FormatOpenAI:
		if resp.OpenAI == nil || len(resp.OpenAI.Choices) == 0 {
			return ""
		}
		return resp.OpenAI.Choices[0].Message.Content.Plain()
	case wire.FormatAnthropic:
		if resp.Anthropic == nil {
			return ""
		}
		var out string
		for _, block := range resp.Anthropic.Content {
			if block.Type == wire.BlockText {
				out += block.Text
			}
		}
		return out
	}
	return ""
}
