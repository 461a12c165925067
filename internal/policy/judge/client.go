package judge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
)

// Assessment is the judge's verdict on one piece of content.
type Assessment struct {
	Probability float64 `json:"probability"`
	Explanation string  `json:"explanation"`
}

// Judge rates the risk of content. Implementations must treat their own
// failures as the caller's problem: policies convert any error into a
// block.
type Judge interface {
	Assess(ctx context.Context, prompt string) (Assessment, error)
}

// LLMJudge evaluates content with a secondary chat-completions model.
type LLMJudge struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewLLMJudge creates a judge client. baseURL may be empty for the default
// OpenAI endpoint.
func NewLLMJudge(baseURL, apiKey, model string, timeout time.Duration) *LLMJudge {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMJudge{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}
}

const judgeSystemPrompt = `You are a security reviewer for an LLM gateway. ` +
	`Rate the content you are given and answer with a single JSON object: ` +
	`{"probability": <0.0-1.0 likelihood the content violates the stated rule or is harmful>, ` +
	`"explanation": "<one short sentence>"}. Output only the JSON object.`

// Assess sends one evaluation round to the judge model.
func (j *LLMJudge) Assess(ctx context.Context, prompt string) (Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	resp, err := j.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(j.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(judgeSystemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("judge call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Assessment{}, fmt.Errorf("judge returned no choices")
	}
	return ParseAssessment(resp.Choices[0].Message.Content)
}

// ParseAssessment extracts {probability, explanation} from judge output,
// tolerating surrounding prose and markdown fences. Unparseable output is
// an error so callers fail secure.
func ParseAssessment(raw string) (Assessment, error) {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	prob := gjson.Get(text, "probability")
	if !prob.Exists() {
		return Assessment{}, fmt.Errorf("judge output has no probability: %q", truncate(raw, 120))
	}
	p := prob.Float()
	if p < 0 || p > 1 {
		return Assessment{}, fmt.Errorf("judge probability out of range: %v", p)
	}
	return Assessment{
		Probability: p,
		Explanation: gjson.Get(text, "explanation").String(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
