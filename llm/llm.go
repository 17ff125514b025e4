// Package llm exposes the three prompt capabilities every pipeline needs —
// answer synthesis from retrieved context, search-query optimization, and
// grounding votes — behind one adapter, with the concrete provider selected
// by model-name prefix.
package llm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v5"
	openaisdk "github.com/openai/openai-go/v3"
	"google.golang.org/api/googleapi"

	"github.com/ragreader/ragreader/config"
	"github.com/ragreader/ragreader/errors"
)

// VoteDecision is the structured grounding verdict of a judge model.
type VoteDecision struct {
	// Decision is "yes" when the response is supported by the chunk.
	Decision string `json:"decision"`
	// Justification is a one-sentence explanation of the vote.
	Justification string `json:"justification"`
}

// Adapter is the uniform text-in/text-out capability set over a provider.
type Adapter struct {
	model     string
	completer completer
	timeout   time.Duration
}

// completer is the minimal provider surface: one prompt in, one reply out.
// jsonOnly requests the provider's structured-output mode where available.
type completer interface {
	complete(ctx context.Context, prompt string, jsonOnly bool) (string, error)
}

// ForModel maps a model name to a concrete adapter by prefix:
// gpt-/text- to OpenAI, gemini- to Gemini, claude- to Claude. Gemini and
// Claude use their native SDKs when the corresponding key is configured and
// fall back to an OpenAI-compatible OpenRouter gateway otherwise.
// Unrecognized prefixes fail at construction.
func ForModel(model string, cfg config.LLMConfig) (*Adapter, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var c completer
	switch {
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "text-"):
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY missing for model %q", errors.ErrInvalidInput, model)
		}
		c = newOpenAICompleter(cfg.OpenAIKey, "", model)
	case strings.HasPrefix(model, "gemini-"):
		switch {
		case cfg.GoogleKey != "":
			c = newGeminiCompleter(cfg.GoogleKey, model)
		case cfg.OpenRouterKey != "":
			c = newOpenRouterCompleter(cfg.OpenRouterKey, "google/"+model)
		default:
			return nil, fmt.Errorf("%w: no key for model %q", errors.ErrInvalidInput, model)
		}
	case strings.HasPrefix(model, "claude-"):
		switch {
		case cfg.AnthropicKey != "":
			c = newClaudeCompleter(cfg.AnthropicKey, model)
		case cfg.OpenRouterKey != "":
			c = newOpenRouterCompleter(cfg.OpenRouterKey, "anthropic/"+model)
		default:
			return nil, fmt.Errorf("%w: no key for model %q", errors.ErrInvalidInput, model)
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized model prefix %q", errors.ErrInvalidInput, model)
	}

	return &Adapter{model: model, completer: c, timeout: timeout}, nil
}

// newAdapter wires an arbitrary completer; used by tests.
func newAdapter(model string, c completer, timeout time.Duration) *Adapter {
	return &Adapter{model: model, completer: c, timeout: timeout}
}

// Model returns the model name this adapter serves.
func (a *Adapter) Model() string { return a.model }

// RAGGenerate answers the query strictly from the supplied context. The
// provider is instructed to wrap its Markdown answer in <answer> tags; the
// adapter unwraps them.
func (a *Adapter) RAGGenerate(ctx context.Context, query, contextText string) (string, error) {
	prompt := fmt.Sprintf(`You are a precise assistant answering from provided context only.

Context:
%s

Question: %s

Answer using ONLY the context above. If the context does not contain the
answer, say so. Format the answer as Markdown and wrap it in <answer></answer> tags.`, contextText, query)

	reply, err := a.withRetry(ctx, prompt, false)
	if err != nil {
		return "", err
	}
	return unwrapAnswer(reply), nil
}

// PromptGenerate rewrites the user query into a single-line optimized search
// query. Callers sanitize the reply.
func (a *Adapter) PromptGenerate(ctx context.Context, query string) (string, error) {
	p := fmt.Sprintf(`Rewrite the following question as a single-line search query
optimized for document retrieval. Output only the query, nothing else.

Question: %s`, query)
	return a.withRetry(ctx, p, false)
}

// VoteGenerate asks the model whether the response is grounded in the chunk.
// The reply is coerced into a VoteDecision; one re-ask is attempted on parse
// failure before the error surfaces.
func (a *Adapter) VoteGenerate(ctx context.Context, query, chunk, response string) (VoteDecision, error) {
	prompt := fmt.Sprintf(`Question: %s
Context Chunk: %s
Proposed Answer: %s

Evaluate whether the Proposed Answer is supported by the Context Chunk.
Reply with JSON exactly matching:
{"decision": "yes" or "no", "justification": "<one sentence>"}`, query, chunk, response)

	reply, err := a.withRetry(ctx, prompt, true)
	if err != nil {
		return VoteDecision{}, err
	}
	decision, perr := parseVote(reply)
	if perr == nil {
		return decision, nil
	}

	// Re-ask once, spelling out the contract harder.
	reply, err = a.withRetry(ctx, prompt+"\n\nReply with ONLY the JSON object, no prose.", true)
	if err != nil {
		return VoteDecision{}, err
	}
	decision, perr = parseVote(reply)
	if perr != nil {
		return VoteDecision{}, fmt.Errorf("%w: unparseable vote: %v", errors.ErrProviderFatal, perr)
	}
	return decision, nil
}

// Sufficient implements the iterative engine's judge: a strict JSON verdict
// on whether the context answers the query. Any parse failure counts as
// insufficient rather than an error.
func (a *Adapter) Sufficient(ctx context.Context, query, contextText string) (bool, error) {
	prompt := fmt.Sprintf(`You are an evaluator.
User Question: %q
Current Retrieved Context:
%s

Does the context contain enough information to answer the question?
Reply with JSON: {"sufficient": true} or {"sufficient": false}.`, query, contextText)

	reply, err := a.withRetry(ctx, prompt, true)
	if err != nil {
		return false, err
	}
	var verdict struct {
		Sufficient bool `json:"sufficient"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &verdict); err != nil {
		return false, nil
	}
	return verdict.Sufficient, nil
}

// Reformulate implements the iterative engine's query rewriter: a short
// keyword-style follow-up query targeting the missing information.
func (a *Adapter) Reformulate(ctx context.Context, query, contextText string) (string, error) {
	prompt := fmt.Sprintf(`User Question: %q
Current Context:
%s

The context is missing key details. Generate a SHORT keyword-style search
query to find the missing information. Do not explain, just output the query.`, query, contextText)

	return a.withRetry(ctx, prompt, false)
}

// withRetry runs one completion with the adapter's timeout, retrying up to
// two more times on transient provider failures.
func (a *Adapter) withRetry(ctx context.Context, prompt string, jsonOnly bool) (string, error) {
	op := func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		reply, err := a.completer.complete(callCtx, prompt, jsonOnly)
		if err == nil {
			return reply, nil
		}
		if isTransient(err) {
			return "", fmt.Errorf("%w: %v", errors.ErrProviderTransient, err)
		}
		return "", backoff.Permanent(fmt.Errorf("%w: %v", errors.ErrProviderFatal, err))
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

// isTransient classifies timeouts, rate limits, and upstream 5xx as
// retryable; every other provider rejection is permanent.
func isTransient(err error) bool {
	var oaiErr *openaisdk.Error
	if stderrors.As(err, &oaiErr) {
		return transientStatus(oaiErr.StatusCode)
	}
	var antErr *anthropic.Error
	if stderrors.As(err, &antErr) {
		return transientStatus(antErr.StatusCode)
	}
	var gErr *googleapi.Error
	if stderrors.As(err, &gErr) {
		return transientStatus(gErr.Code)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func transientStatus(code int) bool {
	return code == 429 || code >= 500
}

func parseVote(reply string) (VoteDecision, error) {
	var decision VoteDecision
	if err := json.Unmarshal([]byte(extractJSON(reply)), &decision); err != nil {
		return VoteDecision{}, err
	}
	decision.Decision = strings.ToLower(strings.TrimSpace(decision.Decision))
	if decision.Decision != "yes" && decision.Decision != "no" {
		return VoteDecision{}, fmt.Errorf("invalid decision %q", decision.Decision)
	}
	return decision, nil
}

// extractJSON pulls the outermost JSON object out of a reply that may be
// wrapped in prose or code fences.
func extractJSON(reply string) string {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start >= 0 && end > start {
		return reply[start : end+1]
	}
	return reply
}

func unwrapAnswer(reply string) string {
	const openTag, closeTag = "<answer>", "</answer>"
	if i := strings.Index(reply, openTag); i >= 0 {
		reply = reply[i+len(openTag):]
	}
	if i := strings.LastIndex(reply, closeTag); i >= 0 {
		reply = reply[:i]
	}
	return strings.TrimSpace(reply)
}
