package llm

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/ragreader/ragreader/config"
	"github.com/ragreader/ragreader/errors"
)

type scriptedCompleter struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (s *scriptedCompleter) complete(_ context.Context, prompt string, _ bool) (string, error) {
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	var reply string
	if i < len(s.replies) {
		reply = s.replies[i]
	}
	return reply, err
}

func testAdapter(c completer) *Adapter {
	return newAdapter("gpt-4o-mini", c, time.Second)
}

func TestForModelDispatchesByPrefix(t *testing.T) {
	cfg := config.LLMConfig{
		OpenAIKey:     "sk-test",
		OpenRouterKey: "or-test",
	}

	// Without native keys, gemini- and claude- fall back to OpenRouter.
	for _, model := range []string{"gpt-4o-mini", "text-davinci-003", "gemini-2.5-flash", "claude-3.5-sonnet"} {
		a, err := ForModel(model, cfg)
		if err != nil {
			t.Fatalf("ForModel(%q) error: %v", model, err)
		}
		if a.Model() != model {
			t.Fatalf("adapter model = %q, want %q", a.Model(), model)
		}
		if _, ok := a.completer.(*openaiCompleter); !ok {
			t.Fatalf("ForModel(%q): expected OpenAI-compatible completer, got %T", model, a.completer)
		}
	}
}

func TestForModelPrefersNativeSDKs(t *testing.T) {
	cfg := config.LLMConfig{
		AnthropicKey: "ak-test",
		GoogleKey:    "gk-test",
	}
	a, err := ForModel("claude-3.5-sonnet", cfg)
	if err != nil {
		t.Fatalf("claude dispatch error: %v", err)
	}
	if _, ok := a.completer.(*claudeCompleter); !ok {
		t.Fatalf("expected native claude completer, got %T", a.completer)
	}
	a, err = ForModel("gemini-2.5-flash", cfg)
	if err != nil {
		t.Fatalf("gemini dispatch error: %v", err)
	}
	if _, ok := a.completer.(*geminiCompleter); !ok {
		t.Fatalf("expected native gemini completer, got %T", a.completer)
	}
}

func TestForModelRejectsUnknownPrefix(t *testing.T) {
	_, err := ForModel("llama-3-70b", config.LLMConfig{OpenAIKey: "sk"})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestForModelRequiresAKey(t *testing.T) {
	for _, model := range []string{"gpt-4o-mini", "gemini-2.5-flash", "claude-3.5-sonnet"} {
		if _, err := ForModel(model, config.LLMConfig{}); err == nil {
			t.Fatalf("ForModel(%q) with no keys must fail", model)
		}
	}
}

func TestRAGGenerateUnwrapsAnswerTags(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		"Sure, here you go:\n<answer>**Paris** is the capital.</answer>\nHope that helps.",
	}}
	a := testAdapter(c)

	got, err := a.RAGGenerate(context.Background(), "capital of France?", "France's capital is Paris.")
	if err != nil {
		t.Fatalf("RAGGenerate error: %v", err)
	}
	if got != "**Paris** is the capital." {
		t.Fatalf("unexpected answer: %q", got)
	}
	if !strings.Contains(c.prompts[0], "France's capital is Paris.") {
		t.Fatal("retrieved context missing from prompt")
	}
}

func TestRAGGenerateKeepsUntaggedReply(t *testing.T) {
	c := &scriptedCompleter{replies: []string{"  Paris.  "}}
	got, err := testAdapter(c).RAGGenerate(context.Background(), "q", "ctx")
	if err != nil {
		t.Fatalf("RAGGenerate error: %v", err)
	}
	if got != "Paris." {
		t.Fatalf("unexpected answer: %q", got)
	}
}

func TestVoteGenerateParsesDecision(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		"```json\n{\"decision\": \"Yes\", \"justification\": \"The chunk states it.\"}\n```",
	}}
	got, err := testAdapter(c).VoteGenerate(context.Background(), "q", "chunk", "resp")
	if err != nil {
		t.Fatalf("VoteGenerate error: %v", err)
	}
	if got.Decision != "yes" || got.Justification == "" {
		t.Fatalf("unexpected decision: %#v", got)
	}
}

func TestVoteGenerateReasksOnceOnParseFailure(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		"I think the answer is supported.",
		`{"decision": "no", "justification": "Chunk contradicts it."}`,
	}}
	got, err := testAdapter(c).VoteGenerate(context.Background(), "q", "chunk", "resp")
	if err != nil {
		t.Fatalf("VoteGenerate error: %v", err)
	}
	if got.Decision != "no" {
		t.Fatalf("unexpected decision: %#v", got)
	}
	if c.calls != 2 {
		t.Fatalf("expected exactly one re-ask, got %d calls", c.calls)
	}
}

func TestVoteGenerateFailsAfterSecondParseFailure(t *testing.T) {
	c := &scriptedCompleter{replies: []string{"prose", "more prose"}}
	_, err := testAdapter(c).VoteGenerate(context.Background(), "q", "chunk", "resp")
	if !errors.Is(err, errors.ErrProviderFatal) {
		t.Fatalf("expected ErrProviderFatal, got %v", err)
	}
}

func TestSufficientCoercesParseFailureToFalse(t *testing.T) {
	c := &scriptedCompleter{replies: []string{"the context looks thin"}}
	ok, err := testAdapter(c).Sufficient(context.Background(), "q", "ctx")
	if err != nil {
		t.Fatalf("Sufficient error: %v", err)
	}
	if ok {
		t.Fatal("unparseable verdict must count as insufficient")
	}
}

func TestSufficientParsesVerdict(t *testing.T) {
	c := &scriptedCompleter{replies: []string{`{"sufficient": true}`}}
	ok, err := testAdapter(c).Sufficient(context.Background(), "q", "ctx")
	if err != nil {
		t.Fatalf("Sufficient error: %v", err)
	}
	if !ok {
		t.Fatal("expected sufficient verdict")
	}
}

func TestWithRetryRetriesTransientFailures(t *testing.T) {
	c := &scriptedCompleter{
		errs:    []error{context.DeadlineExceeded, context.DeadlineExceeded, nil},
		replies: []string{"", "", "finally"},
	}
	got, err := testAdapter(c).PromptGenerate(context.Background(), "q")
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if got != "finally" || c.calls != 3 {
		t.Fatalf("got %q after %d calls", got, c.calls)
	}
}

func TestWithRetryStopsOnFatalFailure(t *testing.T) {
	c := &scriptedCompleter{errs: []error{stderrors.New("model not found")}}
	_, err := testAdapter(c).PromptGenerate(context.Background(), "q")
	if !errors.Is(err, errors.ErrProviderFatal) {
		t.Fatalf("expected ErrProviderFatal, got %v", err)
	}
	if c.calls != 1 {
		t.Fatalf("fatal failure must not retry, got %d calls", c.calls)
	}
}

func TestWithRetryGivesUpAfterMaxTries(t *testing.T) {
	c := &scriptedCompleter{
		errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded},
	}
	_, err := testAdapter(c).PromptGenerate(context.Background(), "q")
	if !errors.Is(err, errors.ErrProviderTransient) {
		t.Fatalf("expected ErrProviderTransient, got %v", err)
	}
	if c.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", c.calls)
	}
}
