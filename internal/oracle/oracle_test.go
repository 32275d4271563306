package oracle

import (
	"context"
	"strings"
	"testing"

	"triagebot/internal/domain"
)

type scriptedCompleter struct {
	response   string
	err        error
	lastSystem string
	lastUser   string
}

func (s *scriptedCompleter) Complete(_ context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	s.lastSystem = systemPrompt
	s.lastUser = userPrompt
	return s.response, Usage{InputTokens: 100, OutputTokens: 20}, s.err
}

func (s *scriptedCompleter) Name() string  { return "scripted" }
func (s *scriptedCompleter) Model() string { return "test-model" }

func TestScoreParsesAndClamps(t *testing.T) {
	cases := []struct {
		response string
		want     int
	}{
		{`{"score": 87, "reason": "close match"}`, 87},
		{"```json\n{\"score\": 42}\n```", 42},
		{`{"score": 150}`, 100},
		{`{"score": -3}`, 0},
	}
	for _, c := range cases {
		l := NewLLM(&scriptedCompleter{response: c.response})
		got, err := l.Score(context.Background(), "work item", domain.Scenario{ID: "s"})
		if err != nil {
			t.Fatalf("Score(%q) failed: %v", c.response, err)
		}
		if got != c.want {
			t.Errorf("Score(%q) = %d, want %d", c.response, got, c.want)
		}
	}

	l := NewLLM(&scriptedCompleter{response: "I cannot rate this."})
	if _, err := l.Score(context.Background(), "work item", domain.Scenario{}); err == nil {
		t.Fatalf("expected error on scoreless response")
	}
}

func TestScorePromptCarriesScenario(t *testing.T) {
	c := &scriptedCompleter{response: `{"score": 50}`}
	l := NewLLM(c)
	sc := domain.Scenario{
		ID:              "auth-oauth",
		Title:           "OAuth integration",
		DomainTag:       "auth",
		Expected:        domain.Expected{Size: "M", Complexity: "Medium", Type: "Feature"},
		Examples:        []string{"Add Google OAuth login"},
		SuccessPatterns: []string{"single provider"},
	}
	if _, err := l.Score(context.Background(), "Add OAuth login", sc); err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	for _, want := range []string{"OAuth integration", "M/Medium/Feature", "Add Google OAuth login", "single provider"} {
		if !strings.Contains(c.lastUser, want) {
			t.Errorf("score prompt missing %q:\n%s", want, c.lastUser)
		}
	}
}

func TestClassifyParsesResult(t *testing.T) {
	c := &scriptedCompleter{response: "```json\n" + `{
		"size": {"value": "L", "confidence": 0.9, "reasoning": "three services"},
		"complexity": {"value": "High", "confidence": 0.8, "reasoning": "auth flows"},
		"type": {"value": "Feature", "confidence": 0.95, "reasoning": "new capability"}
	}` + "\n```"}
	l := NewLLM(c)

	got, err := l.Classify(context.Background(), "Add OAuth login", map[string]string{"size_hint": "L"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got.Size.Value != "L" || got.Complexity.Value != "High" || got.Type.Value != "Feature" {
		t.Fatalf("parsed result mismatch: %+v", got)
	}
	if got.Size.Confidence != 0.9 || got.Size.Reasoning != "three services" {
		t.Fatalf("size dimension mismatch: %+v", got.Size)
	}
	if !strings.Contains(c.lastUser, "size_hint: L") {
		t.Fatalf("enhanced context missing from prompt:\n%s", c.lastUser)
	}

	l = NewLLM(&scriptedCompleter{response: "not json at all"})
	if _, err := l.Classify(context.Background(), "Add OAuth login", nil); err == nil {
		t.Fatalf("expected error on unparseable classification")
	}
}

func TestTrimJSONFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
	}
	for in, want := range cases {
		if got := trimJSONFences(in); got != want {
			t.Errorf("trimJSONFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUsageTotalsAccumulate(t *testing.T) {
	l := NewLLM(&scriptedCompleter{response: `{"score": 50}`})
	sc := domain.Scenario{ID: "x", Title: "X"}
	for i := 0; i < 3; i++ {
		if _, err := l.Score(context.Background(), "Some ten char description", sc); err != nil {
			t.Fatalf("Score: %v", err)
		}
	}

	got := l.UsageTotals()
	if got.InputTokens != 300 || got.OutputTokens != 60 {
		t.Fatalf("totals = %+v, want 300 in / 60 out", got)
	}
	if got.TotalTokens() != 360 {
		t.Fatalf("TotalTokens() = %d, want 360", got.TotalTokens())
	}
}
