// Package oracle talks to the external reasoning service: similarity
// scoring, classification and free-form analysis. The service is a
// non-deterministic black box; everything here is contract plumbing —
// prompts, parsing, timeouts, retries and a short-TTL result cache.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"triagebot/internal/domain"
)

// Oracle is the reasoning service boundary.
type Oracle interface {
	// Score rates how well a description matches a scenario, 0-100.
	Score(ctx context.Context, description string, sc domain.Scenario) (int, error)
	// Classify produces a full three-dimension classification given the
	// enhanced context.
	Classify(ctx context.Context, description string, enhanced map[string]string) (domain.Result, error)
	// Analyze runs a free-form analysis prompt and returns the raw text.
	Analyze(ctx context.Context, prompt string) (string, error)
}

// Usage tracks token consumption across oracle calls.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// completer is the single primitive both backends implement.
type completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error)
	Name() string
	Model() string
}

// LLM implements Oracle over a completion backend.
type LLM struct {
	client completer

	mu     sync.Mutex
	totals Usage
}

func NewLLM(client completer) *LLM {
	return &LLM{client: client}
}

func (l *LLM) Provider() string { return l.client.Name() }
func (l *LLM) ModelName() string { return l.client.Model() }

// UsageTotals reports cumulative token consumption since startup.
func (l *LLM) UsageTotals() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

func (l *LLM) record(usage Usage) {
	l.mu.Lock()
	l.totals.Add(usage)
	l.mu.Unlock()
}

const scoreSystemPrompt = `You rate how well a free-text work item matches a reference scenario.
Consider the scenario title, domain, expected classification, examples and success patterns.
A score of 100 means the work item is the same kind of work as the scenario; 0 means unrelated.
Be strict: a work item that generalizes or multiplies the scenario's scope (for example several
providers where the scenario covers one) must score well below a true single-scope match.

Respond with JSON only (no markdown):
{"score": 87, "reason": "..."}`

func (l *LLM) Score(ctx context.Context, description string, sc domain.Scenario) (int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s\nDomain: %s\nExpected: %s/%s/%s\n",
		sc.Title, sc.DomainTag, sc.Expected.Size, sc.Expected.Complexity, sc.Expected.Type)
	if len(sc.Examples) > 0 {
		b.WriteString("Examples:\n")
		for _, ex := range sc.Examples {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(ex))
		}
	}
	if len(sc.SuccessPatterns) > 0 {
		b.WriteString("Success patterns:\n")
		for _, p := range sc.SuccessPatterns {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(p))
		}
	}
	fmt.Fprintf(&b, "\nWork item:\n%s\n", strings.TrimSpace(description))

	text, usage, err := l.client.Complete(ctx, scoreSystemPrompt, b.String())
	if err != nil {
		return 0, err
	}
	l.record(usage)
	text = trimJSONFences(text)
	score := gjson.Get(text, "score")
	if !score.Exists() {
		return 0, fmt.Errorf("no score in oracle response: %s", truncateForError(text))
	}
	n := int(score.Int())
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	log.Printf("oracle score provider=%s scenario=%s score=%d tokens_in=%d tokens_out=%d",
		l.client.Name(), sc.ID, n, usage.InputTokens, usage.OutputTokens)
	return n, nil
}

func classifySystemPrompt() string {
	return fmt.Sprintf(`You classify a software work item along three dimensions.
Choose size from: %s
Choose complexity from: %s
Choose type from: %s

For every dimension give a confidence between 0 and 1 and a short reasoning.
Use the provided context; keys like size_hint or complexity_hint are learned
guidance from past corrections and should be weighed heavily.

Respond with JSON only (no markdown):
{"size": {"value": "L", "confidence": 0.9, "reasoning": "..."},
 "complexity": {"value": "Medium", "confidence": 0.8, "reasoning": "..."},
 "type": {"value": "Feature", "confidence": 0.95, "reasoning": "..."}}`,
		strings.Join(domain.Sizes, ", "),
		strings.Join(domain.Complexities, ", "),
		strings.Join(domain.Types, ", "))
}

func (l *LLM) Classify(ctx context.Context, description string, enhanced map[string]string) (domain.Result, error) {
	var b strings.Builder
	b.WriteString("Context:\n")
	if len(enhanced) == 0 {
		b.WriteString("none\n")
	}
	for _, k := range sortedKeys(enhanced) {
		fmt.Fprintf(&b, "- %s: %s\n", k, enhanced[k])
	}
	fmt.Fprintf(&b, "\nClassify this work item:\n%s\n", strings.TrimSpace(description))

	text, usage, err := l.client.Complete(ctx, classifySystemPrompt(), b.String())
	if err != nil {
		return domain.Result{}, err
	}
	l.record(usage)

	var result domain.Result
	if err := json.Unmarshal([]byte(trimJSONFences(text)), &result); err != nil {
		return domain.Result{}, fmt.Errorf("parsing oracle classification: %w (response: %s)", err, truncateForError(text))
	}
	log.Printf("oracle classify provider=%s size=%s complexity=%s type=%s tokens_in=%d tokens_out=%d",
		l.client.Name(), result.Size.Value, result.Complexity.Value, result.Type.Value,
		usage.InputTokens, usage.OutputTokens)
	return result, nil
}

const analyzeSystemPrompt = `You analyze classification feedback for a triage system.
Follow the instructions in the payload exactly. Respond with the requested format only, no markdown fences.`

func (l *LLM) Analyze(ctx context.Context, prompt string) (string, error) {
	text, usage, err := l.client.Complete(ctx, analyzeSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	l.record(usage)
	log.Printf("oracle analyze provider=%s size=%d tokens_in=%d tokens_out=%d",
		l.client.Name(), len(text), usage.InputTokens, usage.OutputTokens)
	return trimJSONFences(text), nil
}

func trimJSONFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncateForError(s string) string {
	if len(s) > 512 {
		return s[:512] + fmt.Sprintf("... [truncated, total_length=%d]", len(s))
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
