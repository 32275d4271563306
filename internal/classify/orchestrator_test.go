package classify

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"triagebot/internal/domain"
	"triagebot/internal/enhance"
	"triagebot/internal/library"
	"triagebot/internal/match"
	"triagebot/internal/oracle"
	"triagebot/internal/storage/sqlite"
)

type fakeOracle struct {
	score       int
	scoreErr    error
	results     []domain.Result
	classifyErr error
	calls       int
}

func (f *fakeOracle) Score(context.Context, string, domain.Scenario) (int, error) {
	return f.score, f.scoreErr
}

func (f *fakeOracle) Classify(context.Context, string, map[string]string) (domain.Result, error) {
	if f.classifyErr != nil {
		return domain.Result{}, f.classifyErr
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	f.calls++
	return r, nil
}

func (f *fakeOracle) Analyze(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

var _ oracle.Oracle = (*fakeOracle)(nil)

func resultOf(size, complexity, typ string, reasoning string) domain.Result {
	var r domain.Result
	r.SetDimension(domain.DimSize, domain.DimensionResult{Value: size, Confidence: 0.9, Reasoning: reasoning})
	r.SetDimension(domain.DimComplexity, domain.DimensionResult{Value: complexity, Confidence: 0.8, Reasoning: reasoning})
	r.SetDimension(domain.DimType, domain.DimensionResult{Value: typ, Confidence: 0.95, Reasoning: reasoning})
	return r
}

func newTestPipeline(t *testing.T, o oracle.Oracle, opts Options) (*Orchestrator, *library.Store, *sql.DB) {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	lib, err := library.Load(db)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := lib.Commit(func(snap *domain.Snapshot) (string, error) {
		snap.Scenarios = append(snap.Scenarios, domain.Scenario{
			ID:       "auth-oauth",
			Title:    "OAuth integration",
			Expected: domain.Expected{Size: "M", Complexity: "Medium", Type: "Feature"},
			ContextReqs: map[string]string{
				"auth_provider": "assume single provider",
			},
			Version: 1,
		})
		return "test scenario", nil
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	matcher := match.New(o, lib, 85, 70, 3)
	enhancer := enhance.New(lib)
	return New(o, matcher, enhancer, lib, db, opts), lib, db
}

func TestClassifyMatchedFullAlignment(t *testing.T) {
	fake := &fakeOracle{score: 90, results: []domain.Result{resultOf("M", "Medium", "Feature", "")}}
	orch, lib, db := newTestPipeline(t, fake, Options{Provider: "anthropic", Model: "test"})

	out, err := orch.Classify(context.Background(), "Add Google OAuth login to the dashboard", map[string]string{"team": "platform"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	rec := out.Record
	if rec.MatchOutcome != domain.MatchMatched || rec.MatchedScenarioID != "auth-oauth" {
		t.Fatalf("match mismatch: %+v", rec)
	}
	if rec.AlignmentScore != 100 {
		t.Fatalf("alignment = %d, want 100", rec.AlignmentScore)
	}
	if rec.EnhancedContext["auth_provider"] != "assume single provider" {
		t.Fatalf("scenario context missing: %+v", rec.EnhancedContext)
	}

	// Record must be persisted and readable.
	stored, err := sqlite.GetClassification(db, rec.ID)
	if err != nil {
		t.Fatalf("GetClassification failed: %v", err)
	}
	if stored.Result.Size.Value != "M" {
		t.Fatalf("stored result mismatch: %+v", stored.Result)
	}

	sc, _ := lib.GetScenario("auth-oauth")
	if sc.UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", sc.UsageCount)
	}
}

func TestClassifyPartialAlignmentNeedsReasoning(t *testing.T) {
	fake := &fakeOracle{score: 90, results: []domain.Result{resultOf("L", "Medium", "Feature", "three providers instead of one")}}
	orch, _, _ := newTestPipeline(t, fake, Options{})

	out, err := orch.Classify(context.Background(), "Add OAuth login with three providers", nil)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if out.Record.AlignmentScore != 66 {
		t.Fatalf("alignment = %d, want 66 for one deviating dimension", out.Record.AlignmentScore)
	}
}

func TestClassifyDeviationWithoutReasoningFails(t *testing.T) {
	fake := &fakeOracle{score: 90, results: []domain.Result{resultOf("L", "Medium", "Feature", "")}}
	orch, _, _ := newTestPipeline(t, fake, Options{})

	_, err := orch.Classify(context.Background(), "Add OAuth login with three providers", nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for unexplained deviation, got %v", err)
	}
}

func TestClassifyDescriptionLengthBounds(t *testing.T) {
	orch, _, _ := newTestPipeline(t, &fakeOracle{}, Options{})

	_, err := orch.Classify(context.Background(), "too short", nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for short description, got %v", err)
	}

	long := strings.Repeat("x", domain.MaxDescriptionLen+1)
	_, err = orch.Classify(context.Background(), long, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for long description, got %v", err)
	}
}

func TestClassifyRejectsInvalidOracleResult(t *testing.T) {
	fake := &fakeOracle{score: 90, results: []domain.Result{resultOf("Enormous", "Medium", "Feature", "")}}
	orch, _, _ := newTestPipeline(t, fake, Options{})

	_, err := orch.Classify(context.Background(), "Add Google OAuth login to the dashboard", nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown enum value, got %v", err)
	}
}

func TestClassifyOracleFailureHasNoFallback(t *testing.T) {
	wantErr := domain.ErrOracleUnavailable
	fake := &fakeOracle{score: 90, classifyErr: wantErr}
	orch, lib, db := newTestPipeline(t, fake, Options{})

	_, err := orch.Classify(context.Background(), "Add Google OAuth login to the dashboard", nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM classifications`).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed classification must not be recorded, found %d rows", n)
	}
	// A matched-but-failed call must not leave a phantom usage increment.
	if sc, _ := lib.GetScenario("auth-oauth"); sc.UsageCount != 0 {
		t.Fatalf("usage counted on failed classify: %d", sc.UsageCount)
	}

	// The same request succeeding afterwards counts exactly once.
	fake.classifyErr = nil
	fake.results = []domain.Result{resultOf("M", "Medium", "Feature", "")}
	if _, err := orch.Classify(context.Background(), "Add Google OAuth login to the dashboard", nil); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if sc, _ := lib.GetScenario("auth-oauth"); sc.UsageCount != 1 {
		t.Fatalf("usage after retry = %d, want 1", sc.UsageCount)
	}
}

func TestClassifyValidationPassPenalty(t *testing.T) {
	primary := resultOf("M", "Medium", "Feature", "standard oauth work")
	second := resultOf("XL", "Medium", "Feature", "")
	fake := &fakeOracle{score: 90, results: []domain.Result{primary, second}}
	orch, _, _ := newTestPipeline(t, fake, Options{
		ValidationPassEnabled: true,
		DisagreementPenalty:   0.7,
	})

	out, err := orch.Classify(context.Background(), "Add Google OAuth login to the dashboard", nil)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	size := out.Record.Result.Size
	if size.Value != "M" {
		t.Fatalf("primary result must stay canonical, got %s", size.Value)
	}
	// 0.9 * 0.7, M -> XL is a 3-step disagreement.
	if size.Confidence < 0.62 || size.Confidence > 0.64 {
		t.Fatalf("size confidence = %f, want 0.9*0.7", size.Confidence)
	}
	if !strings.Contains(size.Reasoning, "validation pass disagreed") {
		t.Fatalf("disagreement not noted in reasoning: %q", size.Reasoning)
	}
	// Complexity and type agreed; untouched.
	if out.Record.Result.Complexity.Confidence != 0.8 {
		t.Fatalf("agreeing dimension was penalized: %f", out.Record.Result.Complexity.Confidence)
	}
}

// The production wiring puts a memoizing cache in front of the oracle.
// The second pass must reach the live oracle, not read back the primary
// result it just cached, or it could never disagree.
func TestClassifyValidationPassBypassesResultCache(t *testing.T) {
	primary := resultOf("M", "Medium", "Feature", "standard oauth work")
	second := resultOf("XL", "Medium", "Feature", "")
	fake := &fakeOracle{score: 90, results: []domain.Result{primary, second}}
	cached := oracle.NewCaching(fake, time.Minute)
	orch, _, _ := newTestPipeline(t, cached, Options{
		ValidationPassEnabled: true,
		DisagreementPenalty:   0.7,
	})

	out, err := orch.Classify(context.Background(), "Add Google OAuth login to the dashboard", nil)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("oracle calls = %d, want 2 (second pass served from cache)", fake.calls)
	}
	size := out.Record.Result.Size
	if size.Confidence < 0.62 || size.Confidence > 0.64 {
		t.Fatalf("size confidence = %f, want 0.9*0.7 penalty", size.Confidence)
	}
	if !strings.Contains(size.Reasoning, "validation pass disagreed") {
		t.Fatalf("disagreement not noted in reasoning: %q", size.Reasoning)
	}
}

func TestClassifyUsageDedupe(t *testing.T) {
	fake := &fakeOracle{score: 90, results: []domain.Result{resultOf("M", "Medium", "Feature", "")}}
	orch, lib, _ := newTestPipeline(t, fake, Options{})

	desc := "Add Google OAuth login to the dashboard"
	base := map[string]string{"team": "platform"}
	for i := 0; i < 3; i++ {
		if _, err := orch.Classify(context.Background(), desc, base); err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
	}
	sc, _ := lib.GetScenario("auth-oauth")
	if sc.UsageCount != 1 {
		t.Fatalf("retried identical request bumped usage to %d, want 1", sc.UsageCount)
	}

	// Different context is a different request.
	if _, err := orch.Classify(context.Background(), desc, map[string]string{"team": "billing"}); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	sc, _ = lib.GetScenario("auth-oauth")
	if sc.UsageCount != 2 {
		t.Fatalf("distinct request should count, usage = %d, want 2", sc.UsageCount)
	}
}

func TestClassifyAmbiguousSkipsScenarioContext(t *testing.T) {
	fake := &fakeOracle{score: 75, results: []domain.Result{resultOf("S", "Low", "Bug", "")}}
	orch, lib, _ := newTestPipeline(t, fake, Options{})

	out, err := orch.Classify(context.Background(), "Fix the login redirect loop", nil)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	rec := out.Record
	if rec.MatchOutcome != domain.MatchAmbiguous || rec.MatchedScenarioID != "" {
		t.Fatalf("ambiguous record mismatch: %+v", rec)
	}
	if rec.AlignmentScore != 0 {
		t.Fatalf("alignment must be 0 without a matched scenario, got %d", rec.AlignmentScore)
	}
	if len(out.Alternatives) == 0 {
		t.Fatalf("ambiguous outcome should carry alternatives")
	}
	if _, ok := rec.EnhancedContext["auth_provider"]; ok {
		t.Fatalf("scenario context applied without a match")
	}
	sc, _ := lib.GetScenario("auth-oauth")
	if sc.UsageCount != 0 {
		t.Fatalf("usage must not be recorded on AMBIGUOUS, got %d", sc.UsageCount)
	}
}
