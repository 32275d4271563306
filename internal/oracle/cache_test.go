package oracle

import (
	"context"
	"testing"
	"time"

	"triagebot/internal/domain"
)

func TestCachingClassifyMemoizes(t *testing.T) {
	flaky := &flakyOracle{}
	c := NewCaching(flaky, time.Minute)

	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	enhanced := map[string]string{"team": "platform"}

	if _, err := c.Classify(ctx, "Add OAuth login", enhanced); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if _, err := c.Classify(ctx, "Add OAuth login", enhanced); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("identical request hit the oracle %d times, want 1", flaky.calls)
	}

	// Different context is a different key.
	if _, err := c.Classify(ctx, "Add OAuth login", map[string]string{"team": "billing"}); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("distinct context should miss, calls = %d", flaky.calls)
	}

	// Expiry brings the oracle back.
	now = now.Add(2 * time.Minute)
	if _, err := c.Classify(ctx, "Add OAuth login", enhanced); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expired entry should miss, calls = %d", flaky.calls)
	}
}

func TestCachingScorePassesThrough(t *testing.T) {
	flaky := &flakyOracle{}
	c := NewCaching(flaky, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := c.Score(context.Background(), "desc", domain.Scenario{ID: "s"}); err != nil {
			t.Fatalf("Score failed: %v", err)
		}
	}
	if flaky.calls != 2 {
		t.Fatalf("Score must not be cached, calls = %d", flaky.calls)
	}
}

func TestContextHashCanonical(t *testing.T) {
	a := ContextHash(map[string]string{"x": "1", "y": "2"})
	b := ContextHash(map[string]string{"y": "2", "x": "1"})
	if a != b {
		t.Fatalf("hash depends on map order: %s vs %s", a, b)
	}
	c := ContextHash(map[string]string{"x": "1"})
	if a == c {
		t.Fatalf("different maps hashed equal")
	}
	if ContextHash(nil) != ContextHash(map[string]string{}) {
		t.Fatalf("nil and empty map should hash equal")
	}
}
