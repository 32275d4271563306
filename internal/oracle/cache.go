package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"triagebot/internal/domain"
)

// Caching memoizes Classify results for a short TTL, keyed by description
// plus context hash. The oracle is non-deterministic; the cache gives
// retries and tests practical idempotence without promising true
// reproducibility. Score and Analyze pass through.
type Caching struct {
	next Oracle
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result  domain.Result
	expires time.Time
}

func NewCaching(next Oracle, ttl time.Duration) *Caching {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Caching{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// ContextHash produces the canonical hash of a context map. Also used as
// the classify idempotency key component.
func ContextHash(m map[string]string) string {
	h := sha256.New()
	for _, k := range sortedKeys(m) {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(m[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func classifyKey(description string, enhanced map[string]string) string {
	h := sha256.Sum256([]byte(description + "\x00" + ContextHash(enhanced)))
	return hex.EncodeToString(h[:])
}

func (c *Caching) Classify(ctx context.Context, description string, enhanced map[string]string) (domain.Result, error) {
	key := classifyKey(description, enhanced)

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result, err := c.next.Classify(ctx, description, enhanced)
	if err != nil {
		return result, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{result: result, expires: c.now().Add(c.ttl)}
	// Opportunistic sweep; the map stays small under normal load.
	if len(c.entries) > 4096 {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.mu.Unlock()
	return result, nil
}

// Uncached exposes the wrapped oracle for callers that need a genuinely
// fresh classification, such as a second-opinion validation pass.
func (c *Caching) Uncached() Oracle {
	return c.next
}

func (c *Caching) Score(ctx context.Context, description string, sc domain.Scenario) (int, error) {
	return c.next.Score(ctx, description, sc)
}

func (c *Caching) Analyze(ctx context.Context, prompt string) (string, error) {
	return c.next.Analyze(ctx, prompt)
}
