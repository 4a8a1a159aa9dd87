package call

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	lru "github.com/hashicorp/golang-lru/v2"

	"marketscope/internal/llmclient"
)

// RetryPolicy bounds the retry behavior of one invocation.
type RetryPolicy struct {
	// MaxAttempts bounds transient failures (rate limit, overload, attempt
	// timeout) before the invocation yields KindRateLimited.
	MaxAttempts int
	// SchemaAttempts bounds malformed-output retries before the invocation
	// yields KindSchemaInvalid. Deliberately smaller than MaxAttempts: a
	// model that keeps emitting broken structure rarely recovers.
	SchemaAttempts int
	// BaseDelay seeds the exponential backoff between transient attempts.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration
	// AttemptTimeout is the per-attempt deadline. A breach counts as a
	// transient failure.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy mirrors the per-stage defaults; config can override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		SchemaAttempts: 2,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       8 * time.Second,
		AttemptTimeout: 90 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.SchemaAttempts < 1 {
		p.SchemaAttempts = d.SchemaAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Request is one self-contained structured call: the prompt context carries
// everything the model needs, the schema fully describes the expected shape.
type Request struct {
	Stage  string
	Prompt string
	Input  any
	Schema *jsonschema.Resolved
	Retry  RetryPolicy
	// Hint is appended to the re-request after a schema failure.
	Hint string
}

// Client issues schema-validated calls against an LLM backend. It holds no
// cross-call state beyond the optional response cache; retry counters are
// scoped to one invocation.
type Client struct {
	// Sleep is swapped out in tests; nil means time.Sleep.
	Sleep func(time.Duration)

	cache *lru.Cache[string, json.RawMessage]
}

// NewClient builds a client with a validated-response cache of the given
// size. cacheSize <= 0 disables caching.
func NewClient(cacheSize int) *Client {
	c := &Client{}
	if cacheSize > 0 {
		// lru.New only fails on a non-positive size.
		c.cache, _ = lru.New[string, json.RawMessage](cacheSize)
	}
	return c
}

// Invoke performs one structured call. It returns either a schema-valid
// Success or a typed Failure; it never returns a malformed payload.
func (c *Client) Invoke(ctx context.Context, llm llmclient.LLMClient, req Request) Result {
	policy := req.Retry.withDefaults()
	key := c.fingerprint(llm, req)
	if c.cache != nil {
		if raw, ok := c.cache.Get(key); ok {
			return success(raw, 0)
		}
	}

	prompt := req.Prompt
	attempts := 0
	transient := 0
	schemaFails := 0
	var lastRaw json.RawMessage

	for {
		if err := ctx.Err(); err != nil {
			return failure(KindFatal, err, lastRaw, attempts)
		}
		attempts++

		actx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		raw, err := llm.GenerateJSON(actx, prompt, req.Input)
		cancel()

		if err == nil {
			payload, verr := validate(req.Schema, raw)
			if verr == nil {
				if c.cache != nil {
					c.cache.Add(key, payload)
				}
				return success(payload, attempts)
			}
			lastRaw = raw
			schemaFails++
			if schemaFails >= policy.SchemaAttempts {
				return failure(KindSchemaInvalid, verr, lastRaw, attempts)
			}
			log.Printf("call %s: attempt %d failed validation, re-requesting: %v", req.Stage, attempts, verr)
			prompt = correctedPrompt(req, verr)
			c.sleep(policy.BaseDelay)
			continue
		}

		if parentErr := ctx.Err(); parentErr != nil {
			return failure(KindFatal, parentErr, lastRaw, attempts)
		}

		var pErr *llmclient.PermanentError
		if errors.As(err, &pErr) {
			return failure(KindFatal, err, lastRaw, attempts)
		}
		if errors.Is(err, llmclient.ErrEmptyResponse) {
			schemaFails++
			if schemaFails >= policy.SchemaAttempts {
				return failure(KindSchemaInvalid, err, lastRaw, attempts)
			}
			c.sleep(policy.BaseDelay)
			continue
		}

		// Rate limit, overload, attempt deadline, or an unrecognized
		// network error: all transient, same backoff.
		transient++
		if transient >= policy.MaxAttempts {
			return failure(KindRateLimited, err, lastRaw, attempts)
		}
		delay := backoff(policy, transient-1)
		log.Printf("call %s: attempt %d transient failure, retrying in %s: %v", req.Stage, attempts, delay, err)
		c.sleep(delay)
	}
}

// backoff returns base*2^n plus additive jitter in [0, base*2^n), clamped to
// MaxDelay. Successive delays are monotonically non-decreasing.
func backoff(p RetryPolicy, n int) time.Duration {
	d := p.BaseDelay << uint(n)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	t := d + rand.N(d)
	if t > p.MaxDelay {
		t = p.MaxDelay
	}
	return t
}

func (c *Client) sleep(d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

func correctedPrompt(req Request, verr error) string {
	hint := req.Hint
	if hint == "" {
		hint = "Return a single JSON object matching the requested shape exactly. No markdown, no code fences, no commentary."
	}
	return fmt.Sprintf("%s\n\n[FORMAT CORRECTION]\nYour previous response was rejected: %v\n%s", req.Prompt, verr, hint)
}

func (c *Client) fingerprint(llm llmclient.LLMClient, req Request) string {
	h := sha256.New()
	h.Write([]byte(llm.Name()))
	h.Write([]byte{0})
	h.Write([]byte(req.Stage))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	if req.Input != nil {
		b, err := json.Marshal(req.Input)
		if err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
