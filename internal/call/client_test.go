package call

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"marketscope/internal/llmclient"
)

type scripted struct {
	raw json.RawMessage
	err error
}

type fakeLLM struct {
	name    string
	script  []scripted
	calls   int
	prompts []string
}

func (f *fakeLLM) Name() string {
	if f.name == "" {
		return "fake-model"
	}
	return f.name
}

func (f *fakeLLM) GenerateJSON(_ context.Context, prompt string, _ any) (json.RawMessage, error) {
	f.prompts = append(f.prompts, prompt)
	i := f.calls
	f.calls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	s := f.script[i]
	return s.raw, s.err
}

func (f *fakeLLM) Close() error { return nil }

// stallLLM blocks until the caller's deadline fires for its first `stalls`
// calls, then answers normally.
type stallLLM struct {
	stalls int
	calls  int
}

func (s *stallLLM) Name() string { return "stall-model" }
func (s *stallLLM) Close() error { return nil }

func (s *stallLLM) GenerateJSON(ctx context.Context, _ string, _ any) (json.RawMessage, error) {
	s.calls++
	if s.calls <= s.stalls {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.RawMessage(`{"name":"recovered"}`), nil
}

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
}

func widgetSchema(t *testing.T) *jsonschema.Resolved {
	t.Helper()
	s, err := SchemaFor[widget]()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func testClient() (*Client, *[]time.Duration) {
	c := NewClient(0)
	var slept []time.Duration
	c.Sleep = func(d time.Duration) { slept = append(slept, d) }
	return c, &slept
}

func TestInvokeFirstAttemptSuccess(t *testing.T) {
	c, slept := testClient()
	llm := &fakeLLM{script: []scripted{{raw: json.RawMessage(`{"name":"a","count":2}`)}}}

	res := c.Invoke(context.Background(), llm, Request{
		Stage:  "test",
		Prompt: "p",
		Schema: widgetSchema(t),
	})
	if !res.OK {
		t.Fatalf("expected success, got %s: %v", res.Kind, res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
	if len(*slept) != 0 {
		t.Fatalf("unexpected sleeps: %v", *slept)
	}
	var w widget
	if err := res.Decode(&w); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Name != "a" || w.Count != 2 {
		t.Fatalf("unexpected payload: %+v", w)
	}
}

func TestInvokeTransientRetriesThenSuccess(t *testing.T) {
	c, slept := testClient()
	rlErr := &llmclient.RateLimitError{Err: errors.New("429 too many requests")}
	llm := &fakeLLM{script: []scripted{
		{err: rlErr},
		{err: rlErr},
		{raw: json.RawMessage(`{"name":"late"}`)},
	}}

	res := c.Invoke(context.Background(), llm, Request{
		Stage:  "test",
		Prompt: "p",
		Schema: widgetSchema(t),
		Retry:  RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
	})
	if !res.OK {
		t.Fatalf("expected success, got %s: %v", res.Kind, res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	if len(*slept) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*slept))
	}
	for i := 1; i < len(*slept); i++ {
		if (*slept)[i] < (*slept)[i-1] {
			t.Fatalf("backoff not monotonic: %v", *slept)
		}
	}
}

func TestInvokeTransientExhaustion(t *testing.T) {
	c, _ := testClient()
	llm := &fakeLLM{script: []scripted{{err: &llmclient.RateLimitError{Err: errors.New("quota")}}}}

	res := c.Invoke(context.Background(), llm, Request{
		Stage:  "test",
		Prompt: "p",
		Schema: widgetSchema(t),
		Retry:  RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Kind != KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited", res.Kind)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	if llm.calls != 3 {
		t.Fatalf("llm calls = %d, want 3", llm.calls)
	}
}

func TestInvokeAttemptTimeoutIsTransient(t *testing.T) {
	c, slept := testClient()
	llm := &stallLLM{stalls: 1}

	res := c.Invoke(context.Background(), llm, Request{
		Stage:  "test",
		Prompt: "p",
		Schema: widgetSchema(t),
		Retry: RetryPolicy{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			AttemptTimeout: 10 * time.Millisecond,
		},
	})
	if !res.OK {
		t.Fatalf("expected success after timed-out attempt, got %s: %v", res.Kind, res.Err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
	if len(*slept) != 1 {
		t.Fatalf("sleeps = %d, want 1 (timeout backs off like a rate limit)", len(*slept))
	}
}

func TestInvokeAttemptTimeoutExhaustion(t *testing.T) {
	c, _ := testClient()
	llm := &stallLLM{stalls: 1 << 30}

	res := c.Invoke(context.Background(), llm, Request{
		Stage:  "test",
		Prompt: "p",
		Schema: widgetSchema(t),
		Retry: RetryPolicy{
			MaxAttempts:    2,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			AttemptTimeout: 10 * time.Millisecond,
		},
	})
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Kind != KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited (deadline breach is transient, not fatal)", res.Kind)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the attempt deadline error", res.Err)
	}
	if llm.calls != 2 {
		t.Fatalf("llm calls = %d, want 2", llm.calls)
	}
}

func TestInvokeSchemaFailureReRequestsWithCorrection(t *testing.T) {
	c, _ := testClient()
	llm := &fakeLLM{script: []scripted{
		{raw: json.RawMessage(`{"count":"not a number"}`)},
		{raw: json.RawMessage(`{"name":"fixed"}`)},
	}}

	res := c.Invoke(context.Background(), llm, Request{
		Stage:  "test",
		Prompt: "base prompt",
		Schema: widgetSchema(t),
		Retry:  RetryPolicy{SchemaAttempts: 2, BaseDelay: time.Millisecond},
	})
	if !res.OK {
		t.Fatalf("expected success, got %s: %v", res.Kind, res.Err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
	if len(llm.prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(llm.prompts))
	}
	if !strings.Contains(llm.prompts[1], "[FORMAT CORRECTION]") {
		t.Fatalf("second prompt missing correction: %q", llm.prompts[1])
	}
	if !strings.Contains(llm.prompts[1], "base prompt") {
		t.Fatalf("correction lost the original prompt")
	}
}

func TestInvokeSchemaExhaustion(t *testing.T) {
	c, _ := testClient()
	llm := &fakeLLM{script: []scripted{{raw: json.RawMessage(`"just a string"`)}}}

	res := c.Invoke(context.Background(), llm, Request{
		Stage:  "test",
		Prompt: "p",
		Schema: widgetSchema(t),
		Retry:  RetryPolicy{SchemaAttempts: 2, BaseDelay: time.Millisecond},
	})
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Kind != KindSchemaInvalid {
		t.Fatalf("kind = %s, want schema_invalid", res.Kind)
	}
	if llm.calls != 2 {
		t.Fatalf("llm calls = %d, want 2", llm.calls)
	}
}

func TestInvokePermanentErrorIsFatalImmediately(t *testing.T) {
	c, slept := testClient()
	llm := &fakeLLM{script: []scripted{{err: &llmclient.PermanentError{Err: errors.New("401 bad api key")}}}}

	res := c.Invoke(context.Background(), llm, Request{Stage: "test", Prompt: "p", Schema: widgetSchema(t)})
	if res.OK || res.Kind != KindFatal {
		t.Fatalf("kind = %s, want fatal", res.Kind)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
	if len(*slept) != 0 {
		t.Fatalf("fatal error must not back off: %v", *slept)
	}
}

func TestInvokeCanceledContextIsFatal(t *testing.T) {
	c, _ := testClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	llm := &fakeLLM{script: []scripted{{raw: json.RawMessage(`{"name":"a"}`)}}}

	res := c.Invoke(ctx, llm, Request{Stage: "test", Prompt: "p", Schema: widgetSchema(t)})
	if res.OK || res.Kind != KindFatal {
		t.Fatalf("kind = %s, want fatal", res.Kind)
	}
	if llm.calls != 0 {
		t.Fatalf("llm must not be called after cancellation")
	}
}

func TestInvokeCacheHitSkipsBackend(t *testing.T) {
	c := NewClient(8)
	c.Sleep = func(time.Duration) {}
	llm := &fakeLLM{script: []scripted{{raw: json.RawMessage(`{"name":"cached"}`)}}}
	req := Request{Stage: "test", Prompt: "p", Input: map[string]string{"k": "v"}, Schema: widgetSchema(t)}

	first := c.Invoke(context.Background(), llm, req)
	if !first.OK {
		t.Fatalf("first invoke failed: %v", first.Err)
	}
	second := c.Invoke(context.Background(), llm, req)
	if !second.OK {
		t.Fatalf("second invoke failed: %v", second.Err)
	}
	if llm.calls != 1 {
		t.Fatalf("llm calls = %d, want 1 (second must hit cache)", llm.calls)
	}
	if string(first.Raw) != string(second.Raw) {
		t.Fatalf("cache returned different payload")
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	prev := time.Duration(0)
	for n := 0; n < 12; n++ {
		d := backoff(p, n)
		if d < prev {
			t.Fatalf("backoff(%d) = %v < previous %v", n, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("backoff(%d) = %v exceeds cap %v", n, d, p.MaxDelay)
		}
		prev = d
	}
}

func TestFingerprintDependsOnInput(t *testing.T) {
	c := NewClient(0)
	llm := &fakeLLM{script: []scripted{{raw: json.RawMessage(`{}`)}}}
	a := c.fingerprint(llm, Request{Stage: "s", Prompt: "p", Input: map[string]int{"x": 1}})
	b := c.fingerprint(llm, Request{Stage: "s", Prompt: "p", Input: map[string]int{"x": 2}})
	if a == b {
		t.Fatalf("fingerprints must differ for different inputs")
	}
	if a != c.fingerprint(llm, Request{Stage: "s", Prompt: "p", Input: map[string]int{"x": 1}}) {
		t.Fatalf("fingerprint must be stable")
	}
}
