package call

import (
	"encoding/json"
	"fmt"
)

// FailureKind classifies a failed invocation.
type FailureKind int

const (
	// KindNone marks a successful result.
	KindNone FailureKind = iota
	// KindRateLimited: the backend signaled overload and retries were exhausted.
	// Item-scoped; never aborts other items.
	KindRateLimited
	// KindSchemaInvalid: the response never validated against the target
	// schema within the retry bound. Item-scoped.
	KindSchemaInvalid
	// KindFatal: credential/config/permanent request error. Run-scoped; the
	// whole run aborts.
	KindFatal
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimited:
		return "rate_limited"
	case KindSchemaInvalid:
		return "schema_invalid"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("failure_kind(%d)", int(k))
}

// Result is the outcome of one Invoke: either a schema-valid payload or a
// typed failure. A successful Result's Raw is guaranteed to validate against
// the request's target schema; callers never re-check.
type Result struct {
	OK       bool
	Raw      json.RawMessage // payload on success; last raw response on schema failure
	Kind     FailureKind
	Err      error
	Attempts int
}

// Decode unmarshals a successful payload into v.
func (r Result) Decode(v any) error {
	if !r.OK {
		return fmt.Errorf("call: decode on failed result (%s): %w", r.Kind, r.Err)
	}
	return json.Unmarshal(r.Raw, v)
}

// AsSchemaInvalid downgrades a successful result whose payload could not be
// decoded into the caller's type. Rare: the schema normally guarantees
// decodability, but numeric range or type coercion can still bite.
func (r Result) AsSchemaInvalid(err error) Result {
	r.OK = false
	r.Kind = KindSchemaInvalid
	r.Err = err
	return r
}

func success(raw json.RawMessage, attempts int) Result {
	return Result{OK: true, Raw: raw, Attempts: attempts}
}

func failure(kind FailureKind, err error, raw json.RawMessage, attempts int) Result {
	return Result{Kind: kind, Err: err, Raw: raw, Attempts: attempts}
}
