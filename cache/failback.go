package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
)

const (
	DefaultPrimaryTTL  = 15 * time.Minute
	DefaultFailbackTTL = 60 * time.Hour
	DefaultFailureTTL  = 3 * time.Minute
)

// ErrSkipCache, returned by an operation, yields an empty result without
// writing either tier.
var ErrSkipCache = errors.NewC("cache: result not cacheable", codes.Unavailable)

// Policy holds the TTLs of the two cache tiers.
type Policy struct {
	// How long a live result is served without calling out again.
	PrimaryTTL time.Duration

	// How long the last known-good result is kept for failures.
	FailbackTTL time.Duration

	// How long a failure is remembered before the next live attempt.
	FailureTTL time.Duration

	// Prepended to every key.
	Prefix string
}

// DefaultPolicy returns the default TTLs.
func DefaultPolicy() Policy {
	return Policy{
		PrimaryTTL:  DefaultPrimaryTTL,
		FailbackTTL: DefaultFailbackTTL,
		FailureTTL:  DefaultFailureTTL,
		Prefix:      "gab_",
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PrimaryTTL <= 0 {
		p.PrimaryTTL = d.PrimaryTTL
	}
	if p.FailbackTTL <= 0 {
		p.FailbackTTL = d.FailbackTTL
	}
	if p.FailureTTL <= 0 {
		p.FailureTTL = d.FailureTTL
	}
	return p
}

// Source says where a Call result came from.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceLive     Source = "live"
	SourceFailback Source = "failback"
	SourceNone     Source = "none"
)

// Failback caches results of operations in two tiers. The primary tier holds
// the latest live result, or an empty marker when the last attempt failed.
// The failback tier holds the last known-good result for much longer.
type Failback struct {
	cache  Cache
	policy Policy
	group  singleflight.Group
}

// NewFailback wraps c with policy. Zero TTLs take the defaults.
func NewFailback(c Cache, policy Policy) *Failback {
	return &Failback{cache: c, policy: policy.withDefaults()}
}

// Policy returns the effective policy.
func (f *Failback) Policy() Policy {
	return f.policy
}

// Result is the outcome of a Call.
type Result[T any] struct {
	Value  T
	Found  bool
	Source Source
}

// Call runs op through the failback cache, keyed by a fingerprint of name
// and args. Errors from op are never returned: the failback value is served
// instead, and Found is false when there is none. Concurrent identical calls
// share one live attempt.
func Call[T any](ctx context.Context, f *Failback, name string, args any, op func(context.Context) (T, error)) Result[T] {
	fp, err := Fingerprint(name, args)
	if err != nil {
		logging.Errorw(ctx, "cache: uncacheable arguments, calling live", "operation", name, "error", err)
		v, err := op(ctx)
		if err != nil {
			return Result[T]{Source: SourceNone}
		}
		return Result[T]{Value: v, Found: true, Source: SourceLive}
	}
	primaryKey := f.policy.Prefix + fp
	failbackKey := f.policy.Prefix + "failback_" + fp

	if data, ok := f.get(ctx, primaryKey); ok {
		if len(data) > 0 {
			if v, ok := decode[T](ctx, data); ok {
				logging.Debugw(ctx, "cache: hit", "operation", name)
				return Result[T]{Value: v, Found: true, Source: SourcePrimary}
			}
		} else {
			logging.Debugw(ctx, "cache: recent failure, serving failback", "operation", name)
			return readFailback[T](ctx, f, failbackKey)
		}
	}

	v, err := live(ctx, f, primaryKey, failbackKey, op)
	switch {
	case errors.Is(err, ErrSkipCache):
		logging.Debugw(ctx, "cache: result not cacheable", "operation", name)
		return Result[T]{Source: SourceNone}
	case err != nil:
		logging.Warnw(ctx, "cache: live call failed, serving failback", "operation", name, "error", err)
		f.set(ctx, primaryKey, []byte{}, f.policy.FailureTTL)
		return readFailback[T](ctx, f, failbackKey)
	}
	logging.Debugw(ctx, "cache: live result stored", "operation", name)
	return Result[T]{Value: v, Found: true, Source: SourceLive}
}

// Refresh always runs op and, on success, overwrites both tiers. A failed
// refresh leaves the tiers as they were and serves the failback value.
func Refresh[T any](ctx context.Context, f *Failback, name string, args any, op func(context.Context) (T, error)) Result[T] {
	fp, err := Fingerprint(name, args)
	if err != nil {
		logging.Errorw(ctx, "cache: uncacheable arguments, nothing to refresh", "operation", name, "error", err)
		return Result[T]{Source: SourceNone}
	}
	primaryKey := f.policy.Prefix + fp
	failbackKey := f.policy.Prefix + "failback_" + fp

	v, err := live(ctx, f, primaryKey, failbackKey, op)
	switch {
	case errors.Is(err, ErrSkipCache):
		return Result[T]{Source: SourceNone}
	case err != nil:
		logging.Warnw(ctx, "cache: refresh failed", "operation", name, "error", err)
		return readFailback[T](ctx, f, failbackKey)
	}
	logging.Debugw(ctx, "cache: refreshed", "operation", name)
	return Result[T]{Value: v, Found: true, Source: SourceLive}
}

// live runs op once per key across concurrent callers and stores a
// successful result in both tiers.
func live[T any](ctx context.Context, f *Failback, primaryKey, failbackKey string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	data, err, _ := f.group.Do(primaryKey, func() (any, error) {
		v, err := op(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		f.set(ctx, primaryKey, data, f.policy.PrimaryTTL)
		f.set(ctx, failbackKey, data, f.policy.FailbackTTL)
		return data, nil
	})
	if err != nil {
		return zero, err
	}
	v, ok := decode[T](ctx, data.([]byte))
	if !ok {
		return zero, errors.Mark(ErrSkipCache, 0).Append("undecodable live result")
	}
	return v, nil
}

func readFailback[T any](ctx context.Context, f *Failback, key string) Result[T] {
	data, ok := f.get(ctx, key)
	if !ok || len(data) == 0 {
		return Result[T]{Source: SourceNone}
	}
	v, ok := decode[T](ctx, data)
	if !ok {
		return Result[T]{Source: SourceNone}
	}
	return Result[T]{Value: v, Found: true, Source: SourceFailback}
}

func (f *Failback) get(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := f.cache.Get(ctx, key)
	if err != nil {
		logging.Warnw(ctx, "cache: read failed", "key", key, "error", err)
		return nil, false
	}
	return data, ok
}

func (f *Failback) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if err := f.cache.Set(ctx, key, data, ttl); err != nil {
		logging.Warnw(ctx, "cache: write failed", "key", key, "error", err)
	}
}

func decode[T any](ctx context.Context, data []byte) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		logging.Warnw(ctx, "cache: undecodable entry", "error", err)
		return v, false
	}
	return v, true
}
