// Package cache provides the key-value cache used by the query layer and a
// failback decorator that serves the last known-good result when a live call
// fails.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/handbuilt/gabridge/errors"
)

// Cache is a TTL key-value cache. Expired entries behave as absent. An empty
// value is a legal entry and distinct from a missing one.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Fingerprint returns a stable key for an operation and its arguments.
// Arguments are JSON encoded, so map keys are ordered.
func Fingerprint(operation string, args any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", errors.WrapPrefix(err, "cache: fingerprint", 0)
	}
	sum := sha256.Sum256(data)
	return operation + ":" + hex.EncodeToString(sum[:]), nil
}
