// Package config holds the registry of known configuration keys and the
// helpers used to load and validate configuration.
package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// KeyInfo contains metadata about a known configuration key.
type KeyInfo struct {
	Key         string // The full config key path (e.g., "oauth.clientId")
	Description string // Human-readable description of what this config does
	Type        string // Type hint: "string", "int", "bool", "duration", "[]string"
	Default     any    // Optional default value
}

var (
	registry   = make(map[string]KeyInfo)
	registryMu sync.RWMutex
)

// RegisterKeys registers known configuration keys.
func RegisterKeys(infos ...KeyInfo) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, info := range infos {
		registry[info.Key] = info
	}
}

// LookupKey returns metadata for a registered config key.
func LookupKey(key string) (KeyInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, exists := registry[key]
	return info, exists
}

// AllKeys returns all registered keys sorted alphabetically.
func AllKeys() []KeyInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	keys := make([]KeyInfo, 0, len(registry))
	for _, info := range registry {
		keys = append(keys, info)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })
	return keys
}

// Defaults returns the registered keys that have a default value.
func Defaults() map[string]any {
	registryMu.RLock()
	defer registryMu.RUnlock()

	defaults := make(map[string]any)
	for key, info := range registry {
		if info.Default != nil {
			defaults[key] = info.Default
		}
	}
	return defaults
}

// FindSimilarKeys finds registered keys that are similar to the given key,
// most similar first. Keys within an edit distance of 3 are considered, and
// keys sharing the same parent get a one point bonus.
func FindSimilarKeys(key string, maxResults int) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	type scored struct {
		key   string
		score int
	}

	var candidates []scored
	keyPrefix := prefix(key)
	for registered := range registry {
		if registered == key {
			continue
		}
		score := levenshtein.ComputeDistance(key, registered)
		if keyPrefix != "" && keyPrefix == prefix(registered) && score > 0 {
			score--
		}
		if score <= 3 {
			candidates = append(candidates, scored{registered, score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].score < candidates[j].score
	})

	result := make([]string, 0, maxResults)
	for i := 0; i < len(candidates) && i < maxResults; i++ {
		result = append(result, candidates[i].key)
	}
	return result
}

// prefix returns "oauth" for "oauth.clientId".
func prefix(key string) string {
	lastDot := strings.LastIndex(key, ".")
	if lastDot == -1 {
		return ""
	}
	return key[:lastDot]
}
