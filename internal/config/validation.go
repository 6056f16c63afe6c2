package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/v2"
)

// ValidationWarning represents an unknown or potentially misspelled key.
type ValidationWarning struct {
	Key         string
	Suggestions []string
}

func (w ValidationWarning) String() string {
	msg := fmt.Sprintf("'%s' is not a known config key", w.Key)
	switch len(w.Suggestions) {
	case 0:
	case 1:
		msg += fmt.Sprintf(". Did you mean '%s'?", w.Suggestions[0])
	default:
		msg += fmt.Sprintf(". Did you mean one of: %s?", strings.Join(w.Suggestions, ", "))
	}
	return msg
}

// Validate checks all loaded keys against the registry and returns warnings
// for unknown keys, with suggestions for similar registered keys. Keys nested
// under a registered key (e.g. `prime.metrics.0`) are accepted.
func Validate(k *koanf.Koanf) []ValidationWarning {
	var warnings []ValidationWarning
	for _, key := range k.Keys() {
		if _, exists := LookupKey(key); exists || hasRegisteredParent(key) {
			continue
		}
		warnings = append(warnings, ValidationWarning{
			Key:         key,
			Suggestions: FindSimilarKeys(key, 3),
		})
	}
	return warnings
}

func hasRegisteredParent(key string) bool {
	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i > 0; i-- {
		if _, exists := LookupKey(strings.Join(parts[:i], ".")); exists {
			return true
		}
	}
	return false
}
