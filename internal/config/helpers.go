package config

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// SearchForConfig recursively searches for a config file starting from startDir
// and walking up the directory tree until found or reaching the root.
func SearchForConfig(filename string, startDir string) string {
	d, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}

	p := filepath.Join(d, filename)
	if _, err = os.Stat(p); err == nil {
		return p
	}

	parentDir := filepath.Dir(d)
	if parentDir == d {
		return ""
	}
	return SearchForConfig(filename, parentDir)
}

// EnvTransformer returns a koanf env transform for the given prefix, mapping
// GAB__OAUTH__CLIENT_ID to oauth.clientId:
//   - The prefix is removed and the rest lower cased
//   - Double underscores (__) become dots (.)
//   - Single underscores (_) within segments become camelCase
func EnvTransformer(envPrefix string) func(string) string {
	return func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		segments := strings.Split(s, "__")
		for i, segment := range segments {
			parts := strings.Split(segment, "_")
			for j := 1; j < len(parts); j++ {
				parts[j] = capitalize(parts[j])
			}
			segments[i] = strings.Join(parts, "")
		}
		return strings.Join(segments, ".")
	}
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
