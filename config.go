package gabridge

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/handbuilt/gabridge/auth"
	"github.com/handbuilt/gabridge/cache"
	"github.com/handbuilt/gabridge/callback"
	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/internal/config"
	"github.com/handbuilt/gabridge/prime"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Filename of the standard configuration file.
const ConfigFile = "gabridge.yaml"

// EnvPrefix is the prefix of environment variables read as configuration.
//
//   - GAB__OAUTH__CLIENT_ID → oauth.clientId
//   - GAB__CACHE__REDIS__ADDRESS → cache.redis.address
const EnvPrefix = "GAB__"

// ConfigKeyInfo contains metadata about a known configuration key.
type ConfigKeyInfo = config.KeyInfo

const (
	defaultPort = "8000"
	defaultHost = "localhost"
)

var registerOnce sync.Once

// LoadConfig builds a configuration instance. Sources are applied in order,
// later ones overriding earlier ones:
//
//  1. Registered defaults
//  2. gabridge.yaml found in the working directory or a parent
//  3. Environment variables with the GAB__ prefix
//  4. The files passed in, in order
func LoadConfig(files ...string) (*koanf.Koanf, error) {
	registerOnce.Do(registerConfigKeys)

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(config.Defaults(), "."), nil); err != nil {
		return nil, errors.WrapPrefix(err, "config: loading defaults", 0)
	}
	if cfg := config.SearchForConfig(ConfigFile, "."); cfg != "" {
		if err := k.Load(file.Provider(cfg), yaml.Parser()); err != nil {
			return nil, errors.WrapPrefix(err, "config: loading "+cfg, 0)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", config.EnvTransformer(EnvPrefix)), nil); err != nil {
		return nil, errors.WrapPrefix(err, "config: loading env", 0)
	}
	for _, path := range files {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.WrapPrefix(err, "config: loading "+path, 0)
		}
	}
	return k, nil
}

// ValidateConfig returns warnings for keys that are not registered, with
// suggestions for likely typos.
func ValidateConfig(k *koanf.Koanf) []config.ValidationWarning {
	registerOnce.Do(registerConfigKeys)
	return config.Validate(k)
}

// ConfigKeys returns all registered configuration keys.
func ConfigKeys() []ConfigKeyInfo {
	registerOnce.Do(registerConfigKeys)
	return config.AllKeys()
}

// SettingsFromConfig returns auth settings whose providers read k. Hosts can
// override individual fields on the returned value.
func SettingsFromConfig(k *koanf.Koanf) auth.Settings {
	var (
		saOnce sync.Once
		sa     *auth.ServiceAccount
		saErr  error
	)
	return auth.Settings{
		ClientID:     func(context.Context) string { return k.String("oauth.clientId") },
		ClientSecret: func(context.Context) string { return k.String("oauth.clientSecret") },
		Mode:         func(context.Context) auth.Mode { return auth.ParseMode(k.String("oauth.mode")) },
		RedirectURI: func(context.Context) string {
			if uri := k.String("oauth.redirectUri"); uri != "" {
				return uri
			}
			return auth.RewriteRedirectURI(
				auth.CallbackURI(k.String("address"), k.String("oauth.callbackPath")),
				configStrings(k, "oauth.localSuffixes"))
		},
		SettingsURL: func(context.Context) string {
			if u := k.String("settingsUrl"); u != "" {
				return u
			}
			return strings.TrimRight(k.String("address"), "/") + "/settings"
		},
		ServiceAccount: func(context.Context) (*auth.ServiceAccount, error) {
			if path := k.String("serviceAccount.keyFile"); path != "" {
				saOnce.Do(func() { sa, saErr = auth.LoadServiceAccount(path) })
				return sa, saErr
			}
			if k.String("serviceAccount.clientEmail") == "" {
				return nil, nil
			}
			return &auth.ServiceAccount{
				ClientEmail: k.String("serviceAccount.clientEmail"),
				PrivateKey:  k.String("serviceAccount.privateKey"),
				TokenURI:    k.String("serviceAccount.tokenUri"),
			}, nil
		},
	}
}

// CachePolicyFromConfig reads the cache TTLs and key prefix.
func CachePolicyFromConfig(k *koanf.Koanf) cache.Policy {
	return cache.Policy{
		PrimaryTTL:  k.Duration("cache.primaryTtl"),
		FailbackTTL: k.Duration("cache.failbackTtl"),
		FailureTTL:  k.Duration("cache.failureTtl"),
		Prefix:      k.String("cache.prefix"),
	}
}

// PrimeJobsFromConfig reads prime.metrics. Each entry is one job; an entry
// may list several metrics separated by commas.
func PrimeJobsFromConfig(k *koanf.Koanf) []prime.Job {
	var jobs []prime.Job
	for _, entry := range configList(k, "prime.metrics") {
		if metrics := splitList(entry); len(metrics) > 0 {
			jobs = append(jobs, prime.Job{Metrics: metrics})
		}
	}
	return jobs
}

// configStrings reads a list that may also be given as a comma separated
// string, as happens with environment variables.
func configStrings(k *koanf.Koanf, key string) []string {
	var out []string
	for _, v := range configList(k, key) {
		out = append(out, splitList(v)...)
	}
	return out
}

func configList(k *koanf.Koanf, key string) []string {
	if list := k.Strings(key); len(list) > 0 {
		return list
	}
	if s := k.String(key); s != "" {
		return []string{s}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func registerConfigKeys() {
	config.RegisterKeys(
		ConfigKeyInfo{
			Key:         "address",
			Description: "External address of the site, used to build the OAuth callback URL",
			Type:        "string",
			Default:     "http://" + net.JoinHostPort(defaultHost, defaultPort),
		},
		ConfigKeyInfo{
			Key:         "settingsUrl",
			Description: "Settings page URL that callbacks redirect to (defaults to {address}/settings)",
			Type:        "string",
		},

		// OAuth
		ConfigKeyInfo{
			Key:         "oauth.clientId",
			Description: "Google OAuth2 client ID",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "oauth.clientSecret",
			Description: "Google OAuth2 client secret",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "oauth.callbackPath",
			Description: "Path matched against inbound requests to complete the connect flow",
			Type:        "string",
			Default:     callback.DefaultCallbackPath,
		},
		ConfigKeyInfo{
			Key:         "oauth.redirectUri",
			Description: "Explicit redirect URI sent to Google, bypassing the localhost rewrite",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "oauth.localSuffixes",
			Description: "Top-level domains rewritten to localhost in the redirect URI",
			Type:        "[]string",
			Default:     auth.DefaultLocalSuffixes,
		},
		ConfigKeyInfo{
			Key:         "oauth.mode",
			Description: "Authentication mode: user or service",
			Type:        "string",
			Default:     string(auth.ModeUser),
		},
		ConfigKeyInfo{
			Key:         "oauth.disconnectAction",
			Description: "Action name carried by disconnect links",
			Type:        "string",
			Default:     auth.DefaultDisconnectAction,
		},
		ConfigKeyInfo{
			Key:         "oauth.nonceKey",
			Description: "Key used to sign anti-forgery tokens (random per process if unset)",
			Type:        "string",
		},

		// Service account
		ConfigKeyInfo{
			Key:         "serviceAccount.keyFile",
			Description: "Path to a Google service account JSON key",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "serviceAccount.clientEmail",
			Description: "Service account email, when no key file is used",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "serviceAccount.privateKey",
			Description: "Service account PEM private key, when no key file is used",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "serviceAccount.tokenUri",
			Description: "Token endpoint for the service account assertion",
			Type:        "string",
		},

		// Analytics
		ConfigKeyInfo{
			Key:         "analytics.profileId",
			Description: "Google Analytics view (profile) ID queried by default",
			Type:        "string",
		},

		// Cache
		ConfigKeyInfo{
			Key:         "cache.backend",
			Description: "Cache backend: memory or redis",
			Type:        "string",
			Default:     "memory",
		},
		ConfigKeyInfo{
			Key:         "cache.redis.address",
			Description: "Redis address",
			Type:        "string",
			Default:     "localhost:6379",
		},
		ConfigKeyInfo{
			Key:         "cache.redis.password",
			Description: "Redis password",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "cache.redis.db",
			Description: "Redis database number",
			Type:        "int",
			Default:     0,
		},
		ConfigKeyInfo{
			Key:         "cache.redis.poolSize",
			Description: "Maximum number of Redis connections, 0 for the client default",
			Type:        "int",
			Default:     0,
		},
		ConfigKeyInfo{
			Key:         "cache.prefix",
			Description: "Prefix for cache keys",
			Type:        "string",
			Default:     "gab_",
		},
		ConfigKeyInfo{
			Key:         "cache.primaryTtl",
			Description: "How long live query results are served from cache",
			Type:        "duration",
			Default:     cache.DefaultPrimaryTTL.String(),
		},
		ConfigKeyInfo{
			Key:         "cache.failbackTtl",
			Description: "How long the last known-good result is kept",
			Type:        "duration",
			Default:     cache.DefaultFailbackTTL.String(),
		},
		ConfigKeyInfo{
			Key:         "cache.failureTtl",
			Description: "How long a failed query is remembered before retrying",
			Type:        "duration",
			Default:     cache.DefaultFailureTTL.String(),
		},

		// Storage
		ConfigKeyInfo{
			Key:         "storage.driver",
			Description: "Credential storage: memory, sqlite or postgres",
			Type:        "string",
			Default:     "sqlite",
		},
		ConfigKeyInfo{
			Key:         "storage.dsn",
			Description: "Data source name for the storage driver",
			Type:        "string",
			Default:     "file:gabridge.s3db",
		},

		// Standalone server
		ConfigKeyInfo{
			Key:         "server.host",
			Description: "Host to bind the server to",
			Type:        "string",
			Default:     defaultHost,
		},
		ConfigKeyInfo{
			Key:         "server.port",
			Description: "Port to bind the server to",
			Type:        "int",
			Default:     defaultPort,
		},
		ConfigKeyInfo{
			Key:         "server.adminKey",
			Description: "Key required to connect, disconnect and view settings",
			Type:        "string",
		},

		// Cache priming
		ConfigKeyInfo{
			Key:         "prime.schedule",
			Description: "Cron schedule for cache priming",
			Type:        "string",
			Default:     prime.DefaultSchedule,
		},
		ConfigKeyInfo{
			Key:         "prime.metrics",
			Description: "Metric queries to keep warm, one comma separated list per job",
			Type:        "[]string",
		},
	)
}
