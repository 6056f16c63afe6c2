package gabridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/handbuilt/gabridge/auth"
	"github.com/handbuilt/gabridge/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	k, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "oauth2callback/google", k.String("oauth.callbackPath"))
	assert.Equal(t, "gab_disconnect", k.String("oauth.disconnectAction"))
	assert.Equal(t, []string{"dev", "local", "test"}, k.Strings("oauth.localSuffixes"))
	assert.Equal(t, "memory", k.String("cache.backend"))
	assert.Equal(t, "sqlite", k.String("storage.driver"))

	policy := CachePolicyFromConfig(k)
	assert.Equal(t, 15*time.Minute, policy.PrimaryTTL)
	assert.Equal(t, 60*time.Hour, policy.FailbackTTL)
	assert.Equal(t, 3*time.Minute, policy.FailureTTL)
	assert.Equal(t, "gab_", policy.Prefix)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
address: https://blog.dev:8443
oauth:
  clientId: file-id
  mode: service
cache:
  primaryTtl: 1m
prime:
  metrics:
    - ga:pageviews
    - ga:sessions, ga:users
`)
	t.Setenv("GAB__OAUTH__CLIENT_SECRET", "env-secret")

	k, err := LoadConfig(path)
	require.NoError(t, err)
	ctx := t.Context()

	s := SettingsFromConfig(k)
	assert.Equal(t, "file-id", s.ClientID(ctx))
	assert.Equal(t, "env-secret", s.ClientSecret(ctx))
	assert.Equal(t, auth.ModeService, s.Mode(ctx))
	assert.Equal(t, "https://localhost:8443/oauth2callback/google", s.RedirectURI(ctx))
	assert.Equal(t, "https://blog.dev:8443/settings", s.SettingsURL(ctx))
	assert.Equal(t, time.Minute, CachePolicyFromConfig(k).PrimaryTTL)

	jobs := PrimeJobsFromConfig(k)
	require.Len(t, jobs, 2)
	assert.Equal(t, []string{"ga:pageviews"}, jobs[0].Metrics)
	assert.Equal(t, []string{"ga:sessions", "ga:users"}, jobs[1].Metrics)
}

func TestSettingsExplicitURIs(t *testing.T) {
	path := writeConfig(t, `
oauth:
  redirectUri: https://blog.dev/custom
settingsUrl: https://blog.dev/wp-admin/admin.php?page=gab
`)
	k, err := LoadConfig(path)
	require.NoError(t, err)

	s := SettingsFromConfig(k)
	assert.Equal(t, "https://blog.dev/custom", s.RedirectURI(t.Context()))
	assert.Equal(t, "https://blog.dev/wp-admin/admin.php?page=gab", s.SettingsURL(t.Context()))
}

func TestSettingsServiceAccount(t *testing.T) {
	k, err := LoadConfig(writeConfig(t, `
serviceAccount:
  clientEmail: robot@example.iam.gserviceaccount.com
  privateKey: pem
`))
	require.NoError(t, err)

	sa, err := SettingsFromConfig(k).ServiceAccount(t.Context())
	require.NoError(t, err)
	require.NotNil(t, sa)
	assert.Equal(t, "robot@example.iam.gserviceaccount.com", sa.ClientEmail)

	k, err = LoadConfig()
	require.NoError(t, err)
	sa, err = SettingsFromConfig(k).ServiceAccount(t.Context())
	require.NoError(t, err)
	assert.Nil(t, sa)

	k, err = LoadConfig(writeConfig(t, "serviceAccount:\n  keyFile: /does/not/exist.json\n"))
	require.NoError(t, err)
	_, err = SettingsFromConfig(k).ServiceAccount(t.Context())
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	k, err := LoadConfig(writeConfig(t, `
oauth:
  clientID: typo
prime:
  metrics: ["ga:pageviews"]
`))
	require.NoError(t, err)

	warnings := ValidateConfig(k)
	require.Len(t, warnings, 1)
	assert.Equal(t, "oauth.clientID", warnings[0].Key)
	assert.Contains(t, warnings[0].Suggestions, "oauth.clientId")
}

func TestConfigKeys(t *testing.T) {
	keys := ConfigKeys()
	found := map[string]bool{}
	for _, info := range keys {
		found[info.Key] = true
		assert.NotEmpty(t, info.Description, info.Key)
	}
	for _, key := range []string{"oauth.clientId", "storage.dsn", "cache.redis.address", "prime.schedule"} {
		assert.True(t, found[key], key)
	}
}

func TestNewFromConfig(t *testing.T) {
	k, err := LoadConfig(writeConfig(t, `
storage:
  driver: memory
oauth:
  clientId: id
  clientSecret: secret
`))
	require.NoError(t, err)

	b, err := NewFromConfig(t.Context(), k)
	require.NoError(t, err)
	defer b.Close()

	st := b.Status(t.Context(), "")
	assert.False(t, st.Connected)
	assert.Contains(t, st.AuthURL, "client_id=id")
	assert.Equal(t, "gab_disconnect", b.Manager().DisconnectAction())
}

func TestNewFromConfigSqlite(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "gab.s3db")
	k, err := LoadConfig(writeConfig(t, "storage:\n  dsn: "+dsn+"\n"))
	require.NoError(t, err)

	b, err := NewFromConfig(t.Context(), k)
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}

func TestNewFromConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown storage", "storage:\n  driver: mongo\n"},
		{"unknown cache", "storage:\n  driver: memory\ncache:\n  backend: memcached\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := LoadConfig(writeConfig(t, tt.body))
			require.NoError(t, err)

			_, err = NewFromConfig(t.Context(), k)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errConfig))
			assert.Equal(t, codes.InvalidArgument, errors.Code(err))
		})
	}
}
