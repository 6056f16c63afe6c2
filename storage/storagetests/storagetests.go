// Package storagetests provides a suite that every storage.Store
// implementation is expected to pass.
package storagetests

import (
	"testing"

	"github.com/handbuilt/gabridge/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Grant is a fixture model.
type Grant struct {
	ID           string
	AccessToken  string
	RefreshToken string
	ExpireTime   int64
}

func (g Grant) PK() string { return g.ID }

// Profile is a second fixture model, used to check entity isolation.
type Profile struct {
	ID   string
	View string
}

func (p Profile) PK() string { return p.ID }

// Run executes the suite. newStore is called once per sub-test.
func Run(t *testing.T, newStore func() storage.Store) {
	tests := []struct {
		name string
		fn   func(*testing.T, storage.Store)
	}{
		{"ReadMissing", ReadMissing},
		{"UpsertAndRead", UpsertAndRead},
		{"UpsertOverwrites", UpsertOverwrites},
		{"UpsertMultiple", UpsertMultiple},
		{"Delete", Delete},
		{"DeleteMissing", DeleteMissing},
		{"Exists", Exists},
		{"EntityIsolation", EntityIsolation},
		{"NilReceiver", NilReceiver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			if c, ok := s.(storage.Closer); ok {
				t.Cleanup(func() { c.Close() })
			}
			tt.fn(t, s)
		})
	}
}

func ReadMissing(t *testing.T, s storage.Store) {
	var g Grant
	err := s.Read(t.Context(), "missing", &g)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func UpsertAndRead(t *testing.T, s storage.Store) {
	want := Grant{ID: "gab_oauth2", AccessToken: "at", RefreshToken: "rt", ExpireTime: 1700000000}
	require.NoError(t, s.Upsert(t.Context(), want))

	var got Grant
	require.NoError(t, s.Read(t.Context(), "gab_oauth2", &got))
	assert.Equal(t, want, got)
}

func UpsertOverwrites(t *testing.T, s storage.Store) {
	require.NoError(t, s.Upsert(t.Context(), Grant{ID: "g", AccessToken: "first", RefreshToken: "rt"}))
	require.NoError(t, s.Upsert(t.Context(), Grant{ID: "g", AccessToken: "second"}))

	var got Grant
	require.NoError(t, s.Read(t.Context(), "g", &got))
	assert.Equal(t, Grant{ID: "g", AccessToken: "second"}, got, "upsert replaces the whole record")
}

func UpsertMultiple(t *testing.T, s storage.Store) {
	require.NoError(t, s.Upsert(t.Context(), Grant{ID: "a"}, Grant{ID: "b"}))

	for _, id := range []string{"a", "b"} {
		ok, err := s.Exists(t.Context(), id, Grant{})
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
}

func Delete(t *testing.T, s storage.Store) {
	require.NoError(t, s.Upsert(t.Context(), Grant{ID: "g", AccessToken: "at"}))
	require.NoError(t, s.Delete(t.Context(), Grant{ID: "g"}))

	var got Grant
	assert.ErrorIs(t, s.Read(t.Context(), "g", &got), storage.ErrNotFound)
}

func DeleteMissing(t *testing.T, s storage.Store) {
	assert.ErrorIs(t, s.Delete(t.Context(), Grant{ID: "nope"}), storage.ErrNotFound)
}

func Exists(t *testing.T, s storage.Store) {
	ok, err := s.Exists(t.Context(), "g", Grant{})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Upsert(t.Context(), Grant{ID: "g"}))

	ok, err = s.Exists(t.Context(), "g", Grant{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func EntityIsolation(t *testing.T, s storage.Store) {
	require.NoError(t, s.Upsert(t.Context(), Grant{ID: "shared", AccessToken: "at"}))

	ok, err := s.Exists(t.Context(), "shared", Profile{})
	require.NoError(t, err)
	assert.False(t, ok, "records are namespaced by model")

	var p Profile
	assert.ErrorIs(t, s.Read(t.Context(), "shared", &p), storage.ErrNotFound)
}

func NilReceiver(t *testing.T, s storage.Store) {
	var g *Grant
	assert.ErrorIs(t, s.Read(t.Context(), "g", g), storage.ErrNilModel)
}
