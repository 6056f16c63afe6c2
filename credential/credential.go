// Package credential holds the single OAuth credential record the bridge uses
// to talk to Google Analytics.
package credential

import (
	"context"
	"encoding/json"
	"time"

	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/storage"
)

// Key is the fixed primary key of the credential record.
const Key = "gab_oauth2"

// ExpiryMargin is how long before expire_time a token is already treated as
// expired.
const ExpiryMargin = 60 * time.Second

// Credential is the persisted authorization record. A Credential without an
// access token means "not connected".
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// Seconds since epoch.
	ExpireTime int64 `json:"expire_time"`

	// Raw provider response. Diagnostic only.
	OriginalResponse json.RawMessage `json:"original_response,omitempty"`
}

// PK implements storage.Model.
func (c Credential) PK() string { return Key }

// Connected reports whether the credential carries an access token.
func (c *Credential) Connected() bool {
	return c != nil && c.AccessToken != ""
}

// IsExpired reports whether the token expires at or before now plus the
// expiry margin. A credential without an expiry is always expired.
func (c *Credential) IsExpired(now time.Time) bool {
	if c == nil || c.ExpireTime == 0 {
		return true
	}
	return c.ExpireTime <= now.Add(ExpiryMargin).Unix()
}

// Expiry returns the expire time as a time.Time.
func (c *Credential) Expiry() time.Time {
	if c == nil || c.ExpireTime == 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpireTime, 0)
}

// Store wraps a storage.Store with get/save/clear semantics for the one
// credential record.
type Store struct {
	store storage.Store
}

// NewStore returns a credential store backed by s.
func NewStore(s storage.Store) *Store {
	return &Store{store: s}
}

// Get returns the stored credential, or nil when none has been saved.
func (s *Store) Get(ctx context.Context) (*Credential, error) {
	var c Credential
	err := s.store.Read(ctx, Key, &c)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapPrefix(err, "credential: read failed", 0)
	}
	if !c.Connected() && c.RefreshToken == "" {
		return nil, nil
	}
	return &c, nil
}

// Save overwrites the stored credential.
func (s *Store) Save(ctx context.Context, c *Credential) error {
	if c == nil {
		return errors.Mark(storage.ErrNilModel, 0)
	}
	if err := s.store.Upsert(ctx, *c); err != nil {
		return errors.WrapPrefix(err, "credential: save failed", 0)
	}
	return nil
}

// Clear removes the stored credential. Clearing an absent credential is not
// an error.
func (s *Store) Clear(ctx context.Context) error {
	err := s.store.Delete(ctx, Credential{})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errors.WrapPrefix(err, "credential: clear failed", 0)
	}
	return nil
}
